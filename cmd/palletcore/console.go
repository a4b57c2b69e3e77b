package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"palletcore/internal/blob"
	"palletcore/internal/core"
	"palletcore/internal/export"
	"palletcore/pkg/domain"
)

// console drives the service from a line-oriented terminal. A scan gun types
// an identifier and a newline, so any line that is not a known command is
// treated as a scan.
type console struct {
	svc      *core.Service
	blob     blob.Store
	resolver *export.Resolver
}

func (c *console) run(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "palletcore console; scan a unit or type 'help'")
	c.printStatus(ctx, out)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if c.dispatch(ctx, out, line) {
			return nil
		}
	}
}

// dispatch handles one input line and reports whether the console should
// exit.
func (c *console) dispatch(ctx context.Context, out io.Writer, line string) bool {
	fields := strings.Fields(line)
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return true
	case "help":
		c.printHelp(out)
	case "start":
		c.handleStart(ctx, out)
	case "status":
		c.printStatus(ctx, out)
	case "scan":
		// Explicit form for identifiers that collide with a command word.
		c.handleScan(ctx, out, strings.Join(args, " "))
	case "remove":
		c.handleRemove(ctx, out, strings.Join(args, " "))
	case "finalize":
		c.handleFinalize(ctx, out, args)
	case "reset":
		c.handleReset(ctx, out)
	case "history":
		c.handleHistory(ctx, out, args)
	case "delete":
		c.handleDelete(ctx, out, args)
	case "reconcile":
		c.handleReconcile(ctx, out)
	case "reload":
		c.handleReload(ctx, out)
	case "link":
		c.handleLink(ctx, out, args)
	default:
		c.handleScan(ctx, out, line)
	}
	return false
}

func (c *console) printHelp(out io.Writer) {
	fmt.Fprint(out, `commands:
  <identifier>                      scan a unit into the open batch
  scan <identifier>                 same, for identifiers that look like commands
  start                             open a new batch
  status                            show the open batch
  remove <identifier>               take a scanned unit back out
  finalize <category> [destination] export the batch and commit it to history
  reset                             discard the building batch
  history [range] [dest=X] [search=X] [sort=K] [desc] [hidden]
                                    query history (range: today|week|month|year|all)
  delete <sequence>                 delete a history record and its artifact
  link <sequence>                   show where a record's artifact lives
  reconcile                         re-check artifacts and hide/restore records
  reload                            reload the reference dataset
  quit                              leave the console
`)
}

func (c *console) handleStart(ctx context.Context, out io.Writer) {
	batch, _, err := c.svc.StartBatch(ctx)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(out, "batch %d started (capacity %d)\n", batch.Sequence, batch.Capacity)
}

func (c *console) handleScan(ctx context.Context, out io.Writer, raw string) {
	if strings.TrimSpace(raw) == "" {
		fmt.Fprintln(out, "usage: scan <identifier>")
		return
	}
	batch, res, err := c.svc.AddUnit(ctx, raw)
	if err != nil {
		fmt.Fprintf(out, "rejected: %v\n", err)
		return
	}
	c.printWarnings(out, res)
	fmt.Fprintf(out, "unit %s added to batch %d (%d/%d)\n",
		batch.Units[len(batch.Units)-1], batch.Sequence, batch.Count(), batch.Capacity)
	if batch.State == domain.BatchFull {
		fmt.Fprintf(out, "batch %d is full; finalize to export\n", batch.Sequence)
	}
}

func (c *console) handleRemove(ctx context.Context, out io.Writer, raw string) {
	if strings.TrimSpace(raw) == "" {
		fmt.Fprintln(out, "usage: remove <identifier>")
		return
	}
	batch, _, err := c.svc.RemoveUnit(ctx, raw)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(out, "unit removed; batch %d now %d/%d [%s]\n",
		batch.Sequence, batch.Count(), batch.Capacity, batch.State)
}

func (c *console) handleFinalize(ctx context.Context, out io.Writer, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(out, "usage: finalize <category> [destination]")
		return
	}
	record, res, err := c.svc.Finalize(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	c.printWarnings(out, res)
	fmt.Fprintf(out, "batch %d exported (%d units)\n", record.Sequence, len(record.Units))
	if record.ArtifactPath != "" {
		fmt.Fprintf(out, "artifact: %s\n", record.ArtifactPath)
	}
}

func (c *console) handleReset(ctx context.Context, out io.Writer) {
	if _, err := c.svc.Reset(ctx); err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(out, "batch discarded; its units may be scanned again")
}

func (c *console) handleHistory(ctx context.Context, out io.Writer, args []string) {
	var q core.RecordQuery
	for _, arg := range args {
		lower := strings.ToLower(arg)
		switch {
		case lower == "desc":
			q.Desc = true
		case lower == "hidden":
			q.IncludeHidden = true
		case strings.HasPrefix(lower, "dest="):
			q.Destination = arg[len("dest="):]
		case strings.HasPrefix(lower, "search="):
			q.Search = arg[len("search="):]
		case strings.HasPrefix(lower, "sort="):
			key, err := core.ParseSortKey(arg[len("sort="):])
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				return
			}
			q.Sort = key
		default:
			r, err := core.ParseQueryRange(arg)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				return
			}
			q.Range = r
		}
	}

	records, err := c.svc.Query(ctx, q)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no matching records")
		return
	}
	for _, rec := range records {
		c.printRecord(out, rec)
	}
	fmt.Fprintf(out, "%d record(s)\n", len(records))
}

func (c *console) printRecord(out io.Writer, rec domain.BatchRecord) {
	artifact := rec.ArtifactName()
	if artifact == "" {
		artifact = "-"
	}
	marker := ""
	if rec.Hidden {
		marker = " [hidden]"
	}
	fmt.Fprintf(out, "#%-4d %s  %-10s %2d units  %-14s %s%s\n",
		rec.Sequence,
		rec.CompletedAt.Local().Format("2006-01-02 15:04"),
		rec.Category,
		len(rec.Units),
		rec.Destination,
		artifact,
		marker,
	)
}

func (c *console) handleDelete(ctx context.Context, out io.Writer, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: delete <sequence>")
		return
	}
	seq, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(out, "error: %q is not a sequence number\n", args[0])
		return
	}
	if _, err := c.svc.Delete(ctx, seq); err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(out, "record %d deleted; its units may be scanned again\n", seq)
}

func (c *console) handleReconcile(ctx context.Context, out io.Writer) {
	report, err := c.svc.Reconcile(ctx)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(out, "reconciled: %d checked, %d hidden, %d restored, %d skipped\n",
		report.Checked, report.Hidden, report.Restored, report.Skipped)
}

func (c *console) handleReload(ctx context.Context, out io.Writer) {
	if err := c.svc.ReloadReference(ctx); err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(out, "reference dataset reloaded")
}

func (c *console) handleLink(ctx context.Context, out io.Writer, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: link <sequence>")
		return
	}
	seq, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(out, "error: %q is not a sequence number\n", args[0])
		return
	}
	records, err := c.svc.Query(ctx, core.RecordQuery{IncludeHidden: true})
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	var rec *domain.BatchRecord
	for i := range records {
		if records[i].Sequence == seq {
			rec = &records[i]
			break
		}
	}
	switch {
	case rec == nil:
		fmt.Fprintf(out, "record %d not found\n", seq)
	case rec.ArtifactPath == "":
		fmt.Fprintf(out, "record %d has no artifact\n", seq)
	default:
		loc, err := c.resolver.Resolve(ctx, rec.ArtifactPath)
		switch {
		case err != nil:
			fmt.Fprintf(out, "error: artifact probe failed: %v\n", err)
		case !loc.Found():
			fmt.Fprintf(out, "artifact for record %d is missing; run reconcile\n", seq)
		case loc.Path != "":
			fmt.Fprintln(out, loc.Path)
		default:
			url, err := c.blob.PresignURL(ctx, loc.Key, blob.SignedURLOptions{})
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				return
			}
			fmt.Fprintln(out, url)
		}
	}
}

func (c *console) printStatus(ctx context.Context, out io.Writer) {
	if fault := c.svc.PersistenceFault(); fault != nil {
		fmt.Fprintf(out, "warning: history persistence is failing: %v\n", fault)
	}
	status, err := c.svc.Status(ctx)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	if !status.Active {
		fmt.Fprintln(out, "no active batch; type 'start' to open one")
		return
	}
	fmt.Fprintf(out, "batch %d [%s]: %d/%d units\n",
		status.Sequence, status.State, status.Count, status.Capacity)
}

func (c *console) printWarnings(out io.Writer, res domain.Result) {
	for _, v := range res.Violations {
		if v.Severity == domain.SeverityWarn {
			fmt.Fprintf(out, "warning: %s\n", v.Message)
		}
	}
}
