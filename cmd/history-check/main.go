// Command history-check audits a pallet history document against its
// artifact root: it verifies the document's structural invariants (sequence
// ordering, unit uniqueness, batch states) and reports every record whose
// export artifact can no longer be located.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"palletcore/internal/blob"
	"palletcore/internal/export"
	"palletcore/internal/infra/persistence/file"
	"palletcore/pkg/domain"
)

var exitFunc = os.Exit

// main runs the command-line interface using the program arguments and exits
// the process with the status code returned by cli.
func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var historyPath, artifactRoot string
	var verbose bool
	fs.StringVar(&historyPath, "history", file.DefaultPath, "path to the history document")
	fs.StringVar(&artifactRoot, "artifacts", "artifacts", "artifact root directory")
	fs.BoolVar(&verbose, "verbose", false, "also report records whose artifact resolves")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sum, err := run(historyPath, artifactRoot, verbose, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "History check failed: %v\n", err)
		return 1
	}
	if sum.Missing > 0 || sum.Unprobed > 0 {
		fmt.Fprintf(stdout, "History check found problems: %d missing, %d unprobeable (of %d artifacts in %d records).\n",
			sum.Missing, sum.Unprobed, sum.Artifacts, sum.Records)
		return 1
	}
	fmt.Fprintf(stdout, "History check passed (%d records, %d artifacts).\n", sum.Records, sum.Artifacts)
	return 0
}

// summary counts what one check pass saw.
type summary struct {
	Records   int
	Artifacts int
	Missing   int
	Unprobed  int
	Hidden    int
}

// run loads and verifies the history document, then resolves every recorded
// artifact against the artifact root, printing one line per problem record.
func run(historyPath, artifactRoot string, verbose bool, out io.Writer) (summary, error) {
	var sum summary

	data, err := os.ReadFile(historyPath)
	if err != nil {
		return sum, fmt.Errorf("read history: %w", err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return sum, fmt.Errorf("decode history %s: %w", historyPath, err)
	}
	if err := verifySnapshot(snap); err != nil {
		return sum, err
	}

	store, err := blob.NewFS(artifactRoot)
	if err != nil {
		return sum, fmt.Errorf("open artifact root: %w", err)
	}
	resolver := export.NewResolver(store)

	ctx := context.Background()
	for _, rec := range snap.Records {
		sum.Records++
		if rec.Hidden {
			sum.Hidden++
		}
		if rec.ArtifactPath == "" {
			if verbose {
				fmt.Fprintf(out, "record %d: no artifact\n", rec.Sequence)
			}
			continue
		}
		sum.Artifacts++
		loc, err := resolver.Resolve(ctx, rec.ArtifactPath)
		switch {
		case err != nil:
			sum.Unprobed++
			fmt.Fprintf(out, "record %d: artifact probe failed: %v\n", rec.Sequence, err)
		case !loc.Found():
			sum.Missing++
			fmt.Fprintf(out, "record %d: artifact missing: %s\n", rec.Sequence, rec.ArtifactPath)
		case verbose:
			fmt.Fprintf(out, "record %d: artifact ok: %s\n", rec.Sequence, locationString(loc))
		}
	}
	return sum, nil
}

func locationString(loc export.Location) string {
	if loc.Path != "" {
		return loc.Path
	}
	return loc.Key
}

// verifySnapshot checks the invariants every well-formed history document
// holds: a sane sequence counter, records below it with units and a
// completion time, no sequence issued twice, no unit reserved twice, and a
// live batch that is still open.
func verifySnapshot(snap domain.Snapshot) error {
	if snap.NextSequence < 1 {
		return fmt.Errorf("next_sequence %d must be at least 1", snap.NextSequence)
	}

	seenSequence := make(map[int]int)
	seenUnit := make(map[string]int)
	for i, rec := range snap.Records {
		if rec.Sequence < 1 {
			return fmt.Errorf("records[%d]: sequence %d must be at least 1", i, rec.Sequence)
		}
		if rec.Sequence >= snap.NextSequence {
			return fmt.Errorf("records[%d]: sequence %d not below next_sequence %d", i, rec.Sequence, snap.NextSequence)
		}
		if prev, ok := seenSequence[rec.Sequence]; ok {
			return fmt.Errorf("records[%d]: sequence %d already used by records[%d]", i, rec.Sequence, prev)
		}
		seenSequence[rec.Sequence] = i
		if len(rec.Units) == 0 {
			return fmt.Errorf("records[%d]: batch %d has no units", i, rec.Sequence)
		}
		for _, unit := range rec.Units {
			if unit == "" {
				return fmt.Errorf("records[%d]: batch %d carries an empty unit identifier", i, rec.Sequence)
			}
			if prev, ok := seenUnit[unit]; ok {
				return fmt.Errorf("records[%d]: unit %q already recorded in batch %d", i, unit, prev)
			}
			seenUnit[unit] = rec.Sequence
		}
		if rec.CompletedAt.IsZero() {
			return fmt.Errorf("records[%d]: batch %d has no completion time", i, rec.Sequence)
		}
	}

	if snap.Active != nil {
		if err := verifyActive(*snap.Active, snap.NextSequence, seenUnit); err != nil {
			return err
		}
	}
	return nil
}

func verifyActive(active domain.Batch, nextSequence int, seenUnit map[string]int) error {
	if active.Sequence < 1 || active.Sequence >= nextSequence {
		return fmt.Errorf("active batch: sequence %d not below next_sequence %d", active.Sequence, nextSequence)
	}
	if active.State != domain.BatchBuilding && active.State != domain.BatchFull {
		return fmt.Errorf("active batch: state %q is not an open state", active.State)
	}
	if active.Capacity > 0 && len(active.Units) > active.Capacity {
		return fmt.Errorf("active batch: %d units over capacity %d", len(active.Units), active.Capacity)
	}
	live := make(map[string]struct{}, len(active.Units))
	for _, unit := range active.Units {
		if unit == "" {
			return errors.New("active batch: empty unit identifier")
		}
		if seq, ok := seenUnit[unit]; ok {
			return fmt.Errorf("active batch: unit %q already recorded in batch %d", unit, seq)
		}
		if _, ok := live[unit]; ok {
			return fmt.Errorf("active batch: unit %q appears twice", unit)
		}
		live[unit] = struct{}{}
	}
	return nil
}
