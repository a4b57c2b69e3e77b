// Package export renders finalized batches into spreadsheet artifacts and
// publishes them through the blob store under a dated-folder layout. It also
// resolves previously recorded artifact locations for reconciliation and
// deletion.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"palletcore/internal/blob"
	"palletcore/internal/sheet"
	"palletcore/pkg/domain"
)

// Format selects the artifact file format.
type Format string

const (
	// FormatXLSX writes a single-sheet OOXML workbook. Default.
	FormatXLSX Format = "xlsx"
	// FormatCSV writes a comma-separated file with the same rows.
	FormatCSV Format = "csv"
)

// ParseFormat maps a configuration string to a Format. Empty input selects
// the default.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "xlsx":
		return FormatXLSX, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown artifact format %q", s)
	}
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	if f == FormatCSV {
		return ".csv"
	}
	return ".xlsx"
}

func (f Format) contentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

const (
	// datedFolderLayout names the per-day artifact folder, e.g. "6-Jan-26".
	datedFolderLayout = "2-Jan-06"

	fileDateLayout = "20060102"
	fileTimeLayout = "150405"

	// DefaultFallbackPrefix names artifacts whose category sanitizes to
	// nothing.
	DefaultFallbackPrefix = "Pallet"

	exportSheetName = "Pallet"

	// maxCollisionProbes bounds the numeric-suffix fallback when a key is
	// already taken. Collisions only happen when the destination was
	// interfered with by hand, so the bound is generous.
	maxCollisionProbes = 1000
)

// invalidNameChars are stripped from category labels before they become file
// name prefixes.
const invalidNameChars = `<>:"/\|?*`

// ReferenceSource supplies per-unit descriptive attributes for artifact rows.
// *refdata.Dataset satisfies it.
type ReferenceSource interface {
	AttributeHeaders() []string
	Lookup(unit string) (domain.ReferenceRecord, bool)
}

// Artifact describes a published export.
type Artifact struct {
	// Key is the blob key relative to the artifact root.
	Key string
	// Path is the operator-facing location recorded in history: an absolute
	// filesystem path for the filesystem driver, the key otherwise.
	Path string
	// Info is the blob metadata returned by the store.
	Info blob.Info
}

// Option adjusts exporter behavior.
type Option func(*Exporter)

// WithFormat selects the artifact file format.
func WithFormat(f Format) Option {
	return func(e *Exporter) { e.format = f }
}

// WithFallbackPrefix replaces the default artifact name prefix used when the
// category label sanitizes to nothing.
func WithFallbackPrefix(p string) Option {
	return func(e *Exporter) {
		if p != "" {
			e.fallbackPrefix = p
		}
	}
}

// WithClock overrides the time source used when a record carries no
// completion timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// Exporter publishes batch records as spreadsheet artifacts.
type Exporter struct {
	store          blob.Store
	format         Format
	fallbackPrefix string
	now            func() time.Time
}

// New returns an exporter writing through the given blob store.
func New(store blob.Store, opts ...Option) *Exporter {
	e := &Exporter{
		store:          store,
		format:         FormatXLSX,
		fallbackPrefix: DefaultFallbackPrefix,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Format returns the configured artifact format.
func (e *Exporter) Format() Format { return e.format }

// Export renders the record and publishes it at
// <day>-<mon>-<yy>/<prefix>_<seq>_<date>_<time><ext> under the artifact root.
// Puts are create-only; an occupied key falls back to numeric suffixes _1,
// _2, and so on. The record itself is not mutated: callers commit the
// returned artifact path to history after the publish succeeds, so a failed
// export leaves the batch finalizable again.
func (e *Exporter) Export(ctx context.Context, rec domain.BatchRecord, src ReferenceSource) (Artifact, error) {
	if len(rec.Units) == 0 {
		return Artifact{}, fmt.Errorf("batch %d has no units to export", rec.Sequence)
	}
	completed := rec.CompletedAt
	if completed.IsZero() {
		completed = e.now()
	}
	dir := completed.Format(datedFolderLayout)
	base := fmt.Sprintf("%s_%03d_%s_%s",
		e.prefixFor(rec.Category),
		rec.Sequence,
		completed.Format(fileDateLayout),
		completed.Format(fileTimeLayout),
	)

	payload, err := e.render(rec, src)
	if err != nil {
		return Artifact{}, fmt.Errorf("render batch %d: %w", rec.Sequence, err)
	}
	meta := map[string]string{
		"sequence": strconv.Itoa(rec.Sequence),
		"category": rec.Category,
	}

	for attempt := 0; attempt <= maxCollisionProbes; attempt++ {
		name := base
		if attempt > 0 {
			name = fmt.Sprintf("%s_%d", base, attempt)
		}
		key := dir + "/" + name + e.format.Ext()
		info, err := e.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
			ContentType: e.format.contentType(),
			CreateOnly:  true,
			Metadata:    meta,
		})
		if err == nil {
			return Artifact{Key: key, Path: recordedPath(e.store, key), Info: info}, nil
		}
		if errors.Is(err, blob.ErrExists) {
			continue
		}
		return Artifact{}, classifyPutError(recordedPath(e.store, key), err)
	}
	return Artifact{}, &domain.Error{
		Kind:   domain.KindDestinationUnwritable,
		Path:   dir,
		Detail: fmt.Sprintf("no free artifact name under %s for %s", dir, base),
	}
}

// prefixFor sanitizes the category label into a file name prefix, replacing
// characters invalid on common filesystems.
func (e *Exporter) prefixFor(category string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(category) {
		if strings.ContainsRune(invalidNameChars, r) || r < 0x20 {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	p := strings.Trim(b.String(), "_ ")
	if p == "" {
		return e.fallbackPrefix
	}
	return p
}

func (e *Exporter) render(rec domain.BatchRecord, src ReferenceSource) ([]byte, error) {
	rows := artifactRows(rec, src)
	var buf bytes.Buffer
	var err error
	if e.format == FormatCSV {
		err = sheet.WriteCSV(&buf, rows)
	} else {
		err = sheet.WriteWorkbook(&buf, exportSheetName, rows)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// artifactRows lays out the artifact: a header block describing the batch, a
// blank spacer, then one row per unit with its position and any reference
// attributes.
func artifactRows(rec domain.BatchRecord, src ReferenceSource) [][]string {
	var attrs []string
	if src != nil {
		attrs = src.AttributeHeaders()
	}
	rows := [][]string{
		{"Batch", rec.DisplayLabel()},
		{"Sequence", strconv.Itoa(rec.Sequence)},
		{"Category", rec.Category},
		{"Destination", rec.Destination},
		{"Completed", rec.CompletedAt.Format("2006-01-02 15:04:05")},
		{"Units", strconv.Itoa(len(rec.Units))},
		{},
	}
	header := append([]string{"Position", "Unit"}, attrs...)
	rows = append(rows, header)
	for i, unit := range rec.Units {
		row := make([]string, 0, len(header))
		row = append(row, strconv.Itoa(i+1), unit)
		if src != nil {
			ref, ok := src.Lookup(unit)
			for _, h := range attrs {
				v := ""
				if ok {
					v, _ = ref.Attr(h)
				}
				row = append(row, v)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// classifyPutError maps a blob store failure onto the export error kinds. A
// permission failure in the final publish step means another process holds
// the target open; everything else is an unwritable destination.
func classifyPutError(path string, err error) error {
	kind := domain.KindDestinationUnwritable
	if errors.Is(err, blob.ErrPublish) && errors.Is(err, os.ErrPermission) {
		kind = domain.KindSourceLocked
	}
	return &domain.Error{Kind: kind, Path: path, Err: err}
}
