// Package refdata loads and serves the reference dataset: the authoritative
// list of unit identifiers the engine accepts, with whatever descriptive
// attributes the source file carries.
package refdata

import (
	"strings"
	"time"

	"palletcore/pkg/domain"
)

// identifierAliases are header names recognized as the identifier column.
// Matching ignores case, spaces, and underscores, so "Serial No", "serial_no",
// and "SerialNo" all land on "serialno".
var identifierAliases = map[string]bool{
	"identifier":   true,
	"id":           true,
	"serial":       true,
	"serialno":     true,
	"serialnumber": true,
	"sn":           true,
	"unit":         true,
	"unitid":       true,
	"pallet":       true,
	"palletid":     true,
	"barcode":      true,
}

// Dataset is an immutable snapshot of one loaded reference source. Lookups
// are case-insensitive over normalized identifiers.
type Dataset struct {
	path     string
	modTime  time.Time
	size     int64
	loadedAt time.Time
	headers  []string
	idCol    int
	records  map[string]domain.ReferenceRecord
	skipped  int
}

// Lookup returns the record for the given identifier. The argument is
// normalized the same way dataset rows are, so raw scanner input matches.
func (d *Dataset) Lookup(unit string) (domain.ReferenceRecord, bool) {
	key, err := normalizeIdentifier(unit)
	if err != nil {
		return domain.ReferenceRecord{}, false
	}
	rec, ok := d.records[key]
	if !ok {
		return domain.ReferenceRecord{}, false
	}
	return rec.Clone(), true
}

// Len returns the number of usable rows loaded.
func (d *Dataset) Len() int { return len(d.records) }

// Skipped returns the number of malformed rows dropped during parsing.
func (d *Dataset) Skipped() int { return d.skipped }

// Path returns the source file the snapshot was loaded from.
func (d *Dataset) Path() string { return d.path }

// LoadedAt returns when the snapshot was taken.
func (d *Dataset) LoadedAt() time.Time { return d.loadedAt }

// Headers returns the normalized header row of the source.
func (d *Dataset) Headers() []string { return append([]string(nil), d.headers...) }

// AttributeHeaders returns the header row without the identifier column, in
// source order. These are the attribute keys Lookup results carry.
func (d *Dataset) AttributeHeaders() []string {
	out := make([]string, 0, len(d.headers))
	for i, h := range d.headers {
		if i == d.idCol || h == "" {
			continue
		}
		out = append(out, h)
	}
	return out
}

// buildDataset parses raw sheet rows into a dataset. The first non-empty row
// is the header row. Rows whose identifier cell is missing or malformed are
// skipped; parsing fails only when no usable rows remain.
func buildDataset(rows [][]string, identifierColumn string) (records map[string]domain.ReferenceRecord, headers []string, skipped int, err error) {
	start := 0
	for start < len(rows) && rowEmpty(rows[start]) {
		start++
	}
	if start >= len(rows) {
		return nil, nil, 0, &domain.Error{Kind: domain.KindSourceCorrupt, Detail: "no header row"}
	}

	headers = make([]string, len(rows[start]))
	for i, h := range rows[start] {
		headers[i] = normalizeHeader(h)
	}
	idCol := findIdentifierColumn(headers, identifierColumn)

	records = make(map[string]domain.ReferenceRecord, len(rows)-start-1)
	for _, row := range rows[start+1:] {
		if rowEmpty(row) {
			continue
		}
		if idCol >= len(row) {
			skipped++
			continue
		}
		id, err := normalizeIdentifier(row[idCol])
		if err != nil || id == "" {
			skipped++
			continue
		}
		attrs := make(map[string]string)
		for i, cell := range row {
			if i == idCol || i >= len(headers) || headers[i] == "" {
				continue
			}
			if v := strings.TrimSpace(cell); v != "" {
				attrs[headers[i]] = v
			}
		}
		if len(attrs) == 0 {
			attrs = nil
		}
		// Later rows win on duplicate identifiers, matching a source file
		// that was appended to over time.
		records[id] = domain.ReferenceRecord{Identifier: id, Attributes: attrs}
	}
	if len(records) == 0 {
		return nil, nil, skipped, &domain.Error{Kind: domain.KindSourceCorrupt, Detail: "no usable rows"}
	}
	return records, headers, skipped, nil
}

// findIdentifierColumn picks the identifier column: an explicitly configured
// header first, then well-known aliases, then the first column.
func findIdentifierColumn(headers []string, configured string) int {
	if configured != "" {
		want := aliasKey(normalizeHeader(configured))
		for i, h := range headers {
			if aliasKey(h) == want {
				return i
			}
		}
	}
	for i, h := range headers {
		if identifierAliases[aliasKey(h)] {
			return i
		}
	}
	return 0
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(h), " "))
}

// aliasKey collapses a normalized header for identifier matching: spaces and
// underscores are insignificant.
func aliasKey(h string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '_' {
			return -1
		}
		return r
	}, h)
}

// normalizeIdentifier scrubs one identifier cell: spreadsheet float artifacts
// like "1234567.0" lose the fraction, trailing annotations like
// "AB123 (C33)" lose the note, and the result is canonicalized the same way
// scanner input is.
func normalizeIdentifier(cell string) (string, error) {
	s := strings.TrimSpace(cell)
	s = stripParenNote(s)
	s = stripFloatZero(s)
	return domain.NormalizeUnitID(s)
}

// stripParenNote removes one trailing space-separated parenthesized note.
func stripParenNote(s string) string {
	if !strings.HasSuffix(s, ")") {
		return s
	}
	idx := strings.LastIndex(s, " (")
	if idx <= 0 {
		return s
	}
	return strings.TrimSpace(s[:idx])
}

// stripFloatZero removes a ".0" style suffix from an otherwise all-digit
// value.
func stripFloatZero(s string) string {
	idx := strings.IndexByte(s, '.')
	if idx <= 0 {
		return s
	}
	for _, r := range s[:idx] {
		if r < '0' || r > '9' {
			return s
		}
	}
	if len(s[idx+1:]) == 0 {
		return s
	}
	for _, r := range s[idx+1:] {
		if r != '0' {
			return s
		}
	}
	return s[:idx]
}

func rowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
