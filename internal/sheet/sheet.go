// Package sheet reads and writes the tabular file formats palletcore
// exchanges with the outside world: delimiter-separated text and minimal
// OOXML spreadsheets. Rows are plain cell-string matrices; interpretation is
// left to callers.
package sheet

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ReadFile loads the given tabular file as rows of cell strings. The format
// is chosen by extension: .xlsx and .xlsm open as spreadsheets, .tsv as
// tab-separated text, anything else as comma-separated text.
func ReadFile(path string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return readWorkbookFile(path)
	case ".tsv":
		return readDelimitedFile(path, '\t')
	default:
		return readDelimitedFile(path, ',')
	}
}

func readDelimitedFile(path string, comma rune) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, comma)
}

// ReadCSV parses delimiter-separated text. Rows may have ragged lengths;
// quoting follows encoding/csv semantics.
func ReadCSV(r io.Reader, comma rune) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse delimited text: %w", err)
	}
	return rows, nil
}

// WriteCSV renders rows as comma-separated text.
func WriteCSV(w io.Writer, rows [][]string) error {
	writer := csv.NewWriter(w)
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
