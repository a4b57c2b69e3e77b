package sheet

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"
)

type xlsxWorkbook struct {
	Sheets struct {
		Sheet []struct {
			Name    string `xml:"name,attr"`
			SheetID string `xml:"sheetId,attr"`
			RelID   string `xml:"id,attr"`
		} `xml:"sheet"`
	} `xml:"sheets"`
}

type xlsxRelationships struct {
	Relationship []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

type xlsxSharedStrings struct {
	Items []xlsxInlineString `xml:"si"`
}

type xlsxInlineString struct {
	Text *xlsxText `xml:"t"`
	Runs []struct {
		Text xlsxText `xml:"t"`
	} `xml:"r"`
}

func (s xlsxInlineString) value() string {
	if s.Text != nil {
		return s.Text.Value
	}
	var b strings.Builder
	for _, run := range s.Runs {
		b.WriteString(run.Text.Value)
	}
	return b.String()
}

type xlsxText struct {
	Value string `xml:",chardata"`
}

type xlsxWorksheet struct {
	SheetData struct {
		Rows []struct {
			Ref   int        `xml:"r,attr"`
			Cells []xlsxCell `xml:"c"`
		} `xml:"row"`
	} `xml:"sheetData"`
}

type xlsxCell struct {
	Ref    string            `xml:"r,attr"`
	Type   string            `xml:"t,attr"`
	Value  string            `xml:"v"`
	Inline *xlsxInlineString `xml:"is"`
}

// readWorkbookFile extracts the first worksheet of an OOXML spreadsheet as
// rows of cell strings. Sparse rows are padded so column positions from the
// original grid are preserved.
func readWorkbookFile(filePath string) ([][]string, error) {
	archive, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer archive.Close()
	return readWorkbook(&archive.Reader)
}

// ReadWorkbook extracts the first worksheet from an in-memory OOXML archive.
func ReadWorkbook(r io.ReaderAt, size int64) ([][]string, error) {
	archive, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	return readWorkbook(archive)
}

func readWorkbook(archive *zip.Reader) ([][]string, error) {
	parts := make(map[string]*zip.File, len(archive.File))
	for _, f := range archive.File {
		parts[f.Name] = f
	}

	sheetPart, err := firstWorksheetPart(parts)
	if err != nil {
		return nil, err
	}

	var shared []string
	if part, ok := parts["xl/sharedStrings.xml"]; ok {
		var sst xlsxSharedStrings
		if err := decodePart(part, &sst); err != nil {
			return nil, fmt.Errorf("shared strings: %w", err)
		}
		shared = make([]string, 0, len(sst.Items))
		for _, item := range sst.Items {
			shared = append(shared, item.value())
		}
	}

	var ws xlsxWorksheet
	if err := decodePart(sheetPart, &ws); err != nil {
		return nil, fmt.Errorf("worksheet: %w", err)
	}

	rows := make([][]string, 0, len(ws.SheetData.Rows))
	for _, row := range ws.SheetData.Rows {
		width := 0
		for _, cell := range row.Cells {
			if col := columnIndex(cell.Ref); col+1 > width {
				width = col + 1
			}
		}
		if width < len(row.Cells) {
			width = len(row.Cells)
		}
		out := make([]string, width)
		next := 0
		for _, cell := range row.Cells {
			col := next
			if cell.Ref != "" {
				col = columnIndex(cell.Ref)
			}
			if col >= len(out) {
				grown := make([]string, col+1)
				copy(grown, out)
				out = grown
			}
			out[col] = cellValue(cell, shared)
			next = col + 1
		}
		rows = append(rows, out)
	}
	return rows, nil
}

// firstWorksheetPart resolves the workbook's first sheet through its
// relationship identifier, falling back to the conventional part name when
// the workbook metadata is absent.
func firstWorksheetPart(parts map[string]*zip.File) (*zip.File, error) {
	wbPart, ok := parts["xl/workbook.xml"]
	if !ok {
		return nil, fmt.Errorf("workbook.xml missing")
	}
	var wb xlsxWorkbook
	if err := decodePart(wbPart, &wb); err != nil {
		return nil, fmt.Errorf("workbook: %w", err)
	}
	if len(wb.Sheets.Sheet) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	target := ""
	if relsPart, ok := parts["xl/_rels/workbook.xml.rels"]; ok {
		var rels xlsxRelationships
		if err := decodePart(relsPart, &rels); err != nil {
			return nil, fmt.Errorf("workbook relationships: %w", err)
		}
		for _, rel := range rels.Relationship {
			if rel.ID == wb.Sheets.Sheet[0].RelID {
				target = rel.Target
				break
			}
		}
	}
	if target == "" {
		target = "worksheets/sheet1.xml"
	}
	name := path.Clean(strings.TrimPrefix(target, "/"))
	if !strings.HasPrefix(name, "xl/") {
		name = path.Join("xl", name)
	}
	part, ok := parts[name]
	if !ok {
		return nil, fmt.Errorf("worksheet part %q missing", name)
	}
	return part, nil
}

func decodePart(part *zip.File, v any) error {
	rc, err := part.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return xml.NewDecoder(rc).Decode(v)
}

func cellValue(cell xlsxCell, shared []string) string {
	switch cell.Type {
	case "s":
		idx := 0
		for _, r := range cell.Value {
			if r < '0' || r > '9' {
				return cell.Value
			}
			idx = idx*10 + int(r-'0')
		}
		if idx < len(shared) {
			return shared[idx]
		}
		return ""
	case "inlineStr":
		if cell.Inline != nil {
			return cell.Inline.value()
		}
		return ""
	default:
		return cell.Value
	}
}

// columnIndex converts the letter prefix of a cell reference such as "AB12"
// into a zero-based column number.
func columnIndex(ref string) int {
	col := 0
	for _, r := range ref {
		if r >= 'A' && r <= 'Z' {
			col = col*26 + int(r-'A') + 1
			continue
		}
		if r >= 'a' && r <= 'z' {
			col = col*26 + int(r-'a') + 1
			continue
		}
		break
	}
	if col == 0 {
		return 0
	}
	return col - 1
}
