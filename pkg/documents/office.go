package documents

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/modelkit/modelkit/pkg/protocol"
)

// PDFLoader extracts plain text page by page. Pages that fail text
// extraction are noted in place rather than aborting the document.
type PDFLoader struct {
	Path string
}

func NewPDF(path string) *PDFLoader { return &PDFLoader{Path: path} }

func (l *PDFLoader) Load(ctx context.Context) ([]protocol.Document, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", l.Path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", l.Path, err)
	}
	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", l.Path, err)
	}

	var parts []string
	pages := reader.NumPage()
	for num := 1; num <= pages; num++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(num)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- Page %d (extraction failed: %v) ---", num, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", num, text))
		}
	}

	metadata := sourceMetadata(l.Path, "pdf")
	metadata["pages"] = pages
	return []protocol.Document{{
		Content:  strings.Join(parts, "\n\n"),
		Metadata: metadata,
	}}, nil
}

// DocxLoader extracts the text body of a Word document.
type DocxLoader struct {
	Path string
}

func NewDocx(path string) *DocxLoader { return &DocxLoader{Path: path} }

func (l *DocxLoader) Load(ctx context.Context) ([]protocol.Document, error) {
	doc, err := docx.ReadDocxFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", l.Path, err)
	}
	defer doc.Close()

	return []protocol.Document{{
		Content:  doc.Editable().GetContent(),
		Metadata: sourceMetadata(l.Path, "docx"),
	}}, nil
}

// XLSXLoader renders each sheet as "cell: value" lines, one document
// per sheet.
type XLSXLoader struct {
	Path string

	// MaxCells caps the cells read per sheet. Zero means 1000.
	MaxCells int
}

func NewXLSX(path string) *XLSXLoader { return &XLSXLoader{Path: path} }

func (l *XLSXLoader) Load(ctx context.Context) ([]protocol.Document, error) {
	f, err := excelize.OpenFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", l.Path, err)
	}
	defer f.Close()

	maxCells := l.MaxCells
	if maxCells <= 0 {
		maxCells = 1000
	}

	var out []protocol.Document
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}

		var b strings.Builder
		cells := 0
	scan:
		for rowIndex, row := range rows {
			for colIndex, cell := range row {
				if cells >= maxCells {
					b.WriteString("... (truncated)\n")
					break scan
				}
				if text := strings.TrimSpace(cell); text != "" {
					fmt.Fprintf(&b, "%s%d: %s\n", columnLetter(colIndex), rowIndex+1, text)
					cells++
				}
			}
		}
		if b.Len() == 0 {
			continue
		}

		metadata := sourceMetadata(l.Path, "xlsx")
		metadata["sheet"] = sheet
		out = append(out, protocol.Document{Content: b.String(), Metadata: metadata})
	}
	return out, nil
}

// columnLetter converts a 0-based column index to its spreadsheet
// letter (A, B, ..., Z, AA, ...).
func columnLetter(index int) string {
	result := ""
	for {
		result = string(rune('A'+index%26)) + result
		index = index/26 - 1
		if index < 0 {
			break
		}
	}
	return result
}
