// Package documents loads, chunks and ingests source material into
// vector memory. Loaders turn files into protocol.Document values;
// the chunker splits them on token boundaries; the ingestor embeds and
// stores the chunks.
package documents

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelkit/modelkit/pkg/protocol"
)

// Loader produces documents from some source.
type Loader interface {
	Load(ctx context.Context) ([]protocol.Document, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) ([]protocol.Document, error)

func (f LoaderFunc) Load(ctx context.Context) ([]protocol.Document, error) { return f(ctx) }

func sourceMetadata(path, kind string) map[string]any {
	return map[string]any{
		"source": path,
		"type":   kind,
		"title":  filepath.Base(path),
	}
}

// TextLoader reads one plain-text file as a single document.
type TextLoader struct {
	Path string
}

func NewText(path string) *TextLoader { return &TextLoader{Path: path} }

func (l *TextLoader) Load(ctx context.Context) ([]protocol.Document, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", l.Path, err)
	}
	return []protocol.Document{{
		Content:  string(data),
		Metadata: sourceMetadata(l.Path, "text"),
	}}, nil
}

// StringLoader wraps in-memory content as a document.
type StringLoader struct {
	Content  string
	Metadata map[string]any
}

func NewString(content string, metadata map[string]any) *StringLoader {
	return &StringLoader{Content: content, Metadata: metadata}
}

func (l *StringLoader) Load(ctx context.Context) ([]protocol.Document, error) {
	return []protocol.Document{{Content: l.Content, Metadata: l.Metadata}}, nil
}

// DirLoader walks a directory tree loading every file whose extension
// has a registered loader. Unknown extensions are skipped.
type DirLoader struct {
	Path string

	// Extensions restricts loading to the named extensions (with dot).
	// Empty means every supported extension.
	Extensions []string
}

func NewDir(path string, extensions ...string) *DirLoader {
	return &DirLoader{Path: path, Extensions: extensions}
}

func (l *DirLoader) wanted(ext string) bool {
	if len(l.Extensions) == 0 {
		return true
	}
	for _, e := range l.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func (l *DirLoader) Load(ctx context.Context) ([]protocol.Document, error) {
	var out []protocol.Document
	err := filepath.WalkDir(l.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !l.wanted(ext) {
			return nil
		}
		loader := ForFile(path)
		if loader == nil {
			return nil
		}
		docs, err := loader.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		out = append(out, docs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CSVLoader turns each row into one document of "header: value" lines.
type CSVLoader struct {
	Path string
}

func NewCSV(path string) *CSVLoader { return &CSVLoader{Path: path} }

func (l *CSVLoader) Load(ctx context.Context) ([]protocol.Document, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", l.Path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", l.Path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	out := make([]protocol.Document, 0, len(rows)-1)
	for i, row := range rows[1:] {
		var b strings.Builder
		for j, cell := range row {
			name := fmt.Sprintf("column%d", j+1)
			if j < len(header) {
				name = header[j]
			}
			fmt.Fprintf(&b, "%s: %s\n", name, cell)
		}
		metadata := sourceMetadata(l.Path, "csv")
		metadata["row"] = i + 1
		out = append(out, protocol.Document{Content: b.String(), Metadata: metadata})
	}
	return out, nil
}

// JSONLoader loads a JSON file. A top-level array yields one document
// per element; anything else becomes a single document.
type JSONLoader struct {
	Path string

	// TextField names the field used as document content when elements
	// are objects. Empty re-encodes the whole element.
	TextField string
}

func NewJSON(path string) *JSONLoader { return &JSONLoader{Path: path} }

func (l *JSONLoader) Load(ctx context.Context) ([]protocol.Document, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", l.Path, err)
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", l.Path, err)
	}

	elements, ok := decoded.([]any)
	if !ok {
		elements = []any{decoded}
	}
	out := make([]protocol.Document, 0, len(elements))
	for i, element := range elements {
		content, err := l.render(element)
		if err != nil {
			return nil, err
		}
		metadata := sourceMetadata(l.Path, "json")
		metadata["index"] = i
		out = append(out, protocol.Document{Content: content, Metadata: metadata})
	}
	return out, nil
}

func (l *JSONLoader) render(element any) (string, error) {
	if l.TextField != "" {
		if object, ok := element.(map[string]any); ok {
			if text, ok := object[l.TextField].(string); ok {
				return text, nil
			}
		}
	}
	if text, ok := element.(string); ok {
		return text, nil
	}
	encoded, err := json.Marshal(element)
	if err != nil {
		return "", fmt.Errorf("failed to encode element: %w", err)
	}
	return string(encoded), nil
}

// ForFile returns a loader for the path based on its extension, or nil
// when the extension has no loader.
func ForFile(path string) Loader {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".log", ".go", ".py", ".js", ".ts", ".java", ".html", ".xml", ".yaml", ".yml":
		return NewText(path)
	case ".csv":
		return NewCSV(path)
	case ".json":
		return NewJSON(path)
	case ".pdf":
		return NewPDF(path)
	case ".docx":
		return NewDocx(path)
	case ".xlsx":
		return NewXLSX(path)
	default:
		return nil
	}
}
