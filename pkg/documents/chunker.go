package documents

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultChunkSize    = 512
	defaultChunkOverlap = 64
)

var (
	encodingMu    sync.Mutex
	encodingCache = make(map[string]*tiktoken.Tiktoken)
)

// encodingFor resolves the tokenizer for a model, falling back to
// cl100k_base for unknown models.
func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	encodingMu.Lock()
	defer encodingMu.Unlock()
	if enc, ok := encodingCache[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer: %w", err)
		}
	}
	encodingCache[model] = enc
	return enc, nil
}

// Chunker splits text into token windows with overlap, so chunk
// boundaries keep some shared context for retrieval.
type Chunker struct {
	encoding *tiktoken.Tiktoken
	size     int
	overlap  int
}

// NewChunker builds a chunker using the tokenizer of the given model.
// Zero size or overlap take the defaults (512 and 64 tokens).
func NewChunker(model string, size, overlap int) (*Chunker, error) {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 {
		overlap = defaultChunkOverlap
	}
	if overlap >= size {
		return nil, fmt.Errorf("overlap (%d) must be less than chunk size (%d)", overlap, size)
	}
	encoding, err := encodingFor(model)
	if err != nil {
		return nil, err
	}
	return &Chunker{encoding: encoding, size: size, overlap: overlap}, nil
}

// Size returns the chunk size in tokens.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the overlap in tokens.
func (c *Chunker) Overlap() int { return c.overlap }

// CountTokens returns the token length of the text.
func (c *Chunker) CountTokens(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// Chunk splits the text into overlapping token windows. Text at or
// under the chunk size comes back as a single chunk.
func (c *Chunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	tokens := c.encoding.Encode(text, nil, nil)
	if len(tokens) <= c.size {
		return []string{text}
	}

	step := c.size - c.overlap
	chunks := make([]string, 0, len(tokens)/step+1)
	for start := 0; start < len(tokens); start += step {
		end := start + c.size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, c.encoding.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}
