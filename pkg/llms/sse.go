package llms

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

const sseDoneSentinel = "[DONE]"

// decodeSSE reads a text/event-stream body line by line, decodes each
// `data:` payload as JSON and hands the fragment to onChunk. Blank
// lines, comments and event/id fields are skipped; the OpenAI-style
// [DONE] sentinel ends the stream. Fragments that fail to decode are
// dropped rather than aborting the stream.
func decodeSSE(body io.Reader, onChunk StreamCallback) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == sseDoneSentinel {
			if data == sseDoneSentinel {
				return nil
			}
			continue
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		onChunk(chunk)
	}
	return scanner.Err()
}

// decodeJSONLines reads newline-delimited JSON, used by the Ollama
// native API in place of SSE.
func decodeJSONLines(body io.Reader, onChunk StreamCallback) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		onChunk(chunk)
	}
	return scanner.Err()
}
