package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelkit/modelkit/internal/httpclient"
)

// restClient is the shared plumbing for the HTTP vector backends.
type restClient struct {
	hc      *httpclient.Client
	baseURL string
	headers map[string]string
}

func newRESTClient(baseURL string, headers map[string]string) *restClient {
	return &restClient{
		hc:      httpclient.New(httpclient.WithTimeout(30 * time.Second)),
		baseURL: baseURL,
		headers: headers,
	}
}

// do sends a JSON request and returns the status code and raw body.
// Only transport failures error; callers decide what each status means.
func (c *restClient) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// doJSON sends a request, requires a 2xx status and decodes the body
// into out when provided.
func (c *restClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	status, data, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%s %s returned status %d: %s", method, path, status, truncate(data, 512))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func truncate(data []byte, max int) string {
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}
