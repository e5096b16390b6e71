package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelkit/modelkit/internal/httpclient"
	"github.com/modelkit/modelkit/pkg/events"
)

// postJSON sends a JSON POST and decodes the JSON response body.
// Non-2xx responses are classified onto the error taxonomy; a 429
// additionally emits the rate-limit event before returning.
func postJSON(ctx context.Context, hc *httpclient.Client, provider, url string, headers map[string]string, payload any) (map[string]any, error) {
	resp, err := send(ctx, hc, provider, url, headers, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: provider, Message: "failed to read response body", Err: err}
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: provider, Message: "response is not valid JSON", Err: err}
	}
	return decoded, nil
}

// postStream sends a JSON POST and returns the open response body for
// streaming consumption. The caller owns closing it.
func postStream(ctx context.Context, hc *httpclient.Client, provider, url string, headers map[string]string, payload any) (io.ReadCloser, error) {
	resp, err := send(ctx, hc, provider, url, headers, payload)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func send(ctx context.Context, hc *httpclient.Client, provider, url string, headers map[string]string, payload any) (*http.Response, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindInvalidArgument, Provider: provider, Message: "failed to encode request payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, &Error{Kind: KindInvalidArgument, Provider: provider, Message: fmt.Sprintf("invalid request URL %s", url), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil && resp == nil {
		return nil, classifyHTTPError(provider, 0, "", 0, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	retryAfter := retryAfterOf(err, resp)
	if resp.StatusCode == http.StatusTooManyRequests {
		events.Emit(events.OnAIRateLimitHit, events.Payload{
			"provider":   provider,
			"statusCode": resp.StatusCode,
			"retryAfter": retryAfter,
		})
	}
	return nil, classifyHTTPError(provider, resp.StatusCode, providerErrorMessage(body), retryAfter, err)
}

func retryAfterOf(err error, resp *http.Response) time.Duration {
	var retryable *httpclient.RetryableError
	if errors.As(err, &retryable) && retryable.RetryAfter > 0 {
		return retryable.RetryAfter
	}
	return httpclient.RetryAfterFrom(resp.Header)
}

// providerErrorMessage digs the human-readable message out of the
// common provider error envelopes, falling back to the raw body.
func providerErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch {
		case envelope.Error.Message != "":
			return envelope.Error.Message
		case envelope.Message != "":
			return envelope.Message
		case envelope.Detail != "":
			return envelope.Detail
		}
	}
	return string(body)
}
