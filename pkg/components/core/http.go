package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dukex/orchestra/pkg/protocol"
)

type httpRequestInput struct {
	URL     string            `json:"url"     validate:"required,url"`
	Method  string            `json:"method"  validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD get post put patch delete head"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

// httpRequest performs one call. Server errors are returned as errors so the task retry
// policy applies; other responses are the task output.
func (c *Component) httpRequest(ctx context.Context, input map[string]any) (any, error) {
	in, err := decode[httpRequestInput](c.validate, "http_request", input)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader

	switch b := in.Body.(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if _, ok := in.Body.(map[string]any); ok {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, value := range in.Headers {
		req.Header.Set(key, value)
	}

	c.logger.DebugContext(ctx, "Sending HTTP request", "method", method, "url", in.URL)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &protocol.RemoteError{
			Component: Name,
			Action:    "http_request",
			Status:    resp.StatusCode,
			Message:   fmt.Sprintf("%s %s returned %d", method, in.URL, resp.StatusCode),
		}
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		decoded = string(data)
	}

	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        decoded,
		"headers":     headers,
	}, nil
}
