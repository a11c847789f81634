package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/orchestra/pkg/protocol"
)

const HTTPTransportName = "http"

const maxResponseBytes = 10 << 20

// HTTPTransport posts {"action","input"} to {address}/actions/{action} and expects a
// protocol.Response back.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Name() string {
	return HTTPTransportName
}

func (t *HTTPTransport) Invoke(ctx context.Context, endpoint protocol.Endpoint, action string, input map[string]any) (any, error) {
	body, err := json.Marshal(protocol.Request{Action: action, Input: input})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	target := strings.TrimRight(endpoint.Address, "/") + "/actions/" + url.PathEscape(action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range endpoint.Metadata {
		if name, ok := strings.CutPrefix(key, "header."); ok {
			req.Header.Set(name, value)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", endpoint.Component, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint.Component, err)
	}

	return decodeResponse(endpoint.Component, action, resp.StatusCode, data)
}

func decodeResponse(component, action string, status int, data []byte) (any, error) {
	var response protocol.Response

	if len(data) > 0 {
		if err := json.Unmarshal(data, &response); err != nil && status < 300 {
			return nil, fmt.Errorf("decoding response from %s: %w", component, err)
		}
	}

	if response.Error != nil {
		response.Error.Component = component
		response.Error.Action = action
		response.Error.Status = status

		return nil, response.Error
	}

	if status >= 300 {
		return nil, &protocol.RemoteError{
			Component: component,
			Action:    action,
			Status:    status,
			Code:      http.StatusText(status),
			Message:   strings.TrimSpace(string(data)),
		}
	}

	return response.Output, nil
}
