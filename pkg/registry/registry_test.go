package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/orchestra/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func echoComponent() Component {
	return Component{
		ComponentName: "echo",
		Funcs: map[string]protocol.ActionFunc{
			"say": func(_ context.Context, input map[string]any) (any, error) {
				return map[string]any{"said": input["text"]}, nil
			},
			"fail": func(_ context.Context, _ map[string]any) (any, error) {
				return nil, errors.New("nope")
			},
		},
	}
}

func TestRegistry_Local(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.RegisterLocal(echoComponent()))

	ctx := context.Background()

	endpoint, err := r.Resolve(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, LocalTransportName, endpoint.Transport)

	out, err := r.Invoke(ctx, endpoint, "say", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"said": "hi"}, out)

	_, err = r.Invoke(ctx, endpoint, "sing", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrActionNotFound)
	assert.True(t, protocol.IsUnresolved(err))

	_, err = r.Invoke(ctx, endpoint, "fail", nil)
	assert.EqualError(t, err, "nope")
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry(testLogger())

	_, err := r.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, protocol.ErrComponentNotFound)

	err = r.Register(protocol.Endpoint{Component: "x", Transport: "carrier-pigeon"})
	assert.ErrorIs(t, err, protocol.ErrTransportNotFound)

	r.RegisterTransport(NewHTTPTransport(nil))
	require.NoError(t, r.Register(protocol.Endpoint{Component: "b", Transport: HTTPTransportName, Address: "http://b"}))
	require.NoError(t, r.Register(protocol.Endpoint{Component: "a", Transport: HTTPTransportName, Address: "http://a"}))

	endpoints := r.Endpoints()
	require.Len(t, endpoints, 2)
	assert.Equal(t, "a", endpoints[0].Component)

	r.Unregister("a")
	assert.Len(t, r.Endpoints(), 1)
}

func TestHTTPTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body protocol.Request
		_ = json.NewDecoder(req.Body).Decode(&body)

		switch req.URL.Path {
		case "/actions/summarize":
			assert.Equal(t, "summarize", body.Action)
			assert.Equal(t, "secret", req.Header.Get("X-Api-Key"))
			_ = json.NewEncoder(w).Encode(protocol.Response{Output: map[string]any{"summary": body.Input["text"]}})
		case "/actions/reject":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(protocol.Response{Error: &protocol.RemoteError{Code: "bad_input", Message: "too long"}})
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	r := NewRegistry(testLogger())
	r.RegisterTransport(NewHTTPTransport(server.Client()))
	require.NoError(t, r.Register(protocol.Endpoint{
		Component: "llm",
		Transport: HTTPTransportName,
		Address:   server.URL + "/",
		Metadata:  map[string]string{"header.X-Api-Key": "secret"},
	}))

	ctx := context.Background()
	endpoint, err := r.Resolve(ctx, "llm")
	require.NoError(t, err)

	out, err := r.Invoke(ctx, endpoint, "summarize", map[string]any{"text": "long text"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"summary": "long text"}, out)

	_, err = r.Invoke(ctx, endpoint, "reject", nil)
	require.Error(t, err)

	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "bad_input", remote.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, remote.Status)
	assert.Equal(t, "llm", remote.Component)

	_, err = r.Invoke(ctx, endpoint, "explode", nil)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusInternalServerError, remote.Status)
	assert.Equal(t, "boom", remote.Message)
	assert.True(t, protocol.IsRemote(err))
}

func TestHTTPTransport_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.Client())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := transport.Invoke(ctx, protocol.Endpoint{Component: "slow", Address: server.URL}, "wait", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadEndpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "components.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
components:
  - component: summarizer
    transport: http
    address: http://summarizer:8080
  - component: planner
    transport: http
    address: http://planner:8080
`), 0o600))

	r := NewRegistry(testLogger())
	r.RegisterTransport(NewHTTPTransport(nil))
	require.NoError(t, r.LoadEndpoints(path))

	endpoint, err := r.Resolve(context.Background(), "planner")
	require.NoError(t, err)
	assert.Equal(t, "http://planner:8080", endpoint.Address)

	assert.Error(t, r.LoadEndpoints(filepath.Join(t.TempDir(), "missing.yaml")))
}
