package web_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukex/orchestra/pkg/eventbus"
	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/mocks"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/services"
	"github.com/dukex/orchestra/pkg/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func closedStream(list ...models.Event) <-chan models.Event {
	ch := make(chan models.Event, len(list))
	for _, e := range list {
		ch <- e
	}

	close(ch)

	return ch
}

func TestStreamer_Stream(t *testing.T) {
	bus := new(mocks.MockEventBus)

	filter := eventbus.Filter{
		ExecutionID: "x-1",
		Types:       []events.EventType{events.TaskCompleted, events.ExecutionCompleted},
	}

	bus.On("Stream", mock.Anything, filter).Return(closedStream(
		models.Event{ID: "e-1", Sequence: 4, Type: events.TaskCompleted, ExecutionID: "x-1", TaskID: "fetch", Timestamp: time.Now()},
		models.Event{ID: "e-2", Sequence: 5, Type: events.ExecutionCompleted, ExecutionID: "x-1", Timestamp: time.Now()},
	), nil)

	s := setupTestApp(t, web.Config{}, web.NewStreamer(testLogger(), bus, time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/events/stream?execution_id=x-1&type=task_completed,workflow_completed", nil)

	resp, err := s.app.Test(req)
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)

	out := body.String()
	assert.True(t, strings.HasPrefix(out, ": connected\n\n"))
	assert.Contains(t, out, "id: e-1\nevent: task_completed\n")
	assert.Contains(t, out, `"task_id":"fetch"`)
	assert.Contains(t, out, "id: e-2\nevent: workflow_completed\n")
	assert.Less(t, strings.Index(out, "e-1"), strings.Index(out, "e-2"))

	bus.AssertExpectations(t)
}

func TestStreamer_Errors(t *testing.T) {
	bus := new(mocks.MockEventBus)
	bus.On("Stream", mock.Anything, eventbus.Filter{WorkflowID: "w-1"}).Return(nil, errors.New("bus closed"))

	s := setupTestApp(t, web.Config{}, web.NewStreamer(testLogger(), bus, 0))

	status, body := s.do(t, http.MethodGet, "/events/stream?type=nope", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, services.CodeInvalidRequest, problemType(t, body))

	status, body = s.do(t, http.MethodGet, "/events/stream?workflow_id=w-1", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, services.CodeInternal, problemType(t, body))

	bus.AssertNotCalled(t, "Stream", mock.Anything, eventbus.Filter{Types: []events.EventType{"nope"}})
}

func TestAPI_BearerToken(t *testing.T) {
	s := setupTestApp(t, web.Config{APIToken: "secret"}, nil)

	status, body := s.do(t, http.MethodGet, "/workflows", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, services.CodeUnauthorized, problemType(t, body))

	status, _ = s.do(t, http.MethodGet, "/workflows", nil, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodGet, "/workflows", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAPI_RateLimit(t *testing.T) {
	s := setupTestApp(t, web.Config{RateLimit: 2}, nil)

	for range 2 {
		status, _ := s.do(t, http.MethodGet, "/workflows", nil)
		require.Equal(t, http.StatusOK, status)
	}

	status, body := s.do(t, http.MethodGet, "/workflows", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, services.CodeRateLimited, problemType(t, body))
}
