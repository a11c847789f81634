package webhook_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence/file"
	"github.com/dukex/orchestra/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingStarter struct {
	workflowID string
	params     map[string]any
}

func (s *recordingStarter) Start(_ context.Context, workflowID string, _ int, params map[string]any) (*models.WorkflowExecution, error) {
	s.workflowID = workflowID
	s.params = params

	return &models.WorkflowExecution{ID: "exec-1", WorkflowID: workflowID, State: models.ExecutionRunning}, nil
}

func newReceiver(t *testing.T, sub *models.WebhookSubscription) (*webhook.Receiver, *recordingStarter, *file.Persistence) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	require.NoError(t, store.SubscriptionRepository().Save(context.Background(), sub))

	starter := &recordingStarter{}

	return webhook.NewReceiver(testLogger(), store.SubscriptionRepository(), starter), starter, store
}

func inbound() *models.WebhookSubscription {
	return &models.WebhookSubscription{
		ID:         "hook-1",
		Name:       "orders",
		Direction:  models.DirectionInbound,
		WorkflowID: "fulfil",
		Auth:       models.WebhookAuth{Type: models.AuthHMAC, Secret: "k"},
		ParameterMapping: map[string]string{
			"order_id": "body.order.id",
			"channel":  "query.channel",
		},
		JSONSchema: map[string]any{
			"type":     "object",
			"required": []any{"order"},
			"properties": map[string]any{
				"order": map[string]any{
					"type":       "object",
					"required":   []any{"id"},
					"properties": map[string]any{"id": map[string]any{"type": "string"}},
				},
			},
		},
		Status: models.SubscriptionStatus{State: models.SubscriptionActive},
	}
}

func signed(body string) webhook.Request {
	signature := webhook.Sign("k", []byte(body))

	return webhook.Request{
		Body: []byte(body),
		Header: func(name string) string {
			if name == models.DefaultSignatureHeader {
				return signature
			}

			return ""
		},
		Query: map[string]string{"channel": "web"},
	}
}

func TestReceiver_StartsWorkflow(t *testing.T) {
	r, starter, store := newReceiver(t, inbound())

	x, err := r.Handle(context.Background(), "hook-1", signed(`{"order":{"id":"o-7"}}`))
	require.NoError(t, err)

	assert.Equal(t, "exec-1", x.ID)
	assert.Equal(t, "fulfil", starter.workflowID)
	assert.Equal(t, map[string]any{"order_id": "o-7", "channel": "web"}, starter.params)

	sub, err := store.SubscriptionRepository().Get(context.Background(), "hook-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Status.Deliveries)
	assert.NotNil(t, sub.Status.LastDeliveryAt)
}

func TestReceiver_Rejections(t *testing.T) {
	r, starter, _ := newReceiver(t, inbound())

	tampered := signed(`{"order":{"id":"o-7"}}`)
	tampered.Body = []byte(`{"order":{"id":"o-8"}}`)

	_, err := r.Handle(context.Background(), "hook-1", tampered)
	assert.True(t, webhook.IsUnauthorized(err))

	_, err = r.Handle(context.Background(), "hook-1", signed(`{"order":{"id":7}}`))
	assert.True(t, webhook.IsInvalidPayload(err))

	_, err = r.Handle(context.Background(), "hook-1", signed(`[1,2]`))
	assert.True(t, webhook.IsInvalidPayload(err))

	assert.Empty(t, starter.workflowID, "nothing was started")
}

func TestReceiver_SubscriptionState(t *testing.T) {
	outbound := &models.WebhookSubscription{ID: "out", Name: "out", Direction: models.DirectionOutbound, URL: "http://localhost"}
	r, _, store := newReceiver(t, outbound)

	_, err := r.Handle(context.Background(), "out", webhook.Request{})
	require.ErrorIs(t, err, webhook.ErrNotInbound)

	disabled := inbound()
	disabled.ID = "off"
	disabled.Status.State = models.SubscriptionDisabled
	require.NoError(t, store.SubscriptionRepository().Save(context.Background(), disabled))

	_, err = r.Handle(context.Background(), "off", signed(`{}`))
	require.ErrorIs(t, err, webhook.ErrDisabled)

	_, err = r.Handle(context.Background(), "missing", webhook.Request{})
	require.Error(t, err)
}
