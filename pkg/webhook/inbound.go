package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/xeipuuv/gojsonschema"
)

// MaxBodySize bounds inbound request bodies.
const MaxBodySize = 1024 * 1024

// Starter starts executions for accepted requests.
type Starter interface {
	Start(ctx context.Context, workflowID string, version int, params map[string]any) (*models.WorkflowExecution, error)
}

// Request is the transport independent view of an inbound call.
type Request struct {
	Body       []byte
	Header     HeaderFunc
	Headers    map[string]string
	Query      map[string]string
	RemoteAddr string
}

// Receiver turns inbound webhook calls into workflow executions.
type Receiver struct {
	logger        *slog.Logger
	subscriptions persistence.SubscriptionRepository
	starter       Starter
	mapper        *mapper
	now           func() time.Time
}

func NewReceiver(logger *slog.Logger, subscriptions persistence.SubscriptionRepository, starter Starter) *Receiver {
	return &Receiver{
		logger:        logger.With("module", "webhook_receiver"),
		subscriptions: subscriptions,
		starter:       starter,
		mapper:        newMapper(),
		now:           time.Now,
	}
}

// Handle authenticates and validates the request, maps it to parameters and starts the
// subscription's workflow.
func (r *Receiver) Handle(ctx context.Context, subscriptionID string, req Request) (*models.WorkflowExecution, error) {
	sub, err := r.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	logger := r.logger.With("subscription_id", sub.ID, "workflow_id", sub.WorkflowID)

	if sub.Direction != models.DirectionInbound {
		return nil, fmt.Errorf("%w: %s", ErrNotInbound, sub.ID)
	}

	if sub.Status.State == models.SubscriptionDisabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, sub.ID)
	}

	if len(req.Body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidPayload, MaxBodySize)
	}

	header := req.Header
	if header == nil {
		header = func(string) string { return "" }
	}

	if err := Authenticate(sub.Auth, header, req.Body); err != nil {
		logger.WarnContext(ctx, "Rejected webhook request", "remote_addr", req.RemoteAddr, "error", err)

		return nil, err
	}

	body := map[string]any{}
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("%w: body is not a JSON object: %v", ErrInvalidPayload, err)
		}
	}

	if len(sub.JSONSchema) > 0 {
		if err := validateSchema(body, sub.JSONSchema); err != nil {
			logger.WarnContext(ctx, "JSON schema validation failed", "error", err)

			return nil, err
		}
	}

	params, err := r.mapper.Map(sub.ParameterMapping, map[string]any{
		"body":    body,
		"headers": req.Headers,
		"query":   req.Query,
	})
	if err != nil {
		return nil, err
	}

	x, err := r.starter.Start(ctx, sub.WorkflowID, 0, params)
	if err != nil {
		return nil, err
	}

	r.record(ctx, sub)

	logger.InfoContext(ctx, "Webhook started execution", "execution_id", x.ID, "remote_addr", req.RemoteAddr)

	return x, nil
}

func (r *Receiver) record(ctx context.Context, sub *models.WebhookSubscription) {
	now := r.now().UTC()

	status := sub.Status
	status.State = models.SubscriptionActive
	status.Deliveries++
	status.LastDeliveryAt = &now

	if err := r.subscriptions.UpdateStatus(ctx, sub.ID, status); err != nil {
		r.logger.WarnContext(ctx, "Failed to update subscription status", "subscription_id", sub.ID, "error", err)
	}
}

func validateSchema(body map[string]any, schema map[string]any) error {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(problems, "; "))
	}

	return nil
}
