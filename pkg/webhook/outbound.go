package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/orchestra/pkg/eventbus"
	"github.com/dukex/orchestra/pkg/expression"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"golang.org/x/sync/errgroup"
)

const (
	EventHeader    = "X-Orchestra-Event"
	DeliveryHeader = "X-Orchestra-Delivery"
)

type DispatcherConfig struct {
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// DisableAfter disables a subscription after that many failed deliveries in a row.
	// Zero never disables.
	DisableAfter int
	// Concurrency caps the deliveries of one event running at once.
	Concurrency int
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Timeout: 10 * time.Second, DisableAfter: 10, Concurrency: 8}
}

func (c DispatcherConfig) concurrency() int {
	if c.Concurrency <= 0 {
		return 1
	}

	return c.Concurrency
}

// Dispatcher delivers bus events to matching outbound subscriptions. Failures are
// recorded on the subscription and never reach the execution that produced the event.
type Dispatcher struct {
	logger        *slog.Logger
	cfg           DispatcherConfig
	subscriptions persistence.SubscriptionRepository
	executions    persistence.ExecutionRepository
	client        *http.Client
	now           func() time.Time

	status   sync.Mutex
	inflight sync.WaitGroup
}

func NewDispatcher(logger *slog.Logger, cfg DispatcherConfig, store persistence.Persistence, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Dispatcher{
		logger:        logger.With("module", "webhook_dispatcher"),
		cfg:           cfg,
		subscriptions: store.SubscriptionRepository(),
		executions:    store.ExecutionRepository(),
		client:        client,
		now:           time.Now,
	}
}

// Start subscribes to every event on the bus until ctx is done.
func (d *Dispatcher) Start(ctx context.Context, subscriber eventbus.EventSubscriber) error {
	d.logger.InfoContext(ctx, "Starting webhook dispatcher")

	return subscriber.Subscribe(ctx, eventbus.Filter{}, d.Handle)
}

// Handle delivers an event to the subscriptions that want it and returns once every
// delivery finished, so the bus acknowledges the event only after it was sent. A
// delivery that exhausts its retries is recorded on its subscription and is not
// redelivered, which would repeat the call to subscriptions that already got it.
func (d *Dispatcher) Handle(ctx context.Context, event models.Event) error {
	subs, err := d.subscriptions.List(ctx)
	if err != nil {
		return err
	}

	d.inflight.Add(1)
	defer d.inflight.Done()

	// Shutdown waits for deliveries through Wait instead of cutting them off.
	deliverCtx := context.WithoutCancel(ctx)

	var group errgroup.Group
	group.SetLimit(d.cfg.concurrency())

	for _, sub := range subs {
		if !sub.Matches(event) {
			continue
		}

		group.Go(func() error {
			_ = d.Deliver(deliverCtx, sub, event)

			return nil
		})
	}

	return group.Wait()
}

// Wait blocks until the events being handled are delivered.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Deliver renders and posts one event, retrying per the subscription's policy.
func (d *Dispatcher) Deliver(ctx context.Context, sub *models.WebhookSubscription, event models.Event) error {
	logger := d.logger.With("subscription_id", sub.ID, "event_type", event.Type, "execution_id", event.ExecutionID)

	payload, err := d.render(ctx, sub, event)
	if err != nil {
		failure := &DeliveryError{SubscriptionID: sub.ID, Err: err}
		d.recordFailure(ctx, sub.ID, failure)

		return failure
	}

	body, err := json.Marshal(payload)
	if err != nil {
		failure := &DeliveryError{SubscriptionID: sub.ID, Err: err}
		d.recordFailure(ctx, sub.ID, failure)

		return failure
	}

	attempts := 0
	lastStatus := 0

	operation := func() error {
		attempts++

		status, err := d.post(ctx, sub, event, body)
		lastStatus = status

		if err != nil {
			logger.DebugContext(ctx, "Delivery attempt failed", "attempt", attempts, "status", status, "error", err)
		}

		return err
	}

	err = backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policyBackOff(&sub.Retry), uint64(sub.Retry.Attempts()-1)), ctx))
	if err != nil {
		failure := &DeliveryError{SubscriptionID: sub.ID, Attempts: attempts, Status: lastStatus, Err: err}
		logger.WarnContext(ctx, "Webhook delivery failed", "attempts", attempts, "error", err)
		d.recordFailure(ctx, sub.ID, failure)

		return failure
	}

	logger.DebugContext(ctx, "Webhook delivered", "attempts", attempts)
	d.recordSuccess(ctx, sub.ID)

	return nil
}

func policyBackOff(policy *models.RetryPolicy) backoff.BackOff {
	initial, maxDelay, multiplier := policy.Delays()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = multiplier
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("endpoint answered %d: %s", e.status, e.body)
}

func (d *Dispatcher) post(ctx context.Context, sub *models.WebhookSubscription, event models.Event, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(event.Type))
	req.Header.Set(DeliveryHeader, event.ID)

	switch sub.Auth.Type {
	case models.AuthHMAC:
		req.Header.Set(sub.Auth.SignatureHeader(), Sign(sub.Auth.Secret, body))
	case models.AuthHeader:
		req.Header.Set(sub.Auth.SignatureHeader(), sub.Auth.Secret)
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+sub.Auth.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)

		return resp.StatusCode, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = &statusError{status: resp.StatusCode, body: string(snippet)}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return resp.StatusCode, backoff.Permanent(err)
	}

	return resp.StatusCode, err
}

// render builds the request body. Without a template the event record is sent as is;
// templates reference ${context.event.*} and ${context.execution.*}.
func (d *Dispatcher) render(ctx context.Context, sub *models.WebhookSubscription, event models.Event) (any, error) {
	record := eventbus.Record(event)
	if sub.PayloadTemplate == nil {
		return record, nil
	}

	scopeContext := map[string]any{}

	eventDoc, err := document(record)
	if err != nil {
		return nil, err
	}

	scopeContext["event"] = eventDoc

	if x, err := d.executions.Get(ctx, event.ExecutionID); err == nil {
		executionDoc, err := document(map[string]any{
			"id":               x.ID,
			"workflow_id":      x.WorkflowID,
			"workflow_version": x.WorkflowVersion,
			"state":            x.State,
			"parameters":       x.Parameters,
			"progress":         x.Progress(),
			"reason":           x.Reason,
		})
		if err != nil {
			return nil, err
		}

		scopeContext["execution"] = executionDoc
	}

	return expression.ResolveValue(sub.PayloadTemplate, expression.Scope{Context: scopeContext})
}

// document converts v into plain JSON values.
func document(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (d *Dispatcher) recordSuccess(ctx context.Context, id string) {
	d.updateStatus(ctx, id, func(status *models.SubscriptionStatus) {
		now := d.now().UTC()

		status.State = models.SubscriptionActive
		status.LastError = ""
		status.ConsecutiveFailures = 0
		status.Deliveries++
		status.LastDeliveryAt = &now
	})
}

func (d *Dispatcher) recordFailure(ctx context.Context, id string, failure error) {
	d.updateStatus(ctx, id, func(status *models.SubscriptionStatus) {
		status.ConsecutiveFailures++
		status.LastError = failure.Error()
		status.State = models.SubscriptionFailing

		if d.cfg.DisableAfter > 0 && status.ConsecutiveFailures >= d.cfg.DisableAfter {
			status.State = models.SubscriptionDisabled
			d.logger.WarnContext(ctx, "Subscription disabled after repeated delivery failures",
				"subscription_id", id, "failures", status.ConsecutiveFailures)
		}
	})
}

func (d *Dispatcher) updateStatus(ctx context.Context, id string, change func(*models.SubscriptionStatus)) {
	d.status.Lock()
	defer d.status.Unlock()

	sub, err := d.subscriptions.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, persistence.ErrSubscriptionNotFound) {
			d.logger.WarnContext(ctx, "Failed to load subscription status", "subscription_id", id, "error", err)
		}

		return
	}

	status := sub.Status
	change(&status)

	if err := d.subscriptions.UpdateStatus(ctx, id, status); err != nil {
		d.logger.WarnContext(ctx, "Failed to update subscription status", "subscription_id", id, "error", err)
	}
}
