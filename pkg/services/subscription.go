package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultDeliveryAttempts applies to outbound subscriptions created without a retry policy.
const DefaultDeliveryAttempts = 3

type Subscription struct {
	subscriptions persistence.SubscriptionRepository
	definitions   persistence.DefinitionRepository
	validate      *validator.Validate
	now           func() time.Time
}

func NewSubscription(persistence persistence.Persistence) *Subscription {
	return &Subscription{
		subscriptions: persistence.SubscriptionRepository(),
		definitions:   persistence.DefinitionRepository(),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		now:           time.Now,
	}
}

// Create registers a webhook subscription. Inbound subscriptions must name an existing
// workflow; outbound ones must only list known event types.
func (s *Subscription) Create(ctx context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error) {
	if sub == nil {
		return nil, NewValidationError("CreateSubscription", "subscription is required", nil)
	}

	created := *sub
	if err := s.validate.Struct(created); err != nil {
		return nil, NewValidationError("CreateSubscription", err.Error(), err)
	}

	for _, eventType := range created.EventTypes {
		if !events.IsKnown(eventType) {
			return nil, &ServiceError{
				Op:      "CreateSubscription",
				Code:    CodeInvalidRequest,
				Message: fmt.Sprintf("unknown event type %q", eventType),
				Err:     ErrUnknownEventType,
			}
		}
	}

	if created.Direction == models.DirectionInbound {
		if _, err := s.definitions.Get(ctx, created.WorkflowID, 0); err != nil {
			return nil, err
		}
	}

	if created.Auth.Type == "" {
		created.Auth.Type = models.AuthNone
	}

	if created.Direction == models.DirectionOutbound && created.Retry.MaxAttempts == 0 {
		created.Retry.MaxAttempts = DefaultDeliveryAttempts
	}

	if err := created.Retry.Validate(); err != nil {
		return nil, NewValidationError("CreateSubscription", err.Error(), err)
	}

	now := s.now().UTC()
	created.ID = uuid.NewString()
	created.Status = models.SubscriptionStatus{State: models.SubscriptionActive}
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := s.subscriptions.Save(ctx, &created); err != nil {
		return nil, err
	}

	return &created, nil
}

func (s *Subscription) Get(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	return s.subscriptions.Get(ctx, id)
}

func (s *Subscription) List(ctx context.Context) ([]*models.WebhookSubscription, error) {
	return s.subscriptions.List(ctx)
}

func (s *Subscription) Delete(ctx context.Context, id string) error {
	return s.subscriptions.Delete(ctx, id)
}
