package webhook

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized   = errors.New("webhook request unauthorized")
	ErrInvalidPayload = errors.New("invalid webhook payload")
	ErrNotInbound     = errors.New("subscription does not accept requests")
	ErrDisabled       = errors.New("subscription is disabled")
)

// DeliveryError reports an outbound delivery that exhausted its retries.
type DeliveryError struct {
	SubscriptionID string
	Attempts       int
	Status         int
	Err            error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("delivery to subscription %s failed after %d attempts with status %d: %v", e.SubscriptionID, e.Attempts, e.Status, e.Err)
	}

	return fmt.Sprintf("delivery to subscription %s failed after %d attempts: %v", e.SubscriptionID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}

func IsDeliveryError(err error) bool {
	var target *DeliveryError

	return errors.As(err, &target)
}
