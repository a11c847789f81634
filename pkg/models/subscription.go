package models

import (
	"slices"
	"time"

	"github.com/dukex/orchestra/pkg/events"
)

type SubscriptionDirection string

const (
	// DirectionInbound subscriptions expose an endpoint that starts executions.
	DirectionInbound SubscriptionDirection = "inbound"
	// DirectionOutbound subscriptions deliver matching events to an external URL.
	DirectionOutbound SubscriptionDirection = "outbound"
)

type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthHeader AuthType = "header"
	AuthBearer AuthType = "bearer"
	AuthHMAC   AuthType = "hmac"
)

// DefaultSignatureHeader carries the hex HMAC-SHA256 of the raw body.
const DefaultSignatureHeader = "X-Orchestra-Signature"

type WebhookAuth struct {
	Type   AuthType `json:"type"             validate:"omitempty,oneof=none header bearer hmac"`
	Header string   `json:"header,omitempty"`
	Secret string   `json:"secret,omitempty" validate:"required_if=Type header,required_if=Type hmac"`
	Token  string   `json:"token,omitempty"  validate:"required_if=Type bearer"`
}

// SignatureHeader returns the header used for shared secrets and signatures.
func (a WebhookAuth) SignatureHeader() string {
	if a.Header != "" {
		return a.Header
	}

	return DefaultSignatureHeader
}

type SubscriptionState string

const (
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionFailing  SubscriptionState = "failing"
	SubscriptionDisabled SubscriptionState = "disabled"
)

// SubscriptionStatus reports delivery health. Delivery failures land here and never on
// the execution that produced the event.
type SubscriptionStatus struct {
	State               SubscriptionState `json:"state"`
	LastError           string            `json:"last_error,omitempty"`
	LastDeliveryAt      *time.Time        `json:"last_delivery_at,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Deliveries          int               `json:"deliveries"`
}

type WebhookSubscription struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"                        validate:"required"`
	Direction        SubscriptionDirection `json:"direction"                   validate:"required,oneof=inbound outbound"`
	WorkflowID       string                `json:"workflow_id,omitempty"       validate:"required_if=Direction inbound"`
	URL              string                `json:"url,omitempty"               validate:"required_if=Direction outbound,omitempty,url"`
	EventTypes       []events.EventType    `json:"event_types,omitempty"       validate:"required_if=Direction outbound"`
	PayloadTemplate  any                   `json:"payload_template,omitempty"`
	ParameterMapping map[string]string     `json:"parameter_mapping,omitempty"`
	JSONSchema       map[string]any        `json:"json_schema,omitempty"`
	Auth             WebhookAuth           `json:"auth"`
	Retry            RetryPolicy           `json:"retry"`
	Status           SubscriptionStatus    `json:"status"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// Matches reports whether an outbound subscription wants e.
func (s *WebhookSubscription) Matches(e Event) bool {
	if s.Direction != DirectionOutbound || s.Status.State == SubscriptionDisabled {
		return false
	}

	if s.WorkflowID != "" && s.WorkflowID != e.WorkflowID {
		return false
	}

	return slices.Contains(s.EventTypes, e.Type)
}
