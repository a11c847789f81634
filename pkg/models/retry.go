package models

import (
	"fmt"
	"slices"
	"time"
)

// RetryPolicy is consulted when a task attempt fails. MaxAttempts counts every attempt,
// including the first one; zero means a single attempt. An empty RetryableClasses
// list retries every failure class.
type RetryPolicy struct {
	MaxAttempts      int            `json:"max_attempts"                yaml:"max_attempts"                validate:"gte=0"`
	InitialDelay     Duration       `json:"initial_delay,omitempty"     yaml:"initial_delay,omitempty"     validate:"gte=0"`
	MaxDelay         Duration       `json:"max_delay,omitempty"         yaml:"max_delay,omitempty"         validate:"gte=0"`
	Multiplier       float64        `json:"multiplier,omitempty"        yaml:"multiplier,omitempty"        validate:"gte=0"`
	RetryableClasses []FailureClass `json:"retryable_classes,omitempty" yaml:"retryable_classes,omitempty"`
}

const (
	DefaultRetryInitialDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultRetryMultiplier   = 2.0
)

// Attempts is the total number of attempts the policy allows.
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}

	return p.MaxAttempts
}

func (p *RetryPolicy) Retryable(class FailureClass) bool {
	if p == nil {
		return false
	}

	if !class.Retryable() {
		return false
	}

	return len(p.RetryableClasses) == 0 || slices.Contains(p.RetryableClasses, class)
}

// ShouldRetry reports whether another attempt follows a failure of the given class after
// attempts attempts have been made.
func (p *RetryPolicy) ShouldRetry(attempts int, class FailureClass) bool {
	return attempts < p.Attempts() && p.Retryable(class)
}

// Delays returns the initial delay, max delay and multiplier with defaults applied.
func (p *RetryPolicy) Delays() (time.Duration, time.Duration, float64) {
	initial, maxDelay, multiplier := DefaultRetryInitialDelay, DefaultRetryMaxDelay, DefaultRetryMultiplier
	if p == nil {
		return initial, maxDelay, multiplier
	}

	if p.InitialDelay > 0 {
		initial = p.InitialDelay.Std()
	}

	if p.MaxDelay > 0 {
		maxDelay = p.MaxDelay.Std()
	}

	if p.Multiplier >= 1 {
		multiplier = p.Multiplier
	}

	if maxDelay < initial {
		maxDelay = initial
	}

	return initial, maxDelay, multiplier
}

func (p *RetryPolicy) Validate() error {
	if p == nil {
		return nil
	}

	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative, got %d", p.MaxAttempts)
	}

	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %g", p.Multiplier)
	}

	if p.MaxDelay > 0 && p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("max_delay %s is shorter than initial_delay %s", p.MaxDelay.Std(), p.InitialDelay.Std())
	}

	for _, class := range p.RetryableClasses {
		if !class.Retryable() {
			return fmt.Errorf("failure class %q is not retryable", class)
		}
	}

	return nil
}
