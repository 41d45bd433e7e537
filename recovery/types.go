// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"fmt"
	"time"
)

// Category groups error types for circuit breaking and stats. Each
// category gets its own breaker so a flood of network failures does
// not trip recovery for, say, media errors.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryPermission Category = "permission"
	CategoryHardware   Category = "hardware"
	CategoryService    Category = "service"
	CategorySession    Category = "session"
	CategoryMedia      Category = "media"
	CategoryValidation Category = "validation"
	CategorySystem     Category = "system"
)

// Severity is advisory: it feeds stats and decides which errors are
// persisted across restarts, but does not change recovery behavior.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy names how the engine attempts recovery for an error type.
type Strategy string

const (
	// StrategyImmediateRetry retries at once with no delay between
	// attempts.
	StrategyImmediateRetry Strategy = "immediate_retry"
	// StrategyExponentialBackoff retries with exponentially growing,
	// jittered delays capped at the type's max delay.
	StrategyExponentialBackoff Strategy = "exponential_backoff"
	// StrategyLinearRetry retries with a constant delay between
	// attempts.
	StrategyLinearRetry Strategy = "linear_retry"
	// StrategyRestartSession tears down and restarts the active
	// session instead of retrying the failed operation.
	StrategyRestartSession Strategy = "restart_session"
	// StrategyGracefulDegradation resolves the error without retrying;
	// the caller is expected to continue with reduced functionality.
	StrategyGracefulDegradation Strategy = "graceful_degradation"
	// StrategyUserIntervention performs no automatic recovery and
	// flags the error for the user.
	StrategyUserIntervention Strategy = "user_intervention"
)

// ErrorType is one entry of the classification catalog.
type ErrorType struct {
	ID                string   `json:"id"`
	Category          Category `json:"category"`
	Severity          Severity `json:"severity"`
	RecoveryStrategy  Strategy `json:"recovery_strategy"`
	MaxRetries        int      `json:"max_retries"`
	BaseDelayMs       int64    `json:"base_delay_ms"`
	MaxDelayMs        int64    `json:"max_delay_ms"`
	BackoffMultiplier float64  `json:"backoff_multiplier"`
	CanAutoRecover    bool     `json:"can_auto_recover"`
	IsPermanent       bool     `json:"permanent"`
	UserMessage       string   `json:"user_message"`
	Patterns          []string `json:"patterns"`
}

// BaseDelay returns the type's base retry delay.
func (t ErrorType) BaseDelay() time.Duration { return time.Duration(t.BaseDelayMs) * time.Millisecond }

// MaxDelay returns the type's delay cap, or zero when uncapped.
func (t ErrorType) MaxDelay() time.Duration { return time.Duration(t.MaxDelayMs) * time.Millisecond }

// Context describes where an error occurred. Extra carries free-form
// detail for logs and diagnostics.
type Context struct {
	Operation string            `cbor:"operation" json:"operation"`
	Component string            `cbor:"component" json:"component"`
	Extra     map[string]string `cbor:"extra,omitempty" json:"extra,omitempty"`
}

// AppError is a classified error tracked by the engine. It wraps the
// underlying cause and records recovery progress.
type AppError struct {
	ID                 string    `cbor:"id"`
	Type               ErrorType `cbor:"type"`
	Context            Context   `cbor:"context"`
	Message            string    `cbor:"message"`
	Timestamp          time.Time `cbor:"timestamp"`
	AttemptCount       int       `cbor:"attempt_count"`
	IsPermanentFailure bool      `cbor:"permanent"`
	NextRetryAt        time.Time `cbor:"next_retry_at,omitempty"`
	RequiresUserAction bool      `cbor:"requires_user_action"`

	cause error
}

func (e *AppError) Error() string {
	if e.Context.Operation != "" {
		return fmt.Sprintf("%s: %s: %s", e.Type.ID, e.Context.Operation, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type.ID, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
// Errors reloaded from disk have a nil cause.
func (e *AppError) Unwrap() error { return e.cause }
