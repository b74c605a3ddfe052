package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrSchema marks malformed events or requests rejected at the boundary.
	ErrSchema = errors.New("schema violation")
	// ErrInvariant marks ledger state invariant violations (negative balances, double conversion).
	ErrInvariant = errors.New("state invariant violation")
	// ErrPolicy marks domain-policy rejections raised before any event is emitted.
	ErrPolicy = errors.New("domain policy violation")
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition is returned for status changes outside the transition table.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrInsufficientBalance is returned when a transfer exceeds the source position.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrSequence is returned when sequence numbers do not strictly increase.
	ErrSequence = errors.New("sequence out of order")
	// ErrDuplicate is returned when an idempotency key was already recorded.
	ErrDuplicate = errors.New("duplicate event")
	// ErrStale is returned when a batch was built against a state the log has moved past.
	ErrStale = errors.New("ledger moved since read")
)

// SchemaError describes a single missing or malformed field.
type SchemaError struct {
	Kind   EventKind
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("schema violation: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("schema violation: %s event: %s %s", e.Kind, e.Field, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

func schemaErr(kind EventKind, field, reason string) error {
	return &SchemaError{Kind: kind, Field: field, Reason: reason}
}

// ReplayError reports where reconstruction stopped. LastValid is the sequence of the
// last event folded successfully (zero when none was).
type ReplayError struct {
	Sequence  uint64
	LastValid uint64
	Err       error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay aborted at sequence %d (last valid %d): %v", e.Sequence, e.LastValid, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// InvariantError wraps ErrInvariant with context.
func InvariantError(format string, args ...any) error {
	return errors.Wrapf(ErrInvariant, format, args...)
}

// PolicyError wraps ErrPolicy with context.
func PolicyError(format string, args ...any) error {
	return errors.Wrapf(ErrPolicy, format, args...)
}

// NotFoundError wraps ErrNotFound with context.
func NotFoundError(format string, args ...any) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}
