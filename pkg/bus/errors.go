package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
)

const (
	ErrorTransportUnavailable = "transport_unavailable"
	ErrorConfiguration        = "configuration"
	ErrorDropped              = "dropped"
	ErrorClosed               = "closed"
)

// Error represents a stable, categorized bus failure.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

// Is matches any *Error of the same category so callers can test
// errors.Is(err, bus.ErrDropped) without caring about the detail.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil {
		return false
	}
	return other.Category == e.Category
}

var (
	ErrClosed               = &Error{Category: ErrorClosed}
	ErrDropped              = &Error{Category: ErrorDropped}
	ErrTransportUnavailable = &Error{Category: ErrorTransportUnavailable}
)

// NewError creates a categorized bus error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return ErrorClosed
	}

	// Anything else on the wire is treated as a transient outage.
	return ErrorTransportUnavailable
}
