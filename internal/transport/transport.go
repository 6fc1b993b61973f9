// Package transport defines the interface for outbound delivery backends.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Transport is the interface delivery backends must implement. Each
// transport hands a signed message to the next hop for a single recipient.
type Transport interface {
	// Send transmits signed message data on behalf of from to a single
	// recipient. Errors are transient unless wrapped in PermanentError.
	Send(ctx context.Context, from, recipient string, data []byte) error

	// Name returns the human-readable name of this transport.
	Name() string
}

// PermanentError marks a transport failure that must not be retried, such
// as an SMTP 5xx rejection or an invalid recipient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanentf wraps a formatted error as permanent.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is a permanent transport failure.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
