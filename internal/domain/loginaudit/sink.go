// Package loginaudit keeps the append-only trail of login attempts.
package loginaudit

import (
	"context"
	"errors"
	"fmt"
)

// ErrSinkFailure wraps every error from Record. Callers log it and carry on;
// a failed audit write never changes a login's outcome.
var ErrSinkFailure = errors.New("login audit write failed")

// Sink appends login attempts. Record must accept any attempt, including
// rejected ones and unknown usernames.
type Sink interface {
	Record(ctx context.Context, a *Attempt) error
}

// Store is a Sink with the read side used by the admin views.
type Store interface {
	Sink
	List(ctx context.Context, f Filter, limit, offset int) ([]*Attempt, int, error)
	Summary(ctx context.Context, f Filter) (*Summary, error)
}

func wrapSink(err error) error {
	return fmt.Errorf("%w: %v", ErrSinkFailure, err)
}
