package service

import (
	"errors"
	"fmt"

	"github.com/spec-kit/ticketflow/internal/domain"
)

// maxConflictRetries bounds how often a request is re-evaluated against fresh
// state after losing an optimistic version race.
const maxConflictRetries = 3

// TransientError reports a request that could not be applied now but may
// succeed if the caller retries.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// withConflictRetry runs attempt until it succeeds, fails with anything other
// than a version conflict, or the retry budget is spent. Each attempt must
// reload the aggregate and re-evaluate the request.
func withConflictRetry(op string, onConflict func(attempt int), attempt func() error) error {
	for i := 0; ; i++ {
		err := attempt()
		if !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		if onConflict != nil {
			onConflict(i + 1)
		}
		if i >= maxConflictRetries {
			return &TransientError{Op: op, Err: err}
		}
	}
}
