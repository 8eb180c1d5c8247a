package gateway

import (
	"errors"
	"fmt"

	"github.com/example/hermes-sync/internal/types"
)

var (
	// ErrConflictTimeout means the remote did not confirm the write in time.
	ErrConflictTimeout = errors.New("mutation not confirmed before timeout")

	// ErrRemoteRejected means the remote store refused the write.
	ErrRemoteRejected = errors.New("mutation rejected by remote")

	// ErrInvalidPatch is an alias of types.ErrInvalidPatch so callers only need
	// this package to classify failures.
	ErrInvalidPatch = types.ErrInvalidPatch
)

// MutationError is the only error a proposal fails with. Class is one of
// ErrConflictTimeout, ErrRemoteRejected or ErrInvalidPatch; Cause carries the
// underlying failure when there is one.
type MutationError struct {
	Intent types.MutationIntent
	Class  error
	Cause  error
}

func (e *MutationError) Error() string {
	if e.Cause != nil && !errors.Is(e.Cause, e.Class) {
		return fmt.Sprintf("mutation %s on %s: %v: %v", e.Intent.CorrelationID, e.Intent.Key(), e.Class, e.Cause)
	}
	return fmt.Sprintf("mutation %s on %s: %v", e.Intent.CorrelationID, e.Intent.Key(), e.Class)
}

// Unwrap exposes only the class, so errors.Is matches exactly one of them
// even when Cause wraps another class sentinel. Inspect Cause directly for
// the underlying failure.
func (e *MutationError) Unwrap() error {
	return e.Class
}

// IsRetryable reports whether resubmitting the same intent may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflictTimeout) || errors.Is(err, ErrRemoteRejected)
}

func newMutationError(intent types.MutationIntent, class, cause error) *MutationError {
	return &MutationError{Intent: intent, Class: class, Cause: cause}
}
