package remote

import (
	"context"
	"errors"
	"time"

	"github.com/example/hermes-sync/internal/types"
)

var (
	// ErrRejected is returned when the remote store refuses a write, for
	// example because of a permission or validation failure on its side.
	ErrRejected = errors.New("remote rejected write")

	// ErrClosed is returned by adapters after Close.
	ErrClosed = errors.New("remote store closed")
)

const (
	feedBuffer      = 256
	maxBackoffDelay = 30 * time.Second
)

// Ack acknowledges a write. Version is the remote version assigned to the
// written document, zero when the backend does not report one.
type Ack struct {
	Version       uint64
	CorrelationID types.CorrelationID
}

// Writer performs remote writes.
type Writer interface {
	WriteDocument(ctx context.Context, collection types.CollectionID, id types.DocumentID, patch types.Patch, correlation types.CorrelationID) (Ack, error)
}

// Store is the remote document store as seen by the client: a write path and
// a push-based change feed. Changes for one collection are delivered in the
// order the remote produced them; the channel closes when ctx is done.
type Store interface {
	Writer
	Subscribe(ctx context.Context, collection types.CollectionID) (<-chan types.Change, error)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
