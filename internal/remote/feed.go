package remote

import (
	"context"
	"sync"

	"github.com/example/hermes-sync/internal/types"
)

// feed decouples a producer from a slow consumer without reordering. Push
// never blocks; the pump goroutine drains the queue into the channel.
type feed struct {
	mu     sync.Mutex
	queue  []types.Change
	signal chan struct{}
	out    chan types.Change
	done   <-chan struct{}
}

func newFeed(ctx context.Context) *feed {
	f := &feed{
		signal: make(chan struct{}, 1),
		out:    make(chan types.Change, feedBuffer),
		done:   ctx.Done(),
	}
	go f.pump()
	return f
}

func (f *feed) push(change types.Change) {
	f.mu.Lock()
	f.queue = append(f.queue, change)
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *feed) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		batch := f.queue
		f.queue = nil
		f.mu.Unlock()

		for _, change := range batch {
			select {
			case f.out <- change:
			case <-f.done:
				return
			}
		}

		select {
		case <-f.signal:
		case <-f.done:
			return
		}
	}
}

func (f *feed) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
