package gateway

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/example/hermes-sync/internal/types"
)

// Proposal tracks one mutation from optimistic apply to resolution.
type Proposal struct {
	ctx  context.Context
	span trace.Span

	mu     sync.Mutex
	intent types.MutationIntent

	once sync.Once
	done chan struct{}
	err  error
}

func newProposal(ctx context.Context, intent types.MutationIntent) *Proposal {
	return &Proposal{ctx: ctx, intent: intent, done: make(chan struct{})}
}

// Intent returns the intent as known so far. Inverse is set once the
// proposal has been applied optimistically.
func (p *Proposal) Intent() types.MutationIntent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intent
}

func (p *Proposal) setIntent(intent types.MutationIntent) {
	p.mu.Lock()
	p.intent = intent
	p.mu.Unlock()
}

// Done is closed when the proposal is confirmed or has failed.
func (p *Proposal) Done() <-chan struct{} {
	return p.done
}

// Err returns the proposal's failure, nil on success. It blocks until Done.
func (p *Proposal) Err() error {
	<-p.done
	return p.err
}

// Wait blocks until the proposal resolves or ctx ends. Giving up on the wait
// does not cancel the proposal.
func (p *Proposal) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Proposal) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
