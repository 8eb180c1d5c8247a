package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/hermes-sync/internal/mirror"
	"github.com/example/hermes-sync/internal/observability"
	"github.com/example/hermes-sync/internal/remote"
	"github.com/example/hermes-sync/internal/types"
)

const defaultConfirmTimeout = 10 * time.Second

// Recorder receives the inverse of every user mutation that was applied
// optimistically, and is told to forget it again when the mutation fails.
// Reserve is called when the mutation is proposed, before it may wait behind
// other proposals on the same document, so entries keep proposal order. The
// inverse carries the original mutation's correlation id. The undo stack
// implements it.
type Recorder interface {
	Reserve(correlation types.CorrelationID, label string)
	Record(label string, inverse types.MutationIntent, capturedVersion uint64)
	Forget(correlation types.CorrelationID)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithConfirmTimeout bounds how long a write may stay unconfirmed before it
// is rolled back.
func WithConfirmTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithClock overrides the time source used to stamp intents.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithCorrelationIDs overrides correlation id generation.
func WithCorrelationIDs(next func() types.CorrelationID) Option {
	return func(g *Gateway) {
		g.newID = next
	}
}

// Gateway turns mutation intents into optimistic local changes and remote
// writes. At most one mutation per document is in flight; later proposals on
// the same document wait in FIFO order.
type Gateway struct {
	mirror *mirror.Mirror
	remote remote.Writer
	logger zerolog.Logger

	timeout time.Duration
	now     func() time.Time
	newID   func() types.CorrelationID

	recMu    sync.RWMutex
	recorder Recorder

	mu     sync.Mutex
	queues map[types.DocumentKey]*targetQueue

	wg sync.WaitGroup
}

type targetQueue struct {
	waiting []*Proposal
}

// New constructs a gateway writing through w.
func New(m *mirror.Mirror, w remote.Writer, logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		mirror:  m,
		remote:  w,
		logger:  logger.With().Str("component", "gateway").Logger(),
		timeout: defaultConfirmTimeout,
		now:     time.Now,
		newID: func() types.CorrelationID {
			return types.CorrelationID(uuid.NewString())
		},
		queues: make(map[types.DocumentKey]*targetQueue),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetRecorder wires the undo stack.
func (g *Gateway) SetRecorder(r Recorder) {
	g.recMu.Lock()
	g.recorder = r
	g.recMu.Unlock()
}

// Submit proposes intent and waits for it to resolve.
func (g *Gateway) Submit(ctx context.Context, intent types.MutationIntent) error {
	return g.Propose(ctx, intent).Wait(ctx)
}

// Propose starts a mutation. When the document is idle the optimistic apply
// has happened by the time Propose returns; otherwise the proposal is queued
// behind the in-flight one. Cancelling ctx does not cancel the remote write.
func (g *Gateway) Propose(ctx context.Context, intent types.MutationIntent) *Proposal {
	if intent.CorrelationID == "" {
		intent.CorrelationID = g.newID()
	}
	if intent.IssuedAt.IsZero() {
		intent.IssuedAt = g.now()
	}
	if intent.Origin == "" {
		intent.Origin = types.OriginUser
	}

	p := newProposal(context.WithoutCancel(ctx), intent)
	if err := intent.Patch.Validate(); err != nil {
		g.finish(p, time.Time{}, newMutationError(intent, ErrInvalidPatch, err))
		return p
	}

	if intent.Origin == types.OriginUser {
		if recorder := g.currentRecorder(); recorder != nil {
			recorder.Reserve(intent.CorrelationID, undoLabel(intent))
		}
	}

	key := intent.Key()
	g.mu.Lock()
	if q, busy := g.queues[key]; busy {
		q.waiting = append(q.waiting, p)
		queuedProposals.WithLabelValues(string(intent.Collection)).Inc()
		g.mu.Unlock()
		return p
	}
	g.queues[key] = &targetQueue{}
	g.mu.Unlock()

	g.start(p)
	return p
}

// Close waits for in-flight proposals to resolve or ctx to end.
func (g *Gateway) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start applies the proposal optimistically and dispatches the remote write.
// The caller owns the document's queue slot.
func (g *Gateway) start(p *Proposal) {
	intent := p.Intent()
	ctx, span := tracer.Start(p.ctx, "gateway.propose", trace.WithAttributes(
		attribute.String("collection", string(intent.Collection)),
		attribute.String("document", string(intent.TargetID)),
		attribute.String("correlation_id", string(intent.CorrelationID)),
		attribute.String("origin", string(intent.Origin)),
		attribute.String("patch", string(intent.Patch.Kind)),
	))
	p.span = span

	opt, err := g.mirror.ApplyOptimistic(intent.Collection, intent.TargetID, intent.Patch, intent.CorrelationID)
	if err != nil {
		class := ErrRemoteRejected
		if errors.Is(err, types.ErrInvalidPatch) {
			class = ErrInvalidPatch
		}
		g.forget(intent)
		g.finish(p, time.Time{}, newMutationError(intent, class, err))
		g.release(intent.Key())
		return
	}

	intent.Inverse = opt.Inverse
	p.setIntent(intent)
	g.record(intent, opt)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		started := time.Now()
		err := g.dispatch(ctx, intent, opt)
		g.finish(p, started, err)
		g.release(intent.Key())
	}()
}

func (g *Gateway) record(intent types.MutationIntent, opt mirror.Optimistic) {
	if intent.Origin != types.OriginUser {
		return
	}
	recorder := g.currentRecorder()
	if recorder == nil {
		return
	}
	if opt.Inverse.IsNoop() {
		recorder.Forget(intent.CorrelationID)
		return
	}

	label := undoLabel(intent)
	recorder.Record(label, types.MutationIntent{
		Collection:    intent.Collection,
		TargetID:      intent.TargetID,
		Patch:         opt.Inverse,
		Inverse:       intent.Patch,
		CorrelationID: intent.CorrelationID,
		Label:         label,
		Origin:        types.OriginUndo,
	}, opt.After.Version)
}

func (g *Gateway) forget(intent types.MutationIntent) {
	if intent.Origin != types.OriginUser {
		return
	}
	if recorder := g.currentRecorder(); recorder != nil {
		recorder.Forget(intent.CorrelationID)
	}
}

func undoLabel(intent types.MutationIntent) string {
	if intent.Label != "" {
		return intent.Label
	}
	return string(intent.Patch.Kind) + " " + intent.Key().String()
}

func (g *Gateway) currentRecorder() Recorder {
	g.recMu.RLock()
	defer g.recMu.RUnlock()
	return g.recorder
}

// dispatch writes the mutation remotely and waits for the ack, a matching
// echo or the timeout. Failures roll the document back.
func (g *Gateway) dispatch(ctx context.Context, intent types.MutationIntent, opt mirror.Optimistic) error {
	logger := observability.LoggerWithTrace(ctx, g.logger).With().
		Str("collection", string(intent.Collection)).
		Str("document", string(intent.TargetID)).
		Str("correlation_id", string(intent.CorrelationID)).
		Logger()

	class, cause := g.await(ctx, intent.Collection, intent.TargetID, intent.Patch, intent.CorrelationID, opt.Pending)
	if class == nil {
		logger.Debug().Msg("mutation confirmed")
		return nil
	}

	logger.Warn().Err(cause).Str("class", class.Error()).Msg("mutation failed; rolling back")
	if confirmed := g.rollback(ctx, logger, intent, opt); confirmed {
		// The echo raced the timeout and won; the write did land.
		return nil
	}
	g.forget(intent)
	return newMutationError(intent, class, cause)
}

// await returns a nil class once the write identified by correlation is
// confirmed, either by the write's ack or by its echo on the change feed.
func (g *Gateway) await(ctx context.Context, collection types.CollectionID, id types.DocumentID, patch types.Patch, correlation types.CorrelationID, pending *mirror.Pending) (class, cause error) {
	wctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		ack remote.Ack
		err error
	}
	results := make(chan result, 1)
	go func() {
		ack, err := g.remote.WriteDocument(wctx, collection, id, patch, correlation)
		results <- result{ack: ack, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return ErrConflictTimeout, r.err
			}
			return ErrRemoteRejected, r.err
		}
		g.mirror.Confirm(collection, id, correlation, r.ack.Version)
		return nil, nil
	case <-pending.Done():
		if pending.Outcome() == mirror.OutcomeConfirmed {
			return nil, nil
		}
		return ErrRemoteRejected, errors.New("pending generation resolved without confirmation")
	case <-wctx.Done():
		return ErrConflictTimeout, wctx.Err()
	}
}

// rollback reverts the optimistic change and writes the inverse remotely. It
// reports true when the original write turned out to be confirmed.
func (g *Gateway) rollback(ctx context.Context, logger zerolog.Logger, intent types.MutationIntent, opt mirror.Optimistic) bool {
	rbCorrelation := g.newID()
	handle, err := g.mirror.Rollback(intent.Collection, intent.TargetID, intent.CorrelationID, opt.Inverse, rbCorrelation)
	if err != nil {
		select {
		case <-opt.Pending.Done():
			if opt.Pending.Outcome() == mirror.OutcomeConfirmed {
				return true
			}
		default:
		}
		logger.Error().Err(err).Msg("rollback could not be applied locally")
		rollbacksTotal.WithLabelValues(string(intent.Collection), "skipped").Inc()
		return false
	}

	if opt.Inverse.IsNoop() {
		g.mirror.Abandon(intent.Collection, intent.TargetID, rbCorrelation)
		rollbacksTotal.WithLabelValues(string(intent.Collection), "noop").Inc()
		return false
	}

	class, cause := g.await(ctx, intent.Collection, intent.TargetID, opt.Inverse, rbCorrelation, handle)
	if class == nil {
		rollbacksTotal.WithLabelValues(string(intent.Collection), "confirmed").Inc()
		logger.Info().Str("rollback_id", string(rbCorrelation)).Msg("rollback confirmed")
		return false
	}

	g.mirror.Abandon(intent.Collection, intent.TargetID, rbCorrelation)
	rollbacksTotal.WithLabelValues(string(intent.Collection), "abandoned").Inc()
	logger.Error().Err(cause).Str("rollback_id", string(rbCorrelation)).Msg("rollback write failed; abandoning pending state")
	return false
}

func (g *Gateway) finish(p *Proposal, started time.Time, err error) {
	intent := p.Intent()
	outcome := "confirmed"
	var mutErr *MutationError
	if errors.As(err, &mutErr) {
		switch {
		case errors.Is(mutErr.Class, ErrConflictTimeout):
			outcome = "timeout"
		case errors.Is(mutErr.Class, ErrInvalidPatch):
			outcome = "invalid"
		default:
			outcome = "rejected"
		}
	}
	proposalsTotal.WithLabelValues(string(intent.Collection), string(intent.Origin), outcome).Inc()
	if !started.IsZero() {
		confirmLatency.WithLabelValues(string(intent.Collection)).Observe(time.Since(started).Seconds())
	}
	if p.span != nil {
		if err != nil {
			p.span.RecordError(err)
			p.span.SetStatus(codes.Error, outcome)
		}
		p.span.End()
	}
	p.resolve(err)
}

// release hands the document to the next queued proposal, if any.
func (g *Gateway) release(key types.DocumentKey) {
	g.mu.Lock()
	q := g.queues[key]
	if q == nil || len(q.waiting) == 0 {
		delete(g.queues, key)
		g.mu.Unlock()
		return
	}
	next := q.waiting[0]
	q.waiting = q.waiting[1:]
	queuedProposals.WithLabelValues(string(key.Collection)).Dec()
	g.mu.Unlock()

	g.start(next)
}
