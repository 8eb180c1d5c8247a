package undo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/hermes-sync/internal/types"
)

// DefaultCapacity matches the depth a user can step back through.
const DefaultCapacity = 10

var (
	// ErrNothingToUndo is returned by Undo on an empty stack.
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrUndoTargetDrifted marks an undo whose target changed after the entry
	// was captured. It is logged, never returned.
	ErrUndoTargetDrifted = errors.New("undo target changed since capture")
)

var undoTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "undo",
	Name:      "operations_total",
	Help:      "Undo attempts by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(undoTotal)
}

// Entry is one reversible user action.
type Entry struct {
	Label           string               `json:"label"`
	Inverse         types.MutationIntent `json:"inverse"`
	CapturedVersion uint64               `json:"captured_version"`
	PushedAt        time.Time            `json:"pushed_at"`
}

// Proposal is an in-flight mutation.
type Proposal interface {
	Done() <-chan struct{}
	Err() error
}

// Proposer starts a mutation.
type Proposer interface {
	Propose(ctx context.Context, intent types.MutationIntent) Proposal
}

// ProposerFunc adapts a function to Proposer.
type ProposerFunc func(ctx context.Context, intent types.MutationIntent) Proposal

// Propose implements Proposer.
func (f ProposerFunc) Propose(ctx context.Context, intent types.MutationIntent) Proposal {
	return f(ctx, intent)
}

// Versions reports the live version of a document.
type Versions interface {
	Version(collection types.CollectionID, id types.DocumentID) uint64
}

// Retryable classifies failures worth keeping the entry for.
type Retryable func(error) bool

// Option configures a Stack.
type Option func(*Stack)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(s *Stack) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithRetryable sets the classifier used to decide whether a failed undo is
// put back on the stack.
func WithRetryable(fn Retryable) Option {
	return func(s *Stack) {
		s.retryable = fn
	}
}

// WithClock overrides the time source used for PushedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Stack) {
		s.now = now
	}
}

// WithDriftHook is called when an undo targets a document whose version
// moved since the entry was captured.
func WithDriftHook(fn func(entry Entry, liveVersion uint64)) Option {
	return func(s *Stack) {
		s.onDrift = fn
	}
}

// Stack is a bounded LIFO of user actions. Undo calls are serialized: a
// second call waits until the first one's mutation has resolved.
//
// A user mutation reserves its slot when it is proposed, so slots follow
// proposal order even when the gateway applies same-document proposals
// later. Undo waits for the newest slot to be filled before reverting it.
type Stack struct {
	mu       sync.Mutex
	slots    []*slot
	reserved map[types.CorrelationID]struct{}
	capacity int

	undoMu    sync.Mutex
	proposer  Proposer
	versions  Versions
	retryable Retryable
	onDrift   func(Entry, uint64)

	now    func() time.Time
	logger zerolog.Logger
}

type slot struct {
	entry Entry
	// ready is closed once entry carries its inverse.
	ready chan struct{}
}

var filled = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (sl *slot) isReady() bool {
	select {
	case <-sl.ready:
		return true
	default:
		return false
	}
}

// New constructs a stack that undoes through proposer.
func New(proposer Proposer, versions Versions, logger zerolog.Logger, opts ...Option) *Stack {
	s := &Stack{
		capacity: DefaultCapacity,
		reserved: make(map[types.CorrelationID]struct{}),
		proposer: proposer,
		versions: versions,
		now:      time.Now,
		logger:   logger.With().Str("component", "undo").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push records an action. The oldest entry is dropped once the stack is full.
func (s *Stack) Push(label string, inverse types.MutationIntent, capturedVersion uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(&slot{
		entry: Entry{Label: label, Inverse: inverse, CapturedVersion: capturedVersion, PushedAt: s.now()},
		ready: filled,
	})
}

// Reserve takes the next slot for the mutation with the given correlation id.
// The slot is filled by Record once the mutation has been applied locally,
// or dropped by Forget.
func (s *Stack) Reserve(correlation types.CorrelationID, label string) {
	if correlation == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved[correlation] = struct{}{}
	s.pushLocked(&slot{
		entry: Entry{Label: label, Inverse: types.MutationIntent{CorrelationID: correlation}, PushedAt: s.now()},
		ready: make(chan struct{}),
	})
}

// Record implements the gateway's recorder hook. It fills the slot reserved
// for inverse.CorrelationID, or pushes a new entry when none was reserved.
func (s *Stack) Record(label string, inverse types.MutationIntent, capturedVersion uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	correlation := inverse.CorrelationID
	if _, ok := s.reserved[correlation]; ok && correlation != "" {
		delete(s.reserved, correlation)
		sl := s.findLocked(correlation)
		if sl == nil {
			// Evicted while the mutation was queued.
			return
		}
		sl.entry.Label = label
		sl.entry.Inverse = inverse
		sl.entry.CapturedVersion = capturedVersion
		close(sl.ready)
		return
	}
	s.pushLocked(&slot{
		entry: Entry{Label: label, Inverse: inverse, CapturedVersion: capturedVersion, PushedAt: s.now()},
		ready: filled,
	})
}

// Forget drops the entry recorded or reserved for the mutation with the
// given correlation id, used when that mutation failed or changed nothing.
func (s *Stack) Forget(correlation types.CorrelationID) {
	if correlation == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, correlation)
	for i := len(s.slots) - 1; i >= 0; i-- {
		sl := s.slots[i]
		if sl.entry.Inverse.CorrelationID != correlation {
			continue
		}
		s.slots = append(s.slots[:i], s.slots[i+1:]...)
		if !sl.isReady() {
			close(sl.ready)
		}
		return
	}
}

func (s *Stack) findLocked(correlation types.CorrelationID) *slot {
	for i := len(s.slots) - 1; i >= 0; i-- {
		if s.slots[i].entry.Inverse.CorrelationID == correlation && !s.slots[i].isReady() {
			return s.slots[i]
		}
	}
	return nil
}

func (s *Stack) pushLocked(sl *slot) {
	s.slots = append(s.slots, sl)
	if over := len(s.slots) - s.capacity; over > 0 {
		for _, dropped := range s.slots[:over] {
			if !dropped.isReady() {
				close(dropped.ready)
			}
		}
		s.slots = append([]*slot(nil), s.slots[over:]...)
	}
}

// Pop removes and returns the newest entry, filled or not.
func (s *Stack) Pop() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.slots) == 0 {
		return Entry{}, false
	}
	last := s.slots[len(s.slots)-1]
	s.slots = s.slots[:len(s.slots)-1]
	if !last.isReady() {
		close(last.ready)
	}
	return last.entry, true
}

// PeekDepth returns the number of entries, reserved ones included.
func (s *Stack) PeekDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Entries returns the entries newest first. Reserved entries carry only
// their label until the mutation has been applied.
func (s *Stack) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.slots))
	for i := len(s.slots) - 1; i >= 0; i-- {
		out = append(out, s.slots[i].entry)
	}
	return out
}

// popReady waits until the newest slot is filled and pops it. A slot that is
// forgotten while waited on is skipped.
func (s *Stack) popReady(ctx context.Context) (Entry, error) {
	for {
		s.mu.Lock()
		if len(s.slots) == 0 {
			s.mu.Unlock()
			return Entry{}, ErrNothingToUndo
		}
		top := s.slots[len(s.slots)-1]
		if top.isReady() {
			s.slots = s.slots[:len(s.slots)-1]
			s.mu.Unlock()
			return top.entry, nil
		}
		s.mu.Unlock()

		select {
		case <-top.ready:
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

// Undo reverts the newest entry and returns it. The inverse only touches
// the fields the original action wrote, so unrelated concurrent edits on
// the same document survive. If ctx ends first the undo keeps running and
// later calls still wait for it.
func (s *Stack) Undo(ctx context.Context) (Entry, error) {
	s.undoMu.Lock()

	entry, err := s.popReady(ctx)
	if err != nil {
		s.undoMu.Unlock()
		if errors.Is(err, ErrNothingToUndo) {
			undoTotal.WithLabelValues("empty").Inc()
		}
		return Entry{}, err
	}

	inverse := entry.Inverse
	logger := s.logger.With().
		Str("label", entry.Label).
		Str("collection", string(inverse.Collection)).
		Str("document", string(inverse.TargetID)).
		Logger()

	if s.versions != nil {
		if live := s.versions.Version(inverse.Collection, inverse.TargetID); live != entry.CapturedVersion {
			logger.Warn().
				Err(ErrUndoTargetDrifted).
				Uint64("captured_version", entry.CapturedVersion).
				Uint64("live_version", live).
				Msg("undoing a document that changed since capture")
			undoTotal.WithLabelValues("drifted").Inc()
			if s.onDrift != nil {
				s.onDrift(entry, live)
			}
		}
	}

	inverse.Origin = types.OriginUndo
	// The recorded id belongs to the original mutation.
	inverse.CorrelationID = ""
	inverse.IssuedAt = time.Time{}
	proposal := s.proposer.Propose(ctx, inverse)

	select {
	case <-proposal.Done():
		defer s.undoMu.Unlock()
		return entry, s.settle(logger, entry, proposal.Err())
	case <-ctx.Done():
		go func() {
			defer s.undoMu.Unlock()
			<-proposal.Done()
			_ = s.settle(logger, entry, proposal.Err())
		}()
		return entry, ctx.Err()
	}
}

func (s *Stack) settle(logger zerolog.Logger, entry Entry, err error) error {
	if err == nil {
		undoTotal.WithLabelValues("applied").Inc()
		logger.Info().Msg("undo applied")
		return nil
	}
	if s.retryable != nil && s.retryable(err) {
		s.mu.Lock()
		s.pushLocked(&slot{entry: entry, ready: filled})
		s.mu.Unlock()
		logger.Warn().Err(err).Msg("undo failed; entry kept for retry")
	} else {
		logger.Error().Err(err).Msg("undo failed")
	}
	undoTotal.WithLabelValues("failed").Inc()
	return fmt.Errorf("undo %q: %w", entry.Label, err)
}
