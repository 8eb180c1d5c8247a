package mirror

import (
	"sync"

	"github.com/example/hermes-sync/internal/types"
)

// Cause describes why a document changed.
type Cause string

const (
	CauseRemote     Cause = "remote"
	CauseOptimistic Cause = "optimistic"
	CauseConfirm    Cause = "confirm"
	CauseRollback   Cause = "rollback"
	CauseAbandon    Cause = "abandon"
)

// Event describes a state transition of one mirrored document.
type Event struct {
	Collection types.CollectionID
	Document   types.Document
	Cause      Cause
}

// Outcome is how a pending optimistic generation ended.
type Outcome string

const (
	OutcomeConfirmed  Outcome = "confirmed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeAbandoned  Outcome = "abandoned"
)

// Pending tracks one optimistic-pending generation.
type Pending struct {
	Correlation types.CorrelationID

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newPending(correlation types.CorrelationID) *Pending {
	return &Pending{Correlation: correlation, done: make(chan struct{})}
}

// Done is closed once the generation is confirmed, rolled back or abandoned.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Outcome reports how the generation ended. Only valid after Done is closed.
func (p *Pending) Outcome() Outcome {
	<-p.done
	return p.outcome
}

func (p *Pending) resolve(outcome Outcome) {
	p.once.Do(func() {
		p.outcome = outcome
		close(p.done)
	})
}

const subscriberBuffer = 64

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Subscribe returns a stream of events for a collection. The returned
// function unregisters the stream; events are delivered in the order they
// were produced for any single document.
func (m *Mirror) Subscribe(collectionID types.CollectionID) (<-chan Event, func()) {
	m.Track(collectionID)
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), done: make(chan struct{})}

	m.subsMu.Lock()
	if m.subs[collectionID] == nil {
		m.subs[collectionID] = make(map[*subscriber]struct{})
	}
	m.subs[collectionID][sub] = struct{}{}
	m.subsMu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs[collectionID], sub)
			m.subsMu.Unlock()
			close(sub.done)
		})
	}
	return sub.ch, cancel
}

// emit is only ever called without document locks held so a subscriber may
// read back into the mirror while handling an event.
func (m *Mirror) emit(events []Event) {
	for _, evt := range events {
		m.subsMu.RLock()
		subs := make([]*subscriber, 0, len(m.subs[evt.Collection]))
		for sub := range m.subs[evt.Collection] {
			subs = append(subs, sub)
		}
		m.subsMu.RUnlock()

		for _, sub := range subs {
			select {
			case sub.ch <- evt:
			case <-sub.done:
			}
		}
	}
}

func (m *Mirror) event(e *entry, cause Cause) Event {
	return Event{Collection: e.doc.Collection, Document: e.doc.Clone(), Cause: cause}
}
