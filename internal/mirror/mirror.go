package mirror

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/hermes-sync/internal/types"
)

var (
	// ErrPendingMutation is returned when an optimistic write targets a
	// document that already holds an unresolved optimistic generation.
	ErrPendingMutation = errors.New("document has a pending optimistic mutation")

	// ErrNotPending is returned when resolving a correlation that is not the
	// document's current pending write.
	ErrNotPending = errors.New("correlation is not pending on document")
)

// Status is the outcome of handing a change to the mirror. The mirror never
// returns errors for remote pushes; callers branch on the status instead.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusStale     Status = "stale"
	StatusBuffered  Status = "buffered"
	StatusConfirmed Status = "confirmed"
	StatusAbandoned Status = "abandoned"
	StatusIgnored   Status = "ignored"
)

// Mirror keeps an in-memory copy of every tracked remote collection. All
// writes to a single document are serialized through that document's lock.
type Mirror struct {
	mu          sync.RWMutex
	collections map[types.CollectionID]*collection

	subsMu sync.RWMutex
	subs   map[types.CollectionID]map[*subscriber]struct{}

	now    func() time.Time
	logger zerolog.Logger
}

type collection struct {
	id    types.CollectionID
	mu    sync.RWMutex
	docs  map[types.DocumentID]*entry
	order []types.DocumentID
	// changes counts every applied change, used by the snapshot worker to skip
	// untouched collections.
	changes uint64
}

type entry struct {
	mu       sync.Mutex
	doc      types.Document
	exists   bool
	pending  *Pending
	buffered []types.Change
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) {
		m.now = now
	}
}

// New constructs an empty mirror.
func New(logger zerolog.Logger, opts ...Option) *Mirror {
	m := &Mirror{
		collections: make(map[types.CollectionID]*collection),
		subs:        make(map[types.CollectionID]map[*subscriber]struct{}),
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track registers a collection so reads return an empty view rather than
// nothing before the first push arrives.
func (m *Mirror) Track(id types.CollectionID) {
	m.collection(id)
}

// Collections lists the tracked collections.
func (m *Mirror) Collections() []types.CollectionID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.CollectionID, 0, len(m.collections))
	for id := range m.collections {
		out = append(out, id)
	}
	return out
}

// Apply folds a remote push into the mirror.
func (m *Mirror) Apply(change types.Change) Status {
	coll := m.collection(change.Collection)
	e := coll.entry(change.ID)

	e.mu.Lock()
	var (
		status Status
		events []Event
	)
	switch {
	case e.pending != nil && change.CorrelationID != "" && change.CorrelationID == e.pending.Correlation:
		// The echo of our own write: take the remote body and close out the
		// pending generation.
		m.applyRemoteLocked(coll, e, change)
		e.doc.Generation = types.GenerationConfirmed
		e.pending.resolve(OutcomeConfirmed)
		e.pending = nil
		pendingDocuments.WithLabelValues(string(coll.id)).Dec()
		events = append(events, m.event(e, CauseConfirm))
		events = append(events, m.replayLocked(coll, e)...)
		status = StatusConfirmed
	case e.pending != nil:
		e.buffered = append(e.buffered, change)
		bufferedPushes.WithLabelValues(string(coll.id)).Inc()
		status = StatusBuffered
	default:
		status = m.applyRemoteLocked(coll, e, change)
		if status == StatusApplied {
			events = append(events, m.event(e, CauseRemote))
		}
	}
	e.mu.Unlock()

	pushesTotal.WithLabelValues(string(change.Collection), string(status)).Inc()
	if status == StatusStale {
		m.logger.Debug().
			Str("collection", string(change.Collection)).
			Str("document", string(change.ID)).
			Uint64("source_version", change.SourceVersion).
			Msg("discarded stale push")
	}
	m.emit(events)
	return status
}

// Optimistic is the result of applying a local change ahead of the remote.
type Optimistic struct {
	Before  types.Document
	After   types.Document
	Existed bool
	Inverse types.Patch
	Pending *Pending
}

// ApplyOptimistic applies patch to the document immediately and marks it
// optimistic-pending under correlation. The inverse is computed from the
// state seen under the document lock.
func (m *Mirror) ApplyOptimistic(collectionID types.CollectionID, id types.DocumentID, patch types.Patch, correlation types.CorrelationID) (Optimistic, error) {
	coll := m.collection(collectionID)
	e := coll.entry(id)

	e.mu.Lock()
	if e.pending != nil {
		e.mu.Unlock()
		return Optimistic{}, fmt.Errorf("%w: %s/%s", ErrPendingMutation, collectionID, id)
	}

	before := e.doc.Clone()
	before.Collection, before.ID = collectionID, id
	existed := e.exists && !e.doc.Deleted
	inverse := patch.Inverse(before, e.exists)

	after, err := patch.Apply(before, e.exists)
	if err != nil {
		e.mu.Unlock()
		return Optimistic{}, err
	}

	if !e.exists {
		coll.registerLocked(id)
	}
	after.Version = e.doc.Version + 1
	after.Generation = types.GenerationPending
	after.UpdatedAt = m.now()
	e.doc = after
	e.exists = true
	e.pending = newPending(correlation)
	coll.bump()
	pendingDocuments.WithLabelValues(string(collectionID)).Inc()

	result := Optimistic{
		Before:  before,
		After:   after.Clone(),
		Existed: existed,
		Inverse: inverse,
		Pending: e.pending,
	}
	events := []Event{m.event(e, CauseOptimistic)}
	e.mu.Unlock()

	m.emit(events)
	return result, nil
}

// Confirm marks the pending write identified by correlation as accepted by
// the remote. ackVersion is the remote version assigned to the write, zero
// when the adapter does not report one.
func (m *Mirror) Confirm(collectionID types.CollectionID, id types.DocumentID, correlation types.CorrelationID, ackVersion uint64) Status {
	coll := m.collection(collectionID)
	e := coll.entry(id)

	e.mu.Lock()
	if e.pending == nil || e.pending.Correlation != correlation {
		e.mu.Unlock()
		return StatusIgnored
	}

	e.doc.Generation = types.GenerationConfirmed
	// Pushes older than the acknowledged write predate it; the echo of the
	// write itself carries ackVersion and must still be applied.
	if ackVersion > 0 && ackVersion-1 > e.doc.SourceVersion {
		e.doc.SourceVersion = ackVersion - 1
	}
	e.pending.resolve(OutcomeConfirmed)
	e.pending = nil
	pendingDocuments.WithLabelValues(string(collectionID)).Dec()

	events := []Event{m.event(e, CauseConfirm)}
	events = append(events, m.replayLocked(coll, e)...)
	e.mu.Unlock()

	m.emit(events)
	return StatusConfirmed
}

// Rollback reverts the pending write identified by failed by applying
// inverse as a new pending generation tagged with rollback. The returned
// handle resolves when the rollback write is confirmed or abandoned.
func (m *Mirror) Rollback(collectionID types.CollectionID, id types.DocumentID, failed types.CorrelationID, inverse types.Patch, rollback types.CorrelationID) (*Pending, error) {
	coll := m.collection(collectionID)
	e := coll.entry(id)

	e.mu.Lock()
	if e.pending == nil || e.pending.Correlation != failed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s on %s/%s", ErrNotPending, failed, collectionID, id)
	}

	reverted, err := inverse.Apply(e.doc, e.exists)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	reverted.Version = e.doc.Version + 1
	reverted.Generation = types.GenerationPending
	reverted.UpdatedAt = m.now()
	e.doc = reverted
	coll.bump()

	e.pending.resolve(OutcomeRolledBack)
	e.pending = newPending(rollback)
	handle := e.pending

	events := []Event{m.event(e, CauseRollback)}
	e.mu.Unlock()

	m.emit(events)
	return handle, nil
}

// Abandon clears a pending write that will never be confirmed. The local
// value is kept until the buffered or next remote push replaces it.
func (m *Mirror) Abandon(collectionID types.CollectionID, id types.DocumentID, correlation types.CorrelationID) Status {
	coll := m.collection(collectionID)
	e := coll.entry(id)

	e.mu.Lock()
	if e.pending == nil || e.pending.Correlation != correlation {
		e.mu.Unlock()
		return StatusIgnored
	}
	e.doc.Generation = types.GenerationConfirmed
	e.pending.resolve(OutcomeAbandoned)
	e.pending = nil
	pendingDocuments.WithLabelValues(string(collectionID)).Dec()

	events := []Event{m.event(e, CauseAbandon)}
	events = append(events, m.replayLocked(coll, e)...)
	e.mu.Unlock()

	m.emit(events)
	return StatusAbandoned
}

// Read returns the live documents of a collection in first-seen order.
// Tombstones are omitted.
func (m *Mirror) Read(collectionID types.CollectionID) []types.Document {
	return m.read(collectionID, false)
}

// Export returns every tracked document of a collection, tombstones
// included, as last confirmed or optimistically applied.
func (m *Mirror) Export(collectionID types.CollectionID) []types.Document {
	return m.read(collectionID, true)
}

func (m *Mirror) read(collectionID types.CollectionID, includeDeleted bool) []types.Document {
	m.mu.RLock()
	coll, ok := m.collections[collectionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	coll.mu.RLock()
	order := append([]types.DocumentID(nil), coll.order...)
	entries := make([]*entry, len(order))
	for i, id := range order {
		entries[i] = coll.docs[id]
	}
	coll.mu.RUnlock()

	result := make([]types.Document, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.exists && (includeDeleted || !e.doc.Deleted) {
			result = append(result, e.doc.Clone())
		}
		e.mu.Unlock()
	}
	return result
}

// Get returns a single live document.
func (m *Mirror) Get(collectionID types.CollectionID, id types.DocumentID) (types.Document, bool) {
	m.mu.RLock()
	coll, ok := m.collections[collectionID]
	m.mu.RUnlock()
	if !ok {
		return types.Document{}, false
	}
	coll.mu.RLock()
	e, ok := coll.docs[id]
	coll.mu.RUnlock()
	if !ok {
		return types.Document{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists || e.doc.Deleted {
		return types.Document{}, false
	}
	return e.doc.Clone(), true
}

// Version returns the mirror-assigned version of a document, zero when the
// document has never been seen.
func (m *Mirror) Version(collectionID types.CollectionID, id types.DocumentID) uint64 {
	m.mu.RLock()
	coll, ok := m.collections[collectionID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	coll.mu.RLock()
	e, ok := coll.docs[id]
	coll.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Version
}

// Changes reports how many changes a collection has absorbed.
func (m *Mirror) Changes(collectionID types.CollectionID) uint64 {
	m.mu.RLock()
	coll, ok := m.collections[collectionID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	coll.mu.RLock()
	defer coll.mu.RUnlock()
	return coll.changes
}

// Restore seeds documents that the mirror has not seen yet, typically from a
// snapshot taken by a previous process. Known documents are left untouched.
func (m *Mirror) Restore(collectionID types.CollectionID, docs []types.Document) int {
	coll := m.collection(collectionID)
	restored := 0
	for _, doc := range docs {
		e := coll.entry(doc.ID)
		e.mu.Lock()
		if !e.exists {
			coll.registerLocked(doc.ID)
			e.doc = doc.Clone()
			e.doc.Collection = collectionID
			e.doc.Generation = types.GenerationConfirmed
			e.exists = true
			restored++
		}
		e.mu.Unlock()
	}
	return restored
}

func (m *Mirror) applyRemoteLocked(coll *collection, e *entry, change types.Change) Status {
	if e.exists && change.SourceVersion <= e.doc.SourceVersion {
		return StatusStale
	}
	if e.exists && sameContent(e.doc, change) {
		// Echoes of our own writes only advance the high-water mark.
		e.doc.SourceVersion = change.SourceVersion
		e.doc.Generation = types.GenerationConfirmed
		return StatusApplied
	}
	if !e.exists {
		coll.registerLocked(change.ID)
	}

	doc := types.Document{
		Collection:    change.Collection,
		ID:            change.ID,
		Deleted:       change.Tombstone,
		Version:       e.doc.Version + 1,
		SourceVersion: change.SourceVersion,
		Generation:    types.GenerationConfirmed,
		UpdatedAt:     m.now(),
	}
	if !change.Tombstone {
		doc.Fields = change.Fields.Clone()
		if doc.Fields == nil {
			doc.Fields = types.Fields{}
		}
	}
	e.doc = doc
	e.exists = true
	coll.bump()
	return StatusApplied
}

func sameContent(doc types.Document, change types.Change) bool {
	if doc.Deleted || change.Tombstone {
		return doc.Deleted == change.Tombstone
	}
	if len(doc.Fields) != len(change.Fields) {
		return false
	}
	if len(doc.Fields) == 0 {
		return true
	}
	return reflect.DeepEqual(doc.Fields, change.Fields)
}

// replayLocked applies pushes that arrived while the document was pending,
// in arrival order.
func (m *Mirror) replayLocked(coll *collection, e *entry) []Event {
	if len(e.buffered) == 0 {
		return nil
	}
	queue := e.buffered
	e.buffered = nil
	bufferedPushes.WithLabelValues(string(coll.id)).Sub(float64(len(queue)))

	var events []Event
	for _, change := range queue {
		status := m.applyRemoteLocked(coll, e, change)
		pushesTotal.WithLabelValues(string(coll.id), "replayed_"+string(status)).Inc()
		if status == StatusApplied {
			events = append(events, m.event(e, CauseRemote))
		}
	}
	m.logger.Debug().
		Str("collection", string(coll.id)).
		Str("document", string(e.doc.ID)).
		Int("count", len(queue)).
		Msg("replayed buffered pushes")
	return events
}

func (m *Mirror) collection(id types.CollectionID) *collection {
	m.mu.RLock()
	coll, ok := m.collections[id]
	m.mu.RUnlock()
	if ok {
		return coll
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if coll, ok = m.collections[id]; ok {
		return coll
	}
	coll = &collection{id: id, docs: make(map[types.DocumentID]*entry)}
	m.collections[id] = coll
	return coll
}

func (c *collection) entry(id types.DocumentID) *entry {
	c.mu.RLock()
	e, ok := c.docs[id]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.docs[id]; ok {
		return e
	}
	e = &entry{doc: types.Document{Collection: c.id, ID: id}}
	c.docs[id] = e
	return e
}

// registerLocked appends a document to the read order the first time it
// materializes. Called with the entry lock held; takes the collection lock.
func (c *collection) registerLocked(id types.DocumentID) {
	c.mu.Lock()
	c.order = append(c.order, id)
	documentCount.WithLabelValues(string(c.id)).Set(float64(len(c.order)))
	c.mu.Unlock()
}

func (c *collection) bump() {
	c.mu.Lock()
	c.changes++
	c.mu.Unlock()
}
