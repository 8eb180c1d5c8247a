package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/hermes-sync/internal/types"
)

// Fault decides whether a write should fail. A nil return lets it through.
type Fault func(collection types.CollectionID, id types.DocumentID, patch types.Patch) error

// Write records a write the Memory store received.
type Write struct {
	Collection  types.CollectionID
	ID          types.DocumentID
	Patch       types.Patch
	Correlation types.CorrelationID
	Version     uint64
}

type memoryDoc struct {
	doc     types.Document
	version uint64
}

// Memory is an in-process remote store. It assigns a monotonically
// increasing version per collection and echoes every accepted write on the
// change feed, which makes it a faithful stand-in for tests and local runs.
type Memory struct {
	mu       sync.Mutex
	docs     map[types.CollectionID]map[types.DocumentID]*memoryDoc
	order    map[types.CollectionID][]types.DocumentID
	versions map[types.CollectionID]uint64
	feeds    map[types.CollectionID][]*feed
	writes   []Write

	fault  Fault
	hold   chan struct{}
	noEcho bool
	closed bool
}

// NewMemory constructs an empty store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[types.CollectionID]map[types.DocumentID]*memoryDoc),
		order:    make(map[types.CollectionID][]types.DocumentID),
		versions: make(map[types.CollectionID]uint64),
		feeds:    make(map[types.CollectionID][]*feed),
	}
}

// SetFault installs a fault injector for subsequent writes.
func (m *Memory) SetFault(f Fault) {
	m.mu.Lock()
	m.fault = f
	m.mu.Unlock()
}

// RejectAll makes every write fail with ErrRejected.
func (m *Memory) RejectAll() {
	m.SetFault(func(types.CollectionID, types.DocumentID, types.Patch) error {
		return ErrRejected
	})
}

// HoldAcks blocks writes until ReleaseAcks is called or the write context
// expires, simulating an unresponsive backend.
func (m *Memory) HoldAcks() {
	m.mu.Lock()
	if m.hold == nil {
		m.hold = make(chan struct{})
	}
	m.mu.Unlock()
}

// ReleaseAcks lets held writes proceed.
func (m *Memory) ReleaseAcks() {
	m.mu.Lock()
	if m.hold != nil {
		close(m.hold)
		m.hold = nil
	}
	m.mu.Unlock()
}

// SuppressEcho stops accepted writes from appearing on the change feed.
func (m *Memory) SuppressEcho(suppress bool) {
	m.mu.Lock()
	m.noEcho = suppress
	m.mu.Unlock()
}

// Writes returns the accepted writes in order.
func (m *Memory) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

// WriteDocument applies patch to the stored document.
func (m *Memory) WriteDocument(ctx context.Context, collection types.CollectionID, id types.DocumentID, patch types.Patch, correlation types.CorrelationID) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	m.mu.Lock()
	fault, hold := m.fault, m.hold
	m.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		}
	}
	if fault != nil {
		if err := fault(collection, id, patch); err != nil {
			return Ack{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Ack{}, ErrClosed
	}

	change, err := m.applyLocked(collection, id, patch, correlation)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	m.writes = append(m.writes, Write{Collection: collection, ID: id, Patch: patch, Correlation: correlation, Version: change.SourceVersion})
	if !m.noEcho {
		m.publishLocked(change)
	}
	return Ack{Version: change.SourceVersion, CorrelationID: correlation}, nil
}

// Put writes fields as another client would, without a correlation id.
func (m *Memory) Put(collection types.CollectionID, id types.DocumentID, fields types.Fields) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	change, _ := m.applyLocked(collection, id, types.Restore(fields), "")
	m.publishLocked(change)
	return change.SourceVersion
}

// Remove tombstones a document as another client would.
func (m *Memory) Remove(collection types.CollectionID, id types.DocumentID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	change, _ := m.applyLocked(collection, id, types.Delete(), "")
	m.publishLocked(change)
	return change.SourceVersion
}

// Document returns the stored document.
func (m *Memory) Document(collection types.CollectionID, id types.DocumentID) (types.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[collection][id]
	if !ok || d.doc.Deleted {
		return types.Document{}, false
	}
	return d.doc.Clone(), true
}

// Subscribe streams every stored document followed by live changes.
func (m *Memory) Subscribe(ctx context.Context, collection types.CollectionID) (<-chan types.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	f := newFeed(ctx)
	for _, id := range m.order[collection] {
		d := m.docs[collection][id]
		f.push(changeFor(d.doc, d.version, ""))
	}
	m.feeds[collection] = append(m.feeds[collection], f)
	return f.out, nil
}

// Close stops accepting writes and subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) applyLocked(collection types.CollectionID, id types.DocumentID, patch types.Patch, correlation types.CorrelationID) (types.Change, error) {
	docs := m.docs[collection]
	if docs == nil {
		docs = make(map[types.DocumentID]*memoryDoc)
		m.docs[collection] = docs
	}
	current, exists := docs[id]
	base := types.Document{Collection: collection, ID: id}
	if exists {
		base = current.doc
	}

	next, err := patch.Apply(base, exists)
	if err != nil {
		return types.Change{}, err
	}

	m.versions[collection]++
	version := m.versions[collection]
	if !exists {
		current = &memoryDoc{}
		docs[id] = current
		m.order[collection] = append(m.order[collection], id)
	}
	current.doc = next
	current.version = version
	return changeFor(next, version, correlation), nil
}

func (m *Memory) publishLocked(change types.Change) {
	live := m.feeds[change.Collection][:0]
	for _, f := range m.feeds[change.Collection] {
		if f.closed() {
			continue
		}
		f.push(change)
		live = append(live, f)
	}
	m.feeds[change.Collection] = live
}

func changeFor(doc types.Document, version uint64, correlation types.CorrelationID) types.Change {
	return types.Change{
		Collection:    doc.Collection,
		ID:            doc.ID,
		Fields:        doc.Fields.Clone(),
		Tombstone:     doc.Deleted,
		SourceVersion: version,
		CorrelationID: correlation,
	}
}
