package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// CollectionID identifies a remote collection mirrored locally.
type CollectionID string

// DocumentID identifies a document inside a collection.
type DocumentID string

// CorrelationID ties an optimistic write to its remote acknowledgment.
type CorrelationID string

// Fields is the untyped body of a document as delivered by the remote store.
type Fields map[string]any

// Clone returns a deep copy of the fields. Nested maps and slices are copied
// so callers can never mutate mirror-owned state through a returned value.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Fields:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// Generation marks whether the mirrored value has been confirmed remotely.
type Generation string

const (
	GenerationConfirmed Generation = "remote-confirmed"
	GenerationPending   Generation = "optimistic-pending"
)

// DocumentKey is the composite identity of a document.
type DocumentKey struct {
	Collection CollectionID
	ID         DocumentID
}

func (k DocumentKey) String() string {
	return fmt.Sprintf("%s/%s", k.Collection, k.ID)
}

// Document is the mirror's view of one remote document. Version is assigned
// by the mirror and bumped whenever the content changes; SourceVersion is the
// highest remote version folded into the document.
type Document struct {
	Collection    CollectionID `json:"collection"`
	ID            DocumentID   `json:"id"`
	Fields        Fields       `json:"fields,omitempty"`
	Deleted       bool         `json:"deleted,omitempty"`
	Version       uint64       `json:"version"`
	SourceVersion uint64       `json:"source_version"`
	Generation    Generation   `json:"generation"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Key returns the composite identity of the document.
func (d Document) Key() DocumentKey {
	return DocumentKey{Collection: d.Collection, ID: d.ID}
}

// Clone returns a copy that shares no mutable state with the receiver.
func (d Document) Clone() Document {
	d.Fields = d.Fields.Clone()
	return d
}

// Change is a single push from the remote change feed. A tombstone carries no
// fields. CorrelationID is set when the change echoes one of our own writes.
type Change struct {
	Collection    CollectionID  `json:"collection"`
	ID            DocumentID    `json:"id"`
	Fields        Fields        `json:"fields,omitempty"`
	Tombstone     bool          `json:"tombstone,omitempty"`
	SourceVersion uint64        `json:"source_version"`
	CorrelationID CorrelationID `json:"correlation_id,omitempty"`
}

// MarshalBinary serializes a Change to JSON for byte-oriented transports.
func (c Change) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary deserializes a Change from its JSON representation.
func (c *Change) UnmarshalBinary(data []byte) error {
	type alias Change
	var payload alias
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode change: %w", err)
	}
	*c = Change(payload)
	return nil
}

// Origin records who issued a mutation.
type Origin string

const (
	OriginUser     Origin = "user"
	OriginUndo     Origin = "undo"
	OriginRollback Origin = "rollback"
)

// MutationIntent is a client-intended change to one document. Inverse is
// filled in when the intent is applied optimistically and restores exactly
// the fields the patch touched.
type MutationIntent struct {
	Collection    CollectionID  `json:"collection"`
	TargetID      DocumentID    `json:"target_id"`
	Patch         Patch         `json:"patch"`
	Inverse       Patch         `json:"inverse"`
	CorrelationID CorrelationID `json:"correlation_id"`
	IssuedAt      time.Time     `json:"issued_at"`
	Label         string        `json:"label,omitempty"`
	Origin        Origin        `json:"origin,omitempty"`
}

// Key returns the target document identity.
func (m MutationIntent) Key() DocumentKey {
	return DocumentKey{Collection: m.Collection, ID: m.TargetID}
}
