package types

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// PatchKind tags the variant carried by a Patch.
type PatchKind string

const (
	PatchNoop       PatchKind = "noop"
	PatchSetField   PatchKind = "set_field"
	PatchAppendItem PatchKind = "append_item"
	PatchDelete     PatchKind = "delete"
	PatchRestore    PatchKind = "restore"
)

var (
	// ErrInvalidPatch is returned when a patch is malformed or cannot be
	// applied to the current document shape.
	ErrInvalidPatch = errors.New("invalid patch")
)

// Patch is a field-level change. Only the members relevant to Kind are set:
// SetField uses Set and Unset, AppendItem uses Field and Item, Restore uses
// Fields, Delete and Noop carry nothing.
type Patch struct {
	Kind   PatchKind `json:"kind"`
	Set    Fields    `json:"set,omitempty"`
	Unset  []string  `json:"unset,omitempty"`
	Field  string    `json:"field,omitempty"`
	Item   any       `json:"item,omitempty"`
	Fields Fields    `json:"fields,omitempty"`
}

// SetField sets a single field.
func SetField(field string, value any) Patch {
	return Patch{Kind: PatchSetField, Set: Fields{field: value}}
}

// SetFields sets several fields and removes the unset ones in one patch.
func SetFields(values Fields, unset ...string) Patch {
	return Patch{Kind: PatchSetField, Set: values.Clone(), Unset: append([]string(nil), unset...)}
}

// AppendItem appends item to the list stored under field.
func AppendItem(field string, item any) Patch {
	return Patch{Kind: PatchAppendItem, Field: field, Item: item}
}

// Delete tombstones the document.
func Delete() Patch {
	return Patch{Kind: PatchDelete}
}

// Restore brings a document back with exactly the given fields.
func Restore(fields Fields) Patch {
	return Patch{Kind: PatchRestore, Fields: fields.Clone()}
}

// Noop changes nothing.
func Noop() Patch {
	return Patch{Kind: PatchNoop}
}

// IsNoop reports whether applying the patch is a no-op.
func (p Patch) IsNoop() bool {
	return p.Kind == PatchNoop || p.Kind == ""
}

// Validate checks the variant is well formed.
func (p Patch) Validate() error {
	switch p.Kind {
	case PatchNoop, "", PatchDelete:
		return nil
	case PatchSetField:
		if len(p.Set) == 0 && len(p.Unset) == 0 {
			return fmt.Errorf("%w: set_field without fields", ErrInvalidPatch)
		}
		for _, k := range p.Unset {
			if _, ok := p.Set[k]; ok {
				return fmt.Errorf("%w: field %q both set and unset", ErrInvalidPatch, k)
			}
		}
		return nil
	case PatchAppendItem:
		if p.Field == "" {
			return fmt.Errorf("%w: append_item without field", ErrInvalidPatch)
		}
		return nil
	case PatchRestore:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPatch, p.Kind)
	}
}

// Apply returns the document that results from applying the patch to doc.
// exists reports whether doc is present at all; a tombstoned document counts
// as present but deleted. Version bookkeeping is left to the caller.
func (p Patch) Apply(doc Document, exists bool) (Document, error) {
	if err := p.Validate(); err != nil {
		return doc, err
	}
	out := doc.Clone()

	switch p.Kind {
	case PatchNoop, "":
		return out, nil
	case PatchSetField:
		if !exists || out.Deleted || out.Fields == nil {
			out.Fields = Fields{}
			out.Deleted = false
		}
		for k, v := range p.Set {
			out.Fields[k] = cloneValue(v)
		}
		for _, k := range p.Unset {
			delete(out.Fields, k)
		}
	case PatchAppendItem:
		if !exists || out.Deleted || out.Fields == nil {
			out.Fields = Fields{}
			out.Deleted = false
		}
		current, ok := out.Fields[p.Field]
		var list []any
		if ok && current != nil {
			existing, isList := current.([]any)
			if !isList {
				return doc, fmt.Errorf("%w: field %q is not a list", ErrInvalidPatch, p.Field)
			}
			list = existing
		}
		out.Fields[p.Field] = append(list, cloneValue(p.Item))
	case PatchDelete:
		out.Deleted = true
		out.Fields = nil
	case PatchRestore:
		out.Deleted = false
		out.Fields = p.Fields.Clone()
		if out.Fields == nil {
			out.Fields = Fields{}
		}
	}
	return out, nil
}

// Inverse builds the patch that undoes p when applied to the document that p
// produced from before. It only restores what p touched.
func (p Patch) Inverse(before Document, exists bool) Patch {
	live := exists && !before.Deleted

	switch p.Kind {
	case PatchSetField:
		if !live {
			return Delete()
		}
		inv := Patch{Kind: PatchSetField, Set: Fields{}}
		for _, k := range touchedKeys(p) {
			if old, ok := before.Fields[k]; ok {
				inv.Set[k] = cloneValue(old)
			} else {
				inv.Unset = append(inv.Unset, k)
			}
		}
		if len(inv.Set) == 0 {
			inv.Set = nil
		}
		return inv
	case PatchAppendItem:
		if !live {
			return Delete()
		}
		if old, ok := before.Fields[p.Field]; ok {
			return Patch{Kind: PatchSetField, Set: Fields{p.Field: cloneValue(old)}}
		}
		return Patch{Kind: PatchSetField, Unset: []string{p.Field}}
	case PatchDelete:
		if !live {
			return Noop()
		}
		return Restore(before.Fields)
	case PatchRestore:
		if !live {
			return Delete()
		}
		return restoreInverse(before.Fields, p.Fields)
	default:
		return Noop()
	}
}

// Touches reports the fields a patch writes. Delete and Restore touch the
// whole document and report nil.
func (p Patch) Touches() []string {
	switch p.Kind {
	case PatchSetField:
		return touchedKeys(p)
	case PatchAppendItem:
		return []string{p.Field}
	default:
		return nil
	}
}

// restoreInverse puts back the fields a restore replaced. Fields the restore
// left unchanged are not touched.
func restoreInverse(before, after Fields) Patch {
	inv := Patch{Kind: PatchSetField, Set: Fields{}}
	for k, old := range before {
		if v, ok := after[k]; ok && reflect.DeepEqual(v, old) {
			continue
		}
		inv.Set[k] = cloneValue(old)
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			inv.Unset = append(inv.Unset, k)
		}
	}
	if len(inv.Set) == 0 && len(inv.Unset) == 0 {
		return Noop()
	}
	if len(inv.Set) == 0 {
		inv.Set = nil
	}
	sort.Strings(inv.Unset)
	return inv
}

func touchedKeys(p Patch) []string {
	keys := make([]string, 0, len(p.Set)+len(p.Unset))
	for k := range p.Set {
		keys = append(keys, k)
	}
	keys = append(keys, p.Unset...)
	sort.Strings(keys)
	return keys
}
