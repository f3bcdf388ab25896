// Package fields knows, per field type, which schema attributes exist
// and how a change of each attribute is carried out on stored data. It
// also holds the type conversion table used when a field changes its
// type.
package fields

import (
	"context"
	"sort"
	"sync"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/updater"
)

// Hook applies one attribute change to the database.
type Hook func(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error

// Converter converts stored values of a field from one type to another.
type Converter func(ctx context.Context, h *Handler, u updater.DocumentUpdater) error

// Type describes one field type: its attributes and their hooks. A nil
// hook means the attribute never touches data.
type Type struct {
	Key    string
	Parent string
	Hooks  map[string]Hook
}

// Keys returns the attribute names of the type, sorted.
func (t *Type) Keys() []string {
	keys := make([]string, 0, len(t.Hooks))
	for k := range t.Hooks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasKey reports whether attr is an attribute of the type.
func (t *Type) HasKey(attr string) bool {
	_, ok := t.Hooks[attr]
	return ok
}

// Skeleton returns a field schema with every attribute of the type
// unset except type_key.
func (t *Type) Skeleton() schema.FieldSchema {
	f := make(schema.FieldSchema, len(t.Hooks))
	for k := range t.Hooks {
		f[k] = nil
	}
	f[schema.KeyTypeKey] = t.Key
	return f
}

// Registry maps type keys to field types and holds the conversion
// matrix between them.
type Registry struct {
	types  map[string]*Type
	matrix map[string]map[string]Converter
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:  make(map[string]*Type),
		matrix: make(map[string]map[string]Converter),
	}
}

// Register adds a field type to the registry.
func (r *Registry) Register(t *Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Key] = t
}

// Get retrieves a field type by key.
func (r *Registry) Get(key string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, exists := r.types[key]
	return t, exists
}

// Has checks if a type key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.types[key]
	return exists
}

// Keys returns all registered type keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.types))
	for k := range r.types {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetConverter sets the converter used from one type key to another.
func (r *Registry) SetConverter(from, to string, c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.matrix[from]
	if !ok {
		row = make(map[string]Converter)
		r.matrix[from] = row
	}
	row[to] = c
}

// SetConverters sets a whole matrix row.
func (r *Registry) SetConverters(from string, row map[string]Converter) {
	for to, c := range row {
		r.SetConverter(from, to, c)
	}
}

// Converter returns the converter from one type to another. Both the row
// and the column fall back to the parent type when missing. Conversion
// to the same type does nothing, conversion to BooleanField is always
// possible.
func (r *Registry) Converter(from, to string) (Converter, error) {
	if from == to {
		return nothing, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for f := from; f != ""; f = r.parentOf(f) {
		row, ok := r.matrix[f]
		if !ok {
			continue
		}
		for t := to; t != ""; t = r.parentOf(t) {
			if c, ok := row[t]; ok {
				return c, nil
			}
		}
	}

	if to == BooleanField {
		return convertBool, nil
	}
	return nil, docerr.Migration("converter from %s to %s not found", from, to)
}

func (r *Registry) parentOf(key string) string {
	if t, ok := r.types[key]; ok {
		return t.Parent
	}
	return ""
}

// Handler returns a handler for a field of type typeKey whose schema
// changes from left to right.
func (r *Registry) Handler(typeKey string, left, right schema.FieldSchema) (*Handler, error) {
	t, ok := r.Get(typeKey)
	if !ok {
		return nil, docerr.Schema("unknown field type %q", typeKey)
	}
	return &Handler{registry: r, typ: t, left: left, right: right}, nil
}

// Default holds the built-in field types and conversions.
var Default = NewRegistry()

// NewHandler returns a handler from the Default registry.
func NewHandler(typeKey string, left, right schema.FieldSchema) (*Handler, error) {
	return Default.Handler(typeKey, left, right)
}

// Handler carries out attribute changes of one field.
type Handler struct {
	registry *Registry
	typ      *Type
	left     schema.FieldSchema
	right    schema.FieldSchema
}

// TypeKey returns the type key the handler was created for.
func (h *Handler) TypeKey() string { return h.typ.Key }

// Type returns the field type.
func (h *Handler) Type() *Type { return h.typ }

// Left is the field schema before the change.
func (h *Handler) Left() schema.FieldSchema { return h.left }

// Right is the field schema after the change.
func (h *Handler) Right() schema.FieldSchema { return h.right }

// Registry returns the registry the handler came from.
func (h *Handler) Registry() *Registry { return h.registry }

// Diff returns the change of attr between left and right; missing
// attributes are Unset.
func (h *Handler) Diff(attr string) AlterDiff {
	return AlterDiff{Old: attrValue(h.left, attr), New: attrValue(h.right, attr)}
}

func attrValue(f schema.FieldSchema, attr string) interface{} {
	if v, ok := f[attr]; ok {
		return v
	}
	return Unset
}

// Change runs the hook of attr for diff.
func (h *Handler) Change(ctx context.Context, u updater.DocumentUpdater, attr string, diff AlterDiff) error {
	hook, ok := h.typ.Hooks[attr]
	if !ok {
		return docerr.Migration("unknown attribute %q of %s", attr, h.typ.Key)
	}
	if hook == nil {
		return nil
	}
	return hook(ctx, h, u, diff)
}

// ConvertType converts stored values of the updater's field.
func (h *Handler) ConvertType(ctx context.Context, u updater.DocumentUpdater, from, to string) error {
	c, err := h.registry.Converter(from, to)
	if err != nil {
		return err
	}
	return c(ctx, h, u)
}
