package action

import (
	"sort"
	"sync"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
)

// Level tells the compiler what an action type is keyed by.
type Level int

const (
	// LevelDocument types are asked once per document type
	LevelDocument Level = iota
	// LevelField types are asked per document type and field name
	LevelField
	// LevelIndex types are asked per document type and index name
	LevelIndex
	// LevelManual types are never produced by the compiler
	LevelManual
)

// DocumentBuilder returns an action when it claims the change of a
// document type between left and right, nil otherwise.
type DocumentBuilder func(documentType string, left, right schema.Schema) Action

// MemberBuilder is the builder of field and index level action types;
// name is the field or index name.
type MemberBuilder func(documentType, name string, left, right schema.Schema) Action

// Type describes an action type.
type Type struct {
	Name     string
	Priority int
	Level    Level

	// Document is set for LevelDocument types
	Document DocumentBuilder

	// Member is set for LevelField and LevelIndex types
	Member MemberBuilder

	// FromSpec rebuilds an action from its serialized form
	FromSpec func(Spec) (Action, error)
}

// Registry holds the known action types.
type Registry struct {
	types map[string]*Type
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Type)}
}

// Register adds an action type, replacing one of the same name.
func (r *Registry) Register(t *Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name] = t
}

// Get retrieves an action type by name.
func (r *Registry) Get(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Sorted returns the action types by ascending priority, ties broken by
// name.
func (r *Registry) Sorted() []*Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Type, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// FromSpec rebuilds an action from its serialized form.
func (r *Registry) FromSpec(s Spec) (Action, error) {
	t, ok := r.Get(s.Action)
	if !ok {
		return nil, docerr.Action(nil, "unknown action %q", s.Action)
	}
	if s.DocumentType == "" {
		return nil, docerr.Action(nil, "action %s has no document_type", s.Action)
	}
	a, err := t.FromSpec(s)
	if err != nil {
		return nil, err
	}
	if s.Dummy {
		if d, ok := a.(interface{ SetDummy(bool) }); ok {
			d.SetDummy(true)
		}
	}
	return a, nil
}

// Default holds the built-in action types.
var Default = NewRegistry()

// FromSpec rebuilds an action with the Default registry.
func FromSpec(s Spec) (Action, error) {
	return Default.FromSpec(s)
}

func init() {
	RegisterBuiltins(Default)
}

// RegisterBuiltins registers the built-in action types into r.
func RegisterBuiltins(r *Registry) {
	for _, embedded := range []bool{false, true} {
		embedded := embedded
		create, drop, rename := NameCreateDocument, NameDropDocument, NameRenameDocument
		createPrio, dropPrio, renamePrio := PriorityCreateDocument, PriorityDropDocument, PriorityRenameDocument
		if embedded {
			create, drop, rename = NameCreateEmbedded, NameDropEmbedded, NameRenameEmbedded
			createPrio, dropPrio, renamePrio = PriorityCreateEmbedded, PriorityDropEmbedded, PriorityRenameEmbedded
		}
		r.Register(&Type{
			Name: create, Priority: createPrio, Level: LevelDocument,
			Document: buildCreateDocument(embedded),
			FromSpec: func(s Spec) (Action, error) {
				if embedded {
					return NewCreateEmbedded(s.DocumentType, s.Parameters), nil
				}
				return NewCreateDocument(s.DocumentType, s.Parameters), nil
			},
		})
		r.Register(&Type{
			Name: drop, Priority: dropPrio, Level: LevelDocument,
			Document: buildDropDocument(embedded),
			FromSpec: func(s Spec) (Action, error) {
				if embedded {
					return NewDropEmbedded(s.DocumentType), nil
				}
				return NewDropDocument(s.DocumentType), nil
			},
		})
		r.Register(&Type{
			Name: rename, Priority: renamePrio, Level: LevelDocument,
			Document: buildRenameDocument(embedded),
			FromSpec: func(s Spec) (Action, error) {
				newName, err := requireString(s, ParamNewName)
				if err != nil {
					return nil, err
				}
				if embedded {
					return NewRenameEmbedded(s.DocumentType, newName), nil
				}
				return NewRenameDocument(s.DocumentType, newName), nil
			},
		})
	}
	r.Register(&Type{
		Name: NameAlterDocument, Priority: PriorityAlterDocument, Level: LevelDocument,
		Document: buildAlterDocument,
		FromSpec: func(s Spec) (Action, error) { return NewAlterDocument(s.DocumentType, s.Parameters), nil },
	})
	r.Register(&Type{
		Name: NameAlterEmbedded, Priority: PriorityAlterEmbedded, Level: LevelDocument,
		Document: buildAlterEmbedded,
		FromSpec: func(s Spec) (Action, error) { return NewAlterEmbedded(s.DocumentType, s.Parameters), nil },
	})

	r.Register(&Type{
		Name: NameCreateField, Priority: PriorityField, Level: LevelField,
		Member: buildCreateField,
		FromSpec: func(s Spec) (Action, error) {
			if err := requireMember(s, s.FieldName, "field_name"); err != nil {
				return nil, err
			}
			return NewCreateField(s.DocumentType, s.FieldName, s.Parameters), nil
		},
	})
	r.Register(&Type{
		Name: NameDropField, Priority: PriorityField, Level: LevelField,
		Member: buildDropField,
		FromSpec: func(s Spec) (Action, error) {
			if err := requireMember(s, s.FieldName, "field_name"); err != nil {
				return nil, err
			}
			return NewDropField(s.DocumentType, s.FieldName), nil
		},
	})
	r.Register(&Type{
		Name: NameAlterField, Priority: PriorityField, Level: LevelField,
		Member: buildAlterField,
		FromSpec: func(s Spec) (Action, error) {
			if err := requireMember(s, s.FieldName, "field_name"); err != nil {
				return nil, err
			}
			return NewAlterField(s.DocumentType, s.FieldName, s.Parameters), nil
		},
	})
	r.Register(&Type{
		Name: NameRenameField, Priority: PriorityRenameField, Level: LevelField,
		Member: buildRenameField,
		FromSpec: func(s Spec) (Action, error) {
			if err := requireMember(s, s.FieldName, "field_name"); err != nil {
				return nil, err
			}
			newName, err := requireString(s, ParamNewName)
			if err != nil {
				return nil, err
			}
			return NewRenameField(s.DocumentType, s.FieldName, newName), nil
		},
	})

	r.Register(&Type{
		Name: NameCreateIndex, Priority: PriorityCreateIndex, Level: LevelIndex,
		Member: buildCreateIndex,
		FromSpec: func(s Spec) (Action, error) {
			if err := requireMember(s, s.IndexName, "index_name"); err != nil {
				return nil, err
			}
			return NewCreateIndex(s.DocumentType, s.IndexName, s.Parameters), nil
		},
	})
	r.Register(&Type{
		Name: NameDropIndex, Priority: PriorityDropIndex, Level: LevelIndex,
		Member: buildDropIndex,
		FromSpec: func(s Spec) (Action, error) {
			if err := requireMember(s, s.IndexName, "index_name"); err != nil {
				return nil, err
			}
			return NewDropIndex(s.DocumentType, s.IndexName), nil
		},
	})
	r.Register(&Type{
		Name: NameAlterIndex, Priority: PriorityAlterIndex, Level: LevelIndex,
		Member: buildAlterIndex,
		FromSpec: func(s Spec) (Action, error) {
			if err := requireMember(s, s.IndexName, "index_name"); err != nil {
				return nil, err
			}
			return NewAlterIndex(s.DocumentType, s.IndexName, s.Parameters), nil
		},
	})

	r.Register(&Type{
		Name: NameRunFunc, Priority: PriorityField, Level: LevelManual,
		FromSpec: func(s Spec) (Action, error) {
			forward, _ := s.Parameters[ParamForward].(string)
			backward, _ := s.Parameters[ParamBackward].(string)
			return NewRegisteredRunFunc(s.DocumentType, forward, backward)
		},
	})
}

func requireString(s Spec, key string) (string, error) {
	v, _ := s.Parameters[key].(string)
	if v == "" {
		return "", docerr.Action(nil, "action %s(%s) requires parameter %s", s.Action, s.DocumentType, key)
	}
	return v, nil
}

func requireMember(s Spec, value, key string) error {
	if value == "" {
		return docerr.Action(nil, "action %s(%s) requires %s", s.Action, s.DocumentType, key)
	}
	return nil
}
