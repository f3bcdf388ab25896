package schema

import (
	"sort"
	"strings"

	"github.com/dan-strohschein/docmigrate/docerr"
)

// OpKind is the kind of a patch operation.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpRemove OpKind = "remove"
	OpChange OpKind = "change"
)

// Path addresses a node of the schema tree, e.g.
// ["Doc", "fields", "name", "db_field"].
type Path []string

// String returns the dotted form of the path.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Parent returns the path without its last key.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Key returns the last key of the path.
func (p Path) Key() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Op is a single structural change. Add carries the value in New,
// Remove the removed value in Old, Change both.
type Op struct {
	Kind OpKind      `json:"kind" bson:"kind"`
	Path Path        `json:"path" bson:"path"`
	Old  interface{} `json:"old,omitempty" bson:"old,omitempty"`
	New  interface{} `json:"new,omitempty" bson:"new,omitempty"`
}

// Patch is an ordered list of operations.
type Patch []Op

// Add returns an operation adding value at path.
func Add(path Path, value interface{}) Op {
	return Op{Kind: OpAdd, Path: path, New: value}
}

// Remove returns an operation removing the value at path.
func Remove(path Path, old interface{}) Op {
	return Op{Kind: OpRemove, Path: path, Old: old}
}

// Change returns an operation replacing old by new at path.
func Change(path Path, old, new interface{}) Op {
	return Op{Kind: OpChange, Path: path, Old: old, New: new}
}

// DocumentPath returns the path of a document type.
func DocumentPath(documentType string) Path {
	return Path{documentType}
}

// FieldPath returns the path of a field schema.
func FieldPath(documentType, fieldName string) Path {
	return Path{documentType, sectionFields, fieldName}
}

// ParametersPath returns the path of a document's parameters.
func ParametersPath(documentType string) Path {
	return Path{documentType, sectionParameters}
}

// IndexPath returns the path of an index definition.
func IndexPath(documentType, indexName string) Path {
	return Path{documentType, sectionIndexes, indexName}
}

// DocumentValue returns the tree form of a document, as used in add and
// remove operations on a document path.
func DocumentValue(doc *Document) map[string]interface{} {
	return Schema{"_": doc}.Dump()["_"].(map[string]interface{})
}

// Invert returns the patch undoing p: add and remove are swapped, old
// and new values are swapped and the order is reversed.
func (p Patch) Invert() Patch {
	inv := make(Patch, len(p))
	for i, op := range p {
		r := Op{Path: append(Path(nil), op.Path...), Old: op.New, New: op.Old}
		switch op.Kind {
		case OpAdd:
			r.Kind = OpRemove
		case OpRemove:
			r.Kind = OpAdd
		default:
			r.Kind = OpChange
		}
		inv[len(p)-1-i] = r
	}
	return inv
}

// Diff computes the patch transforming left into right. Keys are visited
// in sorted order so the result is deterministic.
func Diff(left, right Schema) Patch {
	var patch Patch
	diffMaps(nil, left.Dump(), right.Dump(), &patch)
	return patch
}

func diffMaps(base Path, left, right map[string]interface{}, patch *Patch) {
	keys := make([]string, 0, len(left)+len(right))
	for k := range left {
		keys = append(keys, k)
	}
	for k := range right {
		if _, ok := left[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := append(append(Path(nil), base...), k)
		lv, inLeft := left[k]
		rv, inRight := right[k]
		switch {
		case inLeft && !inRight:
			*patch = append(*patch, Remove(path, deepCopy(lv)))
		case !inLeft && inRight:
			*patch = append(*patch, Add(path, deepCopy(rv)))
		default:
			lm, lok := lv.(map[string]interface{})
			rm, rok := rv.(map[string]interface{})
			if lok && rok {
				diffMaps(path, lm, rm, patch)
				continue
			}
			if !ValuesEqual(lv, rv) {
				*patch = append(*patch, Change(path, deepCopy(lv), deepCopy(rv)))
			}
		}
	}
}

// Apply applies the patch to s and returns the resulting schema. s is
// left untouched. Operations referencing missing nodes fail with a
// schema error.
func Apply(patch Patch, s Schema) (Schema, error) {
	tree := s.Dump()
	for _, op := range patch {
		if err := applyOp(tree, op); err != nil {
			return nil, err
		}
	}
	return Load(tree)
}

// Apply is a convenience wrapper for Apply(p, s).
func (s Schema) Apply(patch Patch) (Schema, error) {
	return Apply(patch, s)
}

func applyOp(tree map[string]interface{}, op Op) error {
	if len(op.Path) == 0 {
		return docerr.Schema("%s operation has an empty path", op.Kind)
	}

	parent := tree
	for i, key := range op.Path.Parent() {
		next, ok := parent[key]
		if !ok {
			return docerr.Schema("cannot %s %s: %s does not exist", op.Kind, op.Path, op.Path[:i+1])
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return docerr.Schema("cannot %s %s: %s is not a mapping", op.Kind, op.Path, op.Path[:i+1])
		}
		parent = m
	}

	key := op.Path.Key()
	_, exists := parent[key]
	switch op.Kind {
	case OpAdd:
		if exists {
			return docerr.Schema("cannot add %s: key already exists", op.Path)
		}
		parent[key] = Normalize(deepCopy(op.New))
	case OpRemove:
		if !exists {
			return docerr.Schema("cannot remove %s: key does not exist", op.Path)
		}
		delete(parent, key)
	case OpChange:
		if !exists {
			return docerr.Schema("cannot change %s: key does not exist", op.Path)
		}
		parent[key] = Normalize(deepCopy(op.New))
	default:
		return docerr.Schema("unknown patch operation %q at %s", op.Kind, op.Path)
	}
	return nil
}
