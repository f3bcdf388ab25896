package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dan-strohschein/docmigrate/docerr"
)

// Section keys of a dumped document.
const (
	sectionFields     = "fields"
	sectionParameters = "parameters"
	sectionIndexes    = "indexes"
)

// Dump converts the schema to its generic tree form:
//
//	{"Doc": {"fields": {...}, "parameters": {...}, "indexes": {...}}}
//
// The tree shares nothing with the schema.
func (s Schema) Dump() map[string]interface{} {
	tree := make(map[string]interface{}, len(s))
	for name, doc := range s {
		if doc == nil {
			doc = NewDocument()
		}
		fields := make(map[string]interface{}, len(doc.Fields))
		for fname, f := range doc.Fields {
			fields[fname] = deepCopyMap(f)
		}
		indexes := make(map[string]interface{}, len(doc.Indexes))
		for iname, idx := range doc.Indexes {
			indexes[iname] = deepCopyMap(idx)
		}
		tree[name] = map[string]interface{}{
			sectionFields:     fields,
			sectionParameters: deepCopyMap(doc.Parameters),
			sectionIndexes:    indexes,
		}
	}
	return tree
}

// Load builds a schema from its tree form. Values are normalized so that
// trees decoded from BSON, JSON or YAML produce equal schemas.
func Load(tree map[string]interface{}) (Schema, error) {
	s := make(Schema, len(tree))
	for name, raw := range tree {
		docTree, ok := asMap(raw)
		if !ok {
			return nil, docerr.Schema("document %q must be a mapping, got %T", name, raw)
		}
		doc := NewDocument()

		fields, err := section(name, docTree, sectionFields)
		if err != nil {
			return nil, err
		}
		for fname, fraw := range fields {
			f, ok := asMap(fraw)
			if !ok {
				return nil, docerr.Schema("field %s.%s must be a mapping, got %T", name, fname, fraw)
			}
			doc.Fields[fname] = FieldSchema(Normalize(f).(map[string]interface{}))
		}

		params, err := section(name, docTree, sectionParameters)
		if err != nil {
			return nil, err
		}
		doc.Parameters = Parameters(Normalize(params).(map[string]interface{}))

		indexes, err := section(name, docTree, sectionIndexes)
		if err != nil {
			return nil, err
		}
		for iname, iraw := range indexes {
			idx, ok := asMap(iraw)
			if !ok {
				return nil, docerr.Schema("index %s.%s must be a mapping, got %T", name, iname, iraw)
			}
			doc.Indexes[iname] = IndexSchema(Normalize(idx).(map[string]interface{}))
		}

		s[name] = doc
	}
	return s, nil
}

func section(docName string, docTree map[string]interface{}, key string) (map[string]interface{}, error) {
	raw, ok := docTree[key]
	if !ok || raw == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := asMap(raw)
	if !ok {
		return nil, docerr.Schema("%s of document %q must be a mapping, got %T", key, docName, raw)
	}
	return m, nil
}

// Equal reports whether two schemas are equal. Missing and empty
// sections compare equal.
func Equal(a, b Schema) bool {
	return cmp.Equal(a.Dump(), b.Dump(), cmpopts.EquateEmpty())
}

// Describe renders a readable difference between two schemas, empty
// when they are equal.
func Describe(a, b Schema) string {
	return cmp.Diff(a.Dump(), b.Dump(), cmpopts.EquateEmpty())
}

// ValuesEqual compares two normalized schema values.
func ValuesEqual(a, b interface{}) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}

// Normalize converts a decoded value into the canonical representation
// used inside schemas: maps become map[string]interface{}, lists become
// []interface{}, integers int64 and floats float64. Integral floats that
// came from JSON stay floats unless they were decoded as json.Number.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case bson.M:
		return Normalize(map[string]interface{}(t))
	case FieldSchema:
		return Normalize(map[string]interface{}(t))
	case Parameters:
		return Normalize(map[string]interface{}(t))
	case IndexSchema:
		return Normalize(map[string]interface{}(t))
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = Normalize(val)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = Normalize(e.Value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case bson.A:
		return Normalize([]interface{}(t))
	case []string:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return float64(t)
		}
		return int64(t)
	case float32:
		return float64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case bson.M:
		return t, true
	case bson.D:
		return t.Map(), true
	case map[interface{}]interface{}:
		m, _ := Normalize(t).(map[string]interface{})
		return m, true
	}
	return nil, false
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case FieldSchema:
		return deepCopyMap(t)
	case Parameters:
		return deepCopyMap(t)
	case IndexSchema:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
