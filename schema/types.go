// Package schema holds the schema snapshot model, its serialized forms
// and the structural diff/patch engine used to advance snapshots.
package schema

import (
	"sort"
	"strings"
)

const (
	// EmbeddedPrefix marks embedded document types, which have no
	// collection of their own.
	EmbeddedPrefix = "~"

	// NameSeparator joins the names of an inheritance chain, e.g.
	// "Animal->Dog".
	NameSeparator = "->"
)

// Well known field schema keys.
const (
	KeyTypeKey       = "type_key"
	KeyDBField       = "db_field"
	KeyTargetDoctype = "target_doctype"
	KeyDocumentType  = "document_type"
	KeyRequired      = "required"
	KeyPrimaryKey    = "primary_key"
	KeyDefault       = "default"
)

// Well known document parameters.
const (
	ParamCollection = "collection"
	ParamInherit    = "inherit"
	ParamDynamic    = "dynamic"
)

// FieldSchema is the flat attribute map describing one field.
type FieldSchema map[string]interface{}

// Parameters holds document level attributes such as the collection
// name or the inheritance flag.
type Parameters map[string]interface{}

// IndexSchema describes one index. The "fields" key holds a list of
// [key, direction] pairs, other keys are index options.
type IndexSchema map[string]interface{}

// Document is the schema of one document type.
type Document struct {
	Fields     map[string]FieldSchema
	Parameters Parameters
	Indexes    map[string]IndexSchema
}

// Schema maps document type names to their documents.
type Schema map[string]*Document

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		Fields:     map[string]FieldSchema{},
		Parameters: Parameters{},
		Indexes:    map[string]IndexSchema{},
	}
}

// Copy returns a deep copy of the document.
func (d *Document) Copy() *Document {
	if d == nil {
		return nil
	}
	c := NewDocument()
	for name, f := range d.Fields {
		c.Fields[name] = f.Copy()
	}
	for k, v := range d.Parameters {
		c.Parameters[k] = deepCopy(v)
	}
	for name, idx := range d.Indexes {
		c.Indexes[name] = IndexSchema(deepCopyMap(idx))
	}
	return c
}

// Collection returns the physical collection name, empty for embedded
// documents.
func (d *Document) Collection() string {
	s, _ := d.Parameters[ParamCollection].(string)
	return s
}

// Inherit reports whether the document participates in inheritance.
func (d *Document) Inherit() bool {
	b, _ := d.Parameters[ParamInherit].(bool)
	return b
}

// Dynamic reports whether the document accepts undeclared keys.
func (d *Document) Dynamic() bool {
	b, _ := d.Parameters[ParamDynamic].(bool)
	return b
}

// FieldNames returns the sorted field names.
func (d *Document) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Copy returns a deep copy of the field schema.
func (f FieldSchema) Copy() FieldSchema {
	if f == nil {
		return nil
	}
	return FieldSchema(deepCopyMap(f))
}

// TypeKey returns the field's type key.
func (f FieldSchema) TypeKey() string {
	s, _ := f[KeyTypeKey].(string)
	return s
}

// DBField returns the physical key name of the field.
func (f FieldSchema) DBField() string {
	s, _ := f[KeyDBField].(string)
	return s
}

// Target returns the embedded document type the field points to, if
// any.
func (f FieldSchema) Target() string {
	for _, key := range []string{KeyTargetDoctype, KeyDocumentType} {
		if s, ok := f[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Bool returns a boolean attribute, false when unset or not a bool.
func (f FieldSchema) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Copy returns a deep copy of the schema.
func (s Schema) Copy() Schema {
	c := make(Schema, len(s))
	for name, doc := range s {
		c[name] = doc.Copy()
	}
	return c
}

// Document returns the named document and whether it exists.
func (s Schema) Document(name string) (*Document, bool) {
	doc, ok := s[name]
	return doc, ok && doc != nil
}

// Field returns the schema of a field of a document type.
func (s Schema) Field(documentType, fieldName string) (FieldSchema, bool) {
	doc, ok := s.Document(documentType)
	if !ok {
		return nil, false
	}
	f, ok := doc.Fields[fieldName]
	return f, ok
}

// IsEmbedded reports whether the document type name denotes an embedded
// document.
func IsEmbedded(documentType string) bool {
	return strings.HasPrefix(documentType, EmbeddedPrefix)
}

// Depth returns the inheritance depth of a document type name.
func Depth(documentType string) int {
	return strings.Count(documentType, NameSeparator)
}

// ClassName returns the discriminator value stored in "_cls" for a
// document type: "~A->B" becomes "A.B".
func ClassName(documentType string) string {
	name := strings.TrimPrefix(documentType, EmbeddedPrefix)
	return strings.ReplaceAll(name, NameSeparator, ".")
}

// DocumentTypes returns the names of all document types found in any of
// the given schemas. Embedded types come first, then collection backed
// types; within each group parents come before derived types.
func DocumentTypes(schemas ...Schema) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, s := range schemas {
		for name := range s {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}

	sort.Slice(names, func(i, j int) bool {
		ei, ej := IsEmbedded(names[i]), IsEmbedded(names[j])
		if ei != ej {
			return ei
		}
		di, dj := Depth(names[i]), Depth(names[j])
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})
	return names
}

// CollectionUsers returns the non-embedded document types which are
// stored in the given collection.
func (s Schema) CollectionUsers(collection string) []string {
	var users []string
	for name, doc := range s {
		if IsEmbedded(name) || doc == nil {
			continue
		}
		if doc.Collection() == collection {
			users = append(users, name)
		}
	}
	sort.Strings(users)
	return users
}
