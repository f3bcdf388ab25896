package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dan-strohschein/docmigrate/docerr"
)

func TestLoad_NormalizesValues(t *testing.T) {
	fromBSON := map[string]interface{}{
		"Doc": bson.M{
			"fields": bson.M{
				"age": bson.M{"type_key": "IntField", "db_field": "age", "min_value": int32(3)},
			},
			"parameters": bson.M{"collection": "docs"},
			"indexes": bson.M{
				"age_1": bson.M{"fields": bson.A{bson.A{"age", int32(1)}}},
			},
		},
	}
	fromGo := map[string]interface{}{
		"Doc": map[string]interface{}{
			"fields": map[string]interface{}{
				"age": map[string]interface{}{"type_key": "IntField", "db_field": "age", "min_value": 3},
			},
			"parameters": map[string]interface{}{"collection": "docs"},
			"indexes": map[string]interface{}{
				"age_1": map[string]interface{}{"fields": []interface{}{[]interface{}{"age", 1}}},
			},
		},
	}

	a, err := Load(fromBSON)
	require.NoError(t, err)
	b, err := Load(fromGo)
	require.NoError(t, err)

	assert.True(t, Equal(a, b), Describe(a, b))
	assert.Equal(t, int64(3), a["Doc"].Fields["age"]["min_value"])
}

func TestLoad_MissingSectionsAreEmpty(t *testing.T) {
	s, err := Load(map[string]interface{}{
		"~Embedded": map[string]interface{}{"fields": map[string]interface{}{}},
	})
	require.NoError(t, err)

	doc, ok := s.Document("~Embedded")
	require.True(t, ok)
	assert.Empty(t, doc.Parameters)
	assert.Empty(t, doc.Indexes)
	assert.Equal(t, "", doc.Collection())
}

func TestLoad_RejectsBadShapes(t *testing.T) {
	_, err := Load(map[string]interface{}{"Doc": "not a document"})
	require.Error(t, err)
	assert.True(t, docerr.IsSchema(err))

	_, err = Load(map[string]interface{}{
		"Doc": map[string]interface{}{"fields": map[string]interface{}{"name": 1}},
	})
	require.Error(t, err)
	assert.True(t, docerr.IsSchema(err))
}

func TestCopy_IsDeep(t *testing.T) {
	s := Schema{"Doc": &Document{
		Fields:     map[string]FieldSchema{"tags": {"type_key": "ListField", "choices": []interface{}{"a"}}},
		Parameters: Parameters{"collection": "docs"},
		Indexes:    map[string]IndexSchema{},
	}}

	c := s.Copy()
	c["Doc"].Fields["tags"]["choices"].([]interface{})[0] = "b"
	c["Doc"].Parameters["collection"] = "other"

	assert.Equal(t, "a", s["Doc"].Fields["tags"]["choices"].([]interface{})[0])
	assert.Equal(t, "docs", s["Doc"].Collection())
}

func TestDocumentTypes_Ordering(t *testing.T) {
	left := Schema{
		"Doc":        NewDocument(),
		"Doc->Child": NewDocument(),
		"~Embedded":  NewDocument(),
	}
	right := Schema{
		"Another":          NewDocument(),
		"~Embedded->Sub":   NewDocument(),
		"~AnotherEmbedded": NewDocument(),
	}

	got := DocumentTypes(left, right)
	assert.Equal(t, []string{
		"~AnotherEmbedded",
		"~Embedded",
		"~Embedded->Sub",
		"Another",
		"Doc",
		"Doc->Child",
	}, got)
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "Doc", ClassName("Doc"))
	assert.Equal(t, "Animal.Dog", ClassName("Animal->Dog"))
	assert.Equal(t, "Embedded.Sub", ClassName("~Embedded->Sub"))
}

func TestCollectionUsers(t *testing.T) {
	s := Schema{
		"Animal":      {Parameters: Parameters{"collection": "animal", "inherit": true}},
		"Animal->Dog": {Parameters: Parameters{"collection": "animal", "inherit": true}},
		"Car":         {Parameters: Parameters{"collection": "car"}},
		"~Part":       {Parameters: Parameters{}},
	}
	assert.Equal(t, []string{"Animal", "Animal->Dog"}, s.CollectionUsers("animal"))
	assert.Empty(t, s.CollectionUsers("missing"))
}

func TestFieldSchema_Target(t *testing.T) {
	assert.Equal(t, "~A", FieldSchema{"target_doctype": "~A"}.Target())
	assert.Equal(t, "~B", FieldSchema{"document_type": "~B"}.Target())
	assert.Equal(t, "", FieldSchema{"type_key": "StringField"}.Target())
}
