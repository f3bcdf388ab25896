package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/fields"
	"github.com/dan-strohschein/docmigrate/schema"
)

// field returns a complete field schema of typeKey with attrs set.
func field(t *testing.T, typeKey string, attrs map[string]interface{}) schema.FieldSchema {
	t.Helper()
	typ, ok := fields.Default.Get(typeKey)
	require.True(t, ok, typeKey)
	f := typ.Skeleton()
	for k, v := range attrs {
		f[k] = v
	}
	return f
}

// norm round-trips s through its tree form, as the state store does.
func norm(t *testing.T, s schema.Schema) schema.Schema {
	t.Helper()
	out, err := schema.Load(s.Dump())
	require.NoError(t, err)
	return out
}

func document(collection string, fieldSchemas map[string]schema.FieldSchema) *schema.Document {
	doc := schema.NewDocument()
	if collection != "" {
		doc.Parameters[schema.ParamCollection] = collection
	}
	for name, f := range fieldSchemas {
		doc.Fields[name] = f
	}
	return doc
}

// chainNames renders a chain as "Name DocumentType[.member]" entries.
func chainNames(chain []Action) []string {
	out := make([]string, 0, len(chain))
	for _, a := range chain {
		s := a.Spec()
		target := s.DocumentType
		if s.FieldName != "" {
			target += "." + s.FieldName
		}
		if s.IndexName != "" {
			target += "[" + s.IndexName + "]"
		}
		out = append(out, s.Action+" "+target)
	}
	return out
}

func compile(t *testing.T, left, right schema.Schema) []Action {
	t.Helper()
	chain, err := BuildActionsChain(norm(t, left), norm(t, right), zaptest.NewLogger(t))
	require.NoError(t, err)
	return chain
}

func TestRegistrySorted(t *testing.T) {
	types := Default.Sorted()
	require.NotEmpty(t, types)
	assert.Equal(t, NameRenameEmbedded, types[0].Name)
	assert.Equal(t, NameDropEmbedded, types[len(types)-1].Name)

	for i := 1; i < len(types); i++ {
		prev, cur := types[i-1], types[i]
		assert.True(t, prev.Priority < cur.Priority || (prev.Priority == cur.Priority && prev.Name < cur.Name),
			"%s before %s", prev.Name, cur.Name)
	}

	rf, ok := Default.Get(NameRunFunc)
	require.True(t, ok)
	assert.Equal(t, LevelManual, rf.Level)
}

func TestPriorityOrder(t *testing.T) {
	order := []string{
		NameRenameEmbedded, NameCreateEmbedded, NameAlterEmbedded,
		NameRenameDocument, NameCreateDocument, NameAlterDocument,
		NameRenameField, NameAlterField, NameAlterIndex, NameDropIndex,
		NameCreateIndex, NameDropDocument, NameDropEmbedded,
	}
	for i := 1; i < len(order); i++ {
		prev, _ := Default.Get(order[i-1])
		cur, _ := Default.Get(order[i])
		assert.Less(t, prev.Priority, cur.Priority, "%s < %s", prev.Name, cur.Name)
	}
	for _, name := range []string{NameCreateField, NameDropField, NameRunFunc} {
		typ, _ := Default.Get(name)
		assert.Equal(t, PriorityField, typ.Priority, name)
	}
}

func TestBuildActionsChainNoChanges(t *testing.T) {
	s := schema.Schema{"Doc": document("docs", map[string]schema.FieldSchema{
		"title": field(t, fields.StringField, map[string]interface{}{"db_field": "title"}),
	})}
	assert.Empty(t, compile(t, s, s))
}

func testTarget(t *testing.T) schema.Schema {
	doc := document("docs", map[string]schema.FieldSchema{
		"title": field(t, fields.StringField, map[string]interface{}{"db_field": "title"}),
		"emb":   field(t, fields.EmbeddedDocumentField, map[string]interface{}{"db_field": "emb", "target_doctype": "~Emb"}),
	})
	doc.Indexes["title_1"] = schema.IndexSchema{"fields": []interface{}{[]interface{}{"title", 1}}}
	emb := document("", map[string]schema.FieldSchema{
		"name": field(t, fields.StringField, map[string]interface{}{"db_field": "name"}),
	})
	return schema.Schema{"Doc": doc, "~Emb": emb}
}

func TestBuildActionsChainCreate(t *testing.T) {
	chain := compile(t, schema.Schema{}, testTarget(t))
	assert.Equal(t, []string{
		"CreateEmbedded ~Emb",
		"CreateDocument Doc",
		"CreateField ~Emb.name",
		"CreateField Doc.emb",
		"CreateField Doc.title",
		"CreateIndex Doc[title_1]",
	}, chainNames(chain))
}

func TestBuildActionsChainDrop(t *testing.T) {
	chain := compile(t, testTarget(t), schema.Schema{})
	assert.Equal(t, []string{"DropDocument Doc", "DropEmbedded ~Emb"}, chainNames(chain))
}

func TestBuildActionsChainConverges(t *testing.T) {
	left := norm(t, testTarget(t))
	right := norm(t, testTarget(t))
	right["Doc"].Fields["title"]["db_field"] = "name"
	right["Doc"].Fields["title"]["required"] = true
	right["Doc"].Fields["title"]["default"] = "untitled"
	right["Doc"].Parameters["collection"] = "articles"
	right["Doc"].Indexes["title_1"]["unique"] = true
	delete(right["~Emb"].Fields, "name")

	chain, err := BuildActionsChain(left, right, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"AlterDocument Doc",
		"AlterField Doc.title",
		"DropField ~Emb.name",
		"AlterIndex Doc[title_1]",
	}, chainNames(chain))

	working := left
	for _, a := range chain {
		working, err = Apply(a, working)
		require.NoError(t, err)
	}
	assert.True(t, schema.Equal(working, right), schema.Describe(working, right))
}

func TestBuildActionsChainUnreachable(t *testing.T) {
	right := schema.Schema{"Doc": document("docs", map[string]schema.FieldSchema{
		// skeleton keys are missing, CreateField fills them in
		"title": {"type_key": fields.StringField, "db_field": "title"},
	})}
	left := schema.Schema{"Doc": document("docs", nil)}

	_, err := BuildActionsChain(norm(t, left), norm(t, right), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, docerr.IsAction(err))

	var e *docerr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "SCHEMA_UNREACHABLE", e.Code)
	assert.NotEmpty(t, e.Details["diff"])
}

func TestApplyMissingField(t *testing.T) {
	a := NewDropField("Doc", "missing")
	_, err := Apply(a, schema.Schema{"Doc": document("docs", nil)})
	require.Error(t, err)
	assert.True(t, docerr.IsSchema(err))
}

func TestRenameFieldThreshold(t *testing.T) {
	// ListField has ten comparable attributes once db_field is excluded
	left := schema.Schema{"Doc": document("docs", map[string]schema.FieldSchema{
		"old": field(t, fields.ListField, map[string]interface{}{"db_field": "old"}),
	})}

	tests := []struct {
		name   string
		right  map[string]schema.FieldSchema
		expect []string
	}{
		{
			name: "seventy percent renames",
			right: map[string]schema.FieldSchema{
				"renamed": field(t, fields.ListField, map[string]interface{}{
					"db_field": "new", "required": true, "unique": true, "sparse": true,
				}),
			},
			expect: []string{"RenameField Doc.old", "AlterField Doc.renamed"},
		},
		{
			name: "sixty percent does not",
			right: map[string]schema.FieldSchema{
				"renamed": field(t, fields.ListField, map[string]interface{}{
					"db_field": "new", "required": true, "unique": true, "sparse": true, "null": true,
				}),
			},
			expect: []string{"CreateField Doc.renamed", "DropField Doc.old"},
		},
		{
			name: "two candidates do not",
			right: map[string]schema.FieldSchema{
				"a": field(t, fields.ListField, map[string]interface{}{"db_field": "a"}),
				"b": field(t, fields.ListField, map[string]interface{}{"db_field": "b"}),
			},
			expect: []string{"CreateField Doc.a", "CreateField Doc.b", "DropField Doc.old"},
		},
		{
			name: "db_field match short-circuits",
			right: map[string]schema.FieldSchema{
				"a": field(t, fields.ListField, map[string]interface{}{
					"db_field": "old", "required": true, "unique": true, "sparse": true, "null": true,
				}),
				"b": field(t, fields.ListField, map[string]interface{}{"db_field": "b"}),
			},
			expect: []string{"RenameField Doc.old", "AlterField Doc.a", "CreateField Doc.b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			right := schema.Schema{"Doc": document("docs", tt.right)}
			assert.Equal(t, tt.expect, chainNames(compile(t, left, right)))
		})
	}
}

func TestSimilar(t *testing.T) {
	assert.True(t, similar(7, 10))
	assert.False(t, similar(6, 10))
	assert.True(t, similar(1, 1))
	assert.False(t, similar(0, 0))
}

func TestRenameDocument(t *testing.T) {
	doc := document("docs", map[string]schema.FieldSchema{
		"title": field(t, fields.StringField, map[string]interface{}{"db_field": "title"}),
	})
	left := schema.Schema{"Old": doc}
	right := schema.Schema{"New": doc.Copy()}

	chain := compile(t, left, right)
	require.Len(t, chain, 1)
	rename, ok := chain[0].(*RenameDocument)
	require.True(t, ok)
	assert.Equal(t, "New", rename.NewName())
}

func TestRenameDocumentBySimilarity(t *testing.T) {
	attrs := func(extra map[string]interface{}) map[string]schema.FieldSchema {
		return map[string]schema.FieldSchema{
			"title": field(t, fields.StringField, map[string]interface{}{"db_field": "title"}),
			"body":  field(t, fields.StringField, map[string]interface{}{"db_field": "body"}),
			"n":     field(t, fields.IntField, extra),
		}
	}
	left := schema.Schema{"Old": document("docs", attrs(map[string]interface{}{"db_field": "n"}))}
	right := schema.Schema{"New": document("docs", attrs(map[string]interface{}{"db_field": "n", "min_value": 1}))}

	chain := compile(t, left, right)
	assert.Equal(t, []string{"RenameDocument Old", "AlterField New.n"}, chainNames(chain))
}

func TestRenameDocumentThreshold(t *testing.T) {
	// BooleanField has ten attributes, all compared at document level
	flag := func(attrs map[string]interface{}) *schema.Document {
		all := map[string]interface{}{"db_field": "flag"}
		for k, v := range attrs {
			all[k] = v
		}
		return document("docs", map[string]schema.FieldSchema{
			"flag": field(t, fields.BooleanField, all),
		})
	}
	left := schema.Schema{"Old": flag(nil)}
	seventy := map[string]interface{}{"required": true, "unique": true, "sparse": true}
	sixty := map[string]interface{}{"required": true, "unique": true, "sparse": true, "null": true}

	tests := []struct {
		name   string
		right  schema.Schema
		expect []string
	}{
		{
			name:   "seventy percent renames",
			right:  schema.Schema{"New": flag(seventy)},
			expect: []string{"RenameDocument Old", "AlterField New.flag"},
		},
		{
			name:   "sixty percent does not",
			right:  schema.Schema{"New": flag(sixty)},
			expect: []string{"CreateDocument New", "CreateField New.flag", "DropDocument Old"},
		},
		{
			name:  "two candidates do not",
			right: schema.Schema{"New1": flag(seventy), "New2": flag(seventy)},
			expect: []string{
				"CreateDocument New1", "CreateDocument New2",
				"CreateField New1.flag", "CreateField New2.flag",
				"DropDocument Old",
			},
		},
		{
			name:   "exact match short-circuits",
			right:  schema.Schema{"Alike": flag(seventy), "Same": flag(nil)},
			expect: []string{"RenameDocument Old", "CreateDocument Alike", "CreateField Alike.flag"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := compile(t, left, tt.right)
			assert.Equal(t, tt.expect, chainNames(chain))
		})
	}
}

func TestRenameEmbeddedNotMixedWithDocuments(t *testing.T) {
	doc := document("", map[string]schema.FieldSchema{
		"name": field(t, fields.StringField, map[string]interface{}{"db_field": "name"}),
	})
	left := schema.Schema{"~Emb": doc}
	right := schema.Schema{"Doc": doc.Copy()}

	chain := compile(t, left, right)
	assert.Equal(t, []string{"CreateDocument Doc", "CreateField Doc.name", "DropEmbedded ~Emb"}, chainNames(chain))
}

func TestAlterEmbeddedCompiled(t *testing.T) {
	left := schema.Schema{"~Emb": document("", nil)}
	left["~Emb"].Parameters[schema.ParamDynamic] = true
	right := schema.Schema{"~Emb": document("", nil)}

	chain := compile(t, left, right)
	assert.Equal(t, []string{"AlterEmbedded ~Emb"}, chainNames(chain))
}

func TestIndexesIgnoredOnEmbedded(t *testing.T) {
	left := schema.Schema{"~Emb": document("", nil)}
	right := schema.Schema{"~Emb": document("", nil)}
	right["~Emb"].Indexes["x"] = schema.IndexSchema{"fields": []interface{}{"x"}}

	_, err := BuildActionsChain(norm(t, left), norm(t, right), zaptest.NewLogger(t))
	assert.True(t, docerr.IsAction(err))
}
