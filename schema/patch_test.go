package schema

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/docmigrate/docerr"
)

func sampleSchema() Schema {
	return Schema{
		"Doc": {
			Fields: map[string]FieldSchema{
				"name": {"type_key": "StringField", "db_field": "name", "max_length": int64(10)},
				"emb":  {"type_key": "EmbeddedDocumentField", "db_field": "emb", "target_doctype": "~Emb"},
			},
			Parameters: Parameters{"collection": "docs"},
			Indexes: map[string]IndexSchema{
				"name_1": {"fields": []interface{}{[]interface{}{"name", int64(1)}}},
			},
		},
		"~Emb": {
			Fields: map[string]FieldSchema{
				"x":    {"type_key": "IntField", "db_field": "x"},
				"self": {"type_key": "EmbeddedDocumentField", "db_field": "self", "target_doctype": "~Emb"},
			},
			Parameters: Parameters{},
			Indexes:    map[string]IndexSchema{},
		},
	}
}

func TestPatch_RoundTrip(t *testing.T) {
	base := sampleSchema()

	mutations := map[string]func(s Schema){
		"rename db_field": func(s Schema) {
			s["Doc"].Fields["name"]["db_field"] = "full_name"
		},
		"add field": func(s Schema) {
			s["Doc"].Fields["age"] = FieldSchema{"type_key": "IntField", "db_field": "age"}
		},
		"drop document": func(s Schema) {
			delete(s, "~Emb")
		},
		"new document": func(s Schema) {
			s["Other"] = &Document{
				Fields:     map[string]FieldSchema{"a": {"type_key": "StringField", "db_field": "a"}},
				Parameters: Parameters{"collection": "other"},
			}
		},
		"change collection and drop index": func(s Schema) {
			s["Doc"].Parameters["collection"] = "docs2"
			delete(s["Doc"].Indexes, "name_1")
		},
		"list value": func(s Schema) {
			s["Doc"].Fields["name"]["choices"] = []interface{}{"a", "b"}
		},
		"everything removed": func(s Schema) {
			for k := range s {
				delete(s, k)
			}
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			target := base.Copy()
			mutate(target)

			p := Diff(base, target)
			require.NotEmpty(t, p)

			forward, err := Apply(p, base)
			require.NoError(t, err)
			if diff := cmp.Diff(target.Dump(), forward.Dump(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("forward patch mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(sampleSchema().Dump(), base.Dump(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Apply mutated its input (-want +got):\n%s", diff)
			}

			back, err := Apply(p.Invert(), forward)
			require.NoError(t, err)
			if diff := cmp.Diff(base.Dump(), back.Dump(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("inverted patch mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiff_EqualSchemas(t *testing.T) {
	assert.Empty(t, Diff(sampleSchema(), sampleSchema()))
}

func TestDiff_ProducesLeafChanges(t *testing.T) {
	target := sampleSchema()
	target["Doc"].Fields["name"]["db_field"] = "full_name"

	p := Diff(sampleSchema(), target)
	require.Len(t, p, 1)
	assert.Equal(t, OpChange, p[0].Kind)
	assert.Equal(t, "Doc.fields.name.db_field", p[0].Path.String())
	assert.Equal(t, "name", p[0].Old)
	assert.Equal(t, "full_name", p[0].New)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	base := sampleSchema()
	p := Patch{Change(FieldPath("Doc", "name"), nil, map[string]interface{}{"type_key": "IntField"})}

	_, err := Apply(p, base)
	require.NoError(t, err)
	assert.Equal(t, "StringField", base["Doc"].Fields["name"].TypeKey())
}

func TestApply_Errors(t *testing.T) {
	tests := []struct {
		name string
		op   Op
	}{
		{"add existing", Add(FieldPath("Doc", "name"), map[string]interface{}{})},
		{"add under missing parent", Add(FieldPath("Missing", "name"), map[string]interface{}{})},
		{"remove missing", Remove(FieldPath("Doc", "missing"), nil)},
		{"change missing", Change(Path{"Doc", "parameters", "inherit"}, nil, true)},
		{"descend into scalar", Add(Path{"Doc", "parameters", "collection", "x"}, 1)},
		{"empty path", Add(Path{}, 1)},
		{"unknown kind", Op{Kind: "move", Path: Path{"Doc"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(Patch{tt.op}, sampleSchema())
			require.Error(t, err)
			assert.True(t, docerr.IsSchema(err), "expected schema error, got %v", err)
		})
	}
}

func TestInvert(t *testing.T) {
	p := Patch{
		Add(Path{"A"}, 1),
		Change(Path{"B"}, 1, 2),
		Remove(Path{"C"}, 3),
	}

	inv := p.Invert()
	require.Len(t, inv, 3)
	assert.Equal(t, Add(Path{"C"}, 3), inv[0])
	assert.Equal(t, Change(Path{"B"}, 2, 1), inv[1])
	assert.Equal(t, Remove(Path{"A"}, 1), inv[2])
}

func TestDocumentValue(t *testing.T) {
	s := sampleSchema()
	p := Patch{
		Remove(DocumentPath("~Emb"), DocumentValue(s["~Emb"])),
		Add(DocumentPath("~Renamed"), DocumentValue(s["~Emb"])),
	}

	out, err := Apply(p, s)
	require.NoError(t, err)
	_, ok := out.Document("~Emb")
	assert.False(t, ok)
	assert.Equal(t, s["~Emb"].Fields, out["~Renamed"].Fields)
}
