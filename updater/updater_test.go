package updater

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
	"github.com/dan-strohschein/docmigrate/store/memstore"
)

// testSchema has a top-level Doc1 stored in "docs" holding a
// self-referencing embedded type ~Emb both as an object and as a list.
func testSchema() schema.Schema {
	doc := schema.NewDocument()
	doc.Parameters[schema.ParamCollection] = "docs"
	doc.Fields["title"] = schema.FieldSchema{"type_key": "StringField", "db_field": "title"}
	doc.Fields["emb"] = schema.FieldSchema{"type_key": "EmbeddedDocumentField", "db_field": "emb", "target_doctype": "~Emb"}
	doc.Fields["list"] = schema.FieldSchema{"type_key": "EmbeddedDocumentListField", "db_field": "list", "target_doctype": "~Emb"}

	emb := schema.NewDocument()
	emb.Fields["name"] = schema.FieldSchema{"type_key": "StringField", "db_field": "name"}
	emb.Fields["child"] = schema.FieldSchema{"type_key": "EmbeddedDocumentField", "db_field": "child", "target_doctype": "~Emb"}

	return schema.Schema{"Doc1": doc, "~Emb": emb}
}

func seed(db *memstore.Database) {
	db.Insert("docs",
		bson.M{"_id": 1, "title": "one", "emb": bson.M{"name": "a", "child": bson.M{"name": "b"}}},
		bson.M{"_id": 2, "title": "two", "list": bson.A{bson.M{"name": "c"}, bson.M{"name": "d", "child": bson.M{"name": "e"}}}},
		bson.M{"_id": 3, "title": "three"},
	)
}

func paths(t *testing.T, u *Updater) []string {
	t.Helper()
	found, err := u.EmbeddedPaths(context.Background())
	require.NoError(t, err)
	var out []string
	for _, p := range found {
		out = append(out, strings.Join(p.UpdatePath, "."))
	}
	return out
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, p)
	assert.True(t, p.Strict())

	p, err = ParsePolicy("relaxed")
	require.NoError(t, err)
	assert.False(t, p.Strict())

	_, err = ParsePolicy("lenient")
	assert.Error(t, err)
}

func TestInjectArrayFilters(t *testing.T) {
	path, filters := injectArrayFilters([]string{"a", "$[]", "b", "$[]", "c"})
	assert.Equal(t, []string{"a", "$[elem1]", "b", "$[elem3]", "c"}, path)
	assert.Equal(t, []string{"elem1.b", "elem3.c"}, filters)

	path, filters = injectArrayFilters([]string{"a", "b"})
	assert.Equal(t, []string{"a", "b"}, path)
	assert.Nil(t, filters)
}

func TestBuildArrayFilters(t *testing.T) {
	c := ByPathContext{ArrayFilters: []string{"elem1.b", "elem3.c"}}
	assert.Equal(t, []interface{}{
		bson.M{"elem1.b": bson.M{"$exists": true}},
		bson.M{"elem3.c": bson.M{"$exists": true}},
	}, c.BuildArrayFilters(nil))

	assert.Equal(t, []interface{}{
		bson.M{"elem1.b": "elem1.b"},
		bson.M{"elem3.c": "elem3.c"},
	}, c.BuildArrayFilters(func(key string) interface{} { return key }))

	assert.Nil(t, ByPathContext{}.BuildArrayFilters(nil))

	extra := ByPathContext{ExtraFilter: bson.M{"_cls": "A.B"}}
	assert.Equal(t, bson.M{"_cls": "A.B", "x": 1}, extra.Filter(bson.M{"x": 1}))
}

func TestEmbeddedPathDiscovery(t *testing.T) {
	db := memstore.New("test")
	seed(db)

	u := New(db, "~Emb", testSchema(), "name", PolicyStrict, WithLogger(zaptest.NewLogger(t)))
	assert.Equal(t, []string{"emb", "emb.child", "list.$[]", "list.$[].child"}, paths(t, u))

	top := New(db, "Doc1", testSchema(), "title", PolicyStrict)
	assert.Empty(t, paths(t, top))
}

func TestEmbeddedPathDiscoveryNoData(t *testing.T) {
	db := memstore.New("test")
	db.Insert("docs", bson.M{"title": "x"})

	u := New(db, "~Emb", testSchema(), "name", PolicyStrict)
	assert.Empty(t, paths(t, u))
}

func TestFindEmbeddedFieldsDepthCap(t *testing.T) {
	db := memstore.New("test")
	seed(db)
	u := New(db, "~Emb", testSchema(), "name", PolicyStrict)

	base := make([]string, MaxPathDepth)
	for i := range base {
		base[i] = "child"
	}
	found, err := u.FindEmbeddedFields(context.Background(), db.Collection("docs"), "~Emb", "~Emb", base)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestUpdateByPathEmbedded(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("test")
	seed(db)
	u := New(db, "~Emb", testSchema(), "name", PolicyStrict)

	var seen []ByPathContext
	err := u.UpdateByPath(ctx, func(ctx context.Context, c ByPathContext) error {
		seen = append(seen, c)
		_, err := c.Collection.UpdateMany(ctx,
			c.Filter(bson.M{c.FilterDotpath: bson.M{"$exists": true}}),
			bson.M{"$set": bson.M{c.UpdateDotpath: "x"}},
			c.BuildArrayFilters(nil))
		return err
	})
	require.NoError(t, err)
	require.Len(t, seen, 4)

	assert.Equal(t, "emb.name", seen[0].UpdateDotpath)
	assert.Nil(t, seen[0].ArrayFilters)
	assert.Equal(t, "list.$[elem1].name", seen[2].UpdateDotpath)
	assert.Equal(t, "list.name", seen[2].FilterDotpath)
	assert.Equal(t, []string{"elem1.name"}, seen[2].ArrayFilters)
	assert.Equal(t, "list.$[elem1].child.name", seen[3].UpdateDotpath)
	assert.Equal(t, []string{"elem1.child"}, seen[3].ArrayFilters)

	docs := db.Documents("docs")
	assert.Equal(t, bson.M{"name": "x", "child": bson.M{"name": "x"}}, docs[0]["emb"])
	assert.Equal(t, bson.A{
		bson.M{"name": "x"},
		bson.M{"name": "x", "child": bson.M{"name": "x"}},
	}, docs[1]["list"])
	assert.NotContains(t, docs[2], "emb")
}

func TestUpdateByPathTopLevel(t *testing.T) {
	db := memstore.New("test")
	u := New(db, "Doc1", testSchema(), "title", PolicyStrict)

	calls := 0
	err := u.UpdateByPath(context.Background(), func(ctx context.Context, c ByPathContext) error {
		calls++
		assert.Equal(t, "docs", c.Collection.Name())
		assert.Equal(t, "title", c.FilterDotpath)
		assert.Equal(t, "title", c.UpdateDotpath)
		assert.Empty(t, c.ExtraFilter)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	missing := New(db, "Nope", testSchema(), "title", PolicyStrict)
	err = missing.UpdateByPath(context.Background(), func(context.Context, ByPathContext) error { return nil })
	assert.True(t, docerr.IsSchema(err))
}

func TestUpdateByDocumentWritesOnlyChanges(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("test")
	seed(db)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	u := New(db, "~Emb", testSchema(), "name", PolicyStrict, WithMetrics(metrics))

	upper := func(ctx context.Context, c ByDocContext) error {
		m, ok := c.Map()
		if !ok {
			return nil
		}
		if s, ok := m["name"].(string); ok {
			m["name"] = strings.ToUpper(s)
		}
		return nil
	}

	require.NoError(t, u.UpdateByDocument(ctx, upper))
	docs := db.Documents("docs")
	assert.Equal(t, "A", docs[0]["emb"].(bson.M)["name"])
	assert.Equal(t, "B", docs[0]["emb"].(bson.M)["child"].(bson.M)["name"])
	assert.Equal(t, "D", docs[1]["list"].(bson.A)[1].(bson.M)["name"])
	assert.Equal(t, "E", docs[1]["list"].(bson.A)[1].(bson.M)["child"].(bson.M)["name"])
	assert.NotEmpty(t, db.Writes())
	assert.Greater(t, testutil.ToFloat64(metrics.DocumentsRewritten.WithLabelValues("docs")), 0.0)

	// Running again changes nothing and writes nothing
	db.ResetWrites()
	require.NoError(t, u.UpdateByDocument(ctx, upper))
	assert.Empty(t, db.Writes())
}

func TestUpdateByDocumentBuffering(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("test")
	for i := 0; i < 5; i++ {
		db.Insert("docs", bson.M{"title": "t"})
	}
	u := New(db, "Doc1", testSchema(), "title", PolicyStrict, WithBufferSize(2), WithWriteRate(1e6))

	err := u.UpdateByDocument(ctx, func(ctx context.Context, c ByDocContext) error {
		m, _ := c.Map()
		m["title"] = "changed"
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, db.Writes(), 3)
	for _, doc := range db.Documents("docs") {
		assert.Equal(t, "changed", doc["title"])
	}
}

func TestUpdateByDocumentMissedFields(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("test")
	db.Insert("docs", bson.M{"title": "t"}, bson.M{"other": 1})
	u := New(db, "Doc1", testSchema(), "title", PolicyStrict)

	count := func(u DocumentUpdater) int {
		n := 0
		require.NoError(t, u.UpdateByDocument(ctx, func(context.Context, ByDocContext) error {
			n++
			return nil
		}))
		return n
	}
	assert.Equal(t, 1, count(u))
	assert.Equal(t, 2, count(u.WithMissedFields()))
}

func TestUpdateByDocumentDocumentClass(t *testing.T) {
	ctx := context.Background()
	s := testSchema()
	db := memstore.New("test")
	db.Insert("docs",
		bson.M{"_id": 1, "emb": bson.M{"_cls": "Emb", "name": "keep"}},
		bson.M{"_id": 2, "emb": bson.M{"_cls": "Other", "name": "skip"}},
		bson.M{"_id": 3, "emb": bson.M{"name": "nocls"}},
	)

	var names []string
	collect := func(ctx context.Context, c ByDocContext) error {
		m, _ := c.Map()
		names = append(names, m["name"].(string))
		return nil
	}
	u := New(db, "~Emb", s, "", PolicyStrict, WithDocumentClass("Emb"))
	require.NoError(t, u.UpdateByDocument(ctx, collect))
	assert.Equal(t, []string{"keep", "nocls"}, names)
}

func TestUpdateByDocumentInconsistentValue(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("test")
	db.Insert("docs",
		bson.M{"_id": 1, "list": bson.A{bson.M{"_cls": "Emb", "name": "ok"}}},
		bson.M{"_id": 2, "list": bson.A{"oops"}},
	)
	noop := func(context.Context, ByDocContext) error { return nil }

	strict := New(db, "~Emb", testSchema(), "", PolicyStrict, WithDocumentClass("Emb"))
	err := strict.UpdateByDocument(ctx, noop)
	require.Error(t, err)
	assert.True(t, docerr.IsInconsistency(err))

	relaxed := New(db, "~Emb", testSchema(), "", PolicyRelaxed, WithDocumentClass("Emb"))
	assert.NoError(t, relaxed.UpdateByDocument(ctx, noop))
}

func TestUpdateCombined(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("test")
	seed(db)
	u := New(db, "~Emb", testSchema(), "name", PolicyStrict)

	var byPath []string
	var byDoc []string
	pathCb := func(ctx context.Context, c ByPathContext) error {
		byPath = append(byPath, c.UpdateDotpath)
		return nil
	}
	docCb := func(ctx context.Context, c ByDocContext) error {
		byDoc = append(byDoc, c.FilterDotpath)
		return nil
	}

	require.NoError(t, u.UpdateCombined(ctx, pathCb, docCb, CombinedOptions{}))
	assert.Empty(t, byPath)
	assert.Equal(t, []string{"emb.name", "emb.child.name", "list.name", "list.name", "list.child.name"}, byDoc)

	byPath, byDoc = nil, nil
	require.NoError(t, u.UpdateCombined(ctx, pathCb, docCb, CombinedOptions{NonArrayByPath: true}))
	assert.Equal(t, []string{"emb.name", "emb.child.name"}, byPath)
	assert.Equal(t, []string{"list.name", "list.name", "list.child.name"}, byDoc)

	byPath, byDoc = nil, nil
	top := New(db, "Doc1", testSchema(), "title", PolicyStrict)
	require.NoError(t, top.UpdateCombined(ctx, pathCb, docCb, CombinedOptions{}))
	assert.Equal(t, []string{"title"}, byPath)
	assert.Empty(t, byDoc)
}

func TestFallbackUpdater(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("test")
	db.SetVersion(store.MustParseVersion("3.4.0"))
	seed(db)

	u, err := Select(ctx, New(db, "Doc1", testSchema(), "title", PolicyStrict))
	require.NoError(t, err)
	require.IsType(t, &Fallback{}, u)

	err = u.UpdateByPath(ctx, func(context.Context, ByPathContext) error { return nil })
	assert.True(t, docerr.IsUnsupported(err))

	visited := 0
	err = u.UpdateCombined(ctx,
		func(context.Context, ByPathContext) error { t.Fatal("by path called"); return nil },
		func(context.Context, ByDocContext) error { visited++; return nil },
		CombinedOptions{NonArrayByPath: true, ArrayByPath: true})
	require.NoError(t, err)
	assert.Equal(t, 3, visited)

	assert.IsType(t, &Fallback{}, u.WithMissedFields())
	assert.IsType(t, &Fallback{}, u.WithField("other"))

	db.SetVersion(store.MustParseVersion("4.4.0"))
	u, err = Select(ctx, New(db, "Doc1", testSchema(), "title", PolicyStrict))
	require.NoError(t, err)
	assert.IsType(t, &Updater{}, u)
}

func TestContentHash(t *testing.T) {
	a := bson.M{"x": int32(1), "y": bson.A{bson.M{"k": "v"}}}
	b := bson.M{"y": bson.A{bson.M{"k": "v"}}, "x": int32(1)}
	assert.Equal(t, contentHash(a), contentHash(b))

	c := bson.M{"x": int64(1), "y": bson.A{bson.M{"k": "v"}}}
	assert.NotEqual(t, contentHash(a), contentHash(c))
}
