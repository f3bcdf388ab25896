package migration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dan-strohschein/docmigrate/action"
	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
	"github.com/dan-strohschein/docmigrate/store/memstore"
)

func seededDB() *memstore.Database {
	db := memstore.New("blog")
	db.Insert("posts",
		bson.M{"_id": 1, "title": "first"},
		bson.M{"_id": 2, "title": "second"},
	)
	return db
}

func newTestRunner(t *testing.T, db store.Database, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithMigrations(initialMigration(), renameMigration()),
	}, opts...)
	return NewRunner(db, "", opts...)
}

func appliedNames(t *testing.T, r *Runner) []string {
	t.Helper()
	records, err := r.State().LoadApplied(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Name)
	}
	return out
}

func storedSchema(t *testing.T, r *Runner) schema.Schema {
	t.Helper()
	s, err := r.State().LoadSchema(context.Background())
	require.NoError(t, err)
	return s
}

func postKeys(db *memstore.Database) []string {
	var keys []string
	for _, doc := range db.Documents("posts") {
		for k := range doc {
			if k != "_id" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func TestRunnerUpgradeDowngrade(t *testing.T) {
	ctx := context.Background()
	db := seededDB()
	r := newTestRunner(t, db)

	require.NoError(t, r.Upgrade(ctx, "0001_initial"))
	assert.Equal(t, []string{"0001_initial"}, appliedNames(t, r))
	assert.Equal(t, "title", storedSchema(t, r)["Post"].Fields["title"]["db_field"])
	assert.ElementsMatch(t, []string{"title", "title"}, postKeys(db))

	require.NoError(t, r.Upgrade(ctx, "0002_headline"))
	assert.Equal(t, []string{"0001_initial", "0002_headline"}, appliedNames(t, r))
	assert.Equal(t, "headline", storedSchema(t, r)["Post"].Fields["title"]["db_field"])
	assert.ElementsMatch(t, []string{"headline", "headline"}, postKeys(db))

	// already applied
	require.NoError(t, r.Upgrade(ctx, "0001_initial"))
	assert.Len(t, appliedNames(t, r), 2)

	require.NoError(t, r.Downgrade(ctx, "0001_initial"))
	assert.Equal(t, []string{"0001_initial"}, appliedNames(t, r))
	assert.Equal(t, "title", storedSchema(t, r)["Post"].Fields["title"]["db_field"])
	assert.ElementsMatch(t, []string{"title", "title"}, postKeys(db))
}

func TestRunnerMigrate(t *testing.T) {
	ctx := context.Background()
	db := seededDB()
	r := newTestRunner(t, db)

	require.NoError(t, r.Migrate(ctx, ""))
	assert.Equal(t, []string{"0001_initial", "0002_headline"}, appliedNames(t, r))

	require.NoError(t, r.Migrate(ctx, "0001_initial"))
	assert.Equal(t, []string{"0001_initial"}, appliedNames(t, r))
	assert.ElementsMatch(t, []string{"title", "title"}, postKeys(db))

	err := r.Migrate(ctx, "0042_missing")
	require.Error(t, err)
	var e *docerr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "MIGRATION_NOT_FOUND", e.Code)

	assert.True(t, docerr.IsGraph(NewRunner(db, "").Migrate(ctx, "")))
}

func TestRunnerUnknownAppliedMigration(t *testing.T) {
	ctx := context.Background()
	db := seededDB()
	r := newTestRunner(t, db)
	require.NoError(t, r.State().WriteApplied(ctx, []AppliedRecord{
		{Name: "0001_initial", OrderingNumber: 0},
		{Name: "0009_gone", OrderingNumber: 1},
	}))

	_, err := r.LoadGraph(ctx)
	require.Error(t, err)
	assert.True(t, docerr.IsGraph(err))
	var e *docerr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "0009_gone", e.Details["migration"])
}

func TestRunnerChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRunner(seededDB(), "", WithLogger(zap.New(core)), WithMigrations(initialMigration(), renameMigration()))
	require.NoError(t, r.State().WriteApplied(ctx, []AppliedRecord{
		{Name: "0001_initial", OrderingNumber: 0, Checksum: "edited"},
	}))

	g, err := r.LoadGraph(ctx)
	require.NoError(t, err)
	m, _ := g.Get("0001_initial")
	assert.True(t, m.Applied)
	assert.Equal(t, 1, logs.FilterMessageSnippet("changed after it had been applied").Len())
}

func TestRunnerDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, m := range []*Migration{initialMigration(), renameMigration()} {
		_, err := WriteMigrationFile(m, dir)
		require.NoError(t, err)
	}

	db := seededDB()
	r := NewRunner(db, dir, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, r.Migrate(ctx, ""))
	assert.Equal(t, []string{"0001_initial", "0002_headline"}, appliedNames(t, r))
	assert.ElementsMatch(t, []string{"headline", "headline"}, postKeys(db))

	records, err := r.State().LoadApplied(ctx)
	require.NoError(t, err)
	assert.Equal(t, Checksum(renameMigration()), records[1].Checksum)
}

func TestRunnerDryRun(t *testing.T) {
	ctx := context.Background()
	db := seededDB()
	r := newTestRunner(t, db, WithDryRun(true))
	require.NotNil(t, r.Tracer())

	require.NoError(t, r.Migrate(ctx, ""))
	assert.Empty(t, appliedNames(t, r))
	assert.Empty(t, storedSchema(t, r))
	assert.ElementsMatch(t, []string{"title", "title"}, postKeys(db))
	assert.NotEmpty(t, r.Tracer().Modifications())

	assert.Nil(t, newTestRunner(t, db).Tracer())
}

func TestRunnerSchemaOnly(t *testing.T) {
	ctx := context.Background()
	db := seededDB()
	r := newTestRunner(t, db, WithSchemaOnly(true))

	require.NoError(t, r.Migrate(ctx, ""))
	assert.Equal(t, []string{"0001_initial", "0002_headline"}, appliedNames(t, r))
	assert.Equal(t, "headline", storedSchema(t, r)["Post"].Fields["title"]["db_field"])
	assert.ElementsMatch(t, []string{"title", "title"}, postKeys(db))
}

func TestRunnerActionFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	action.RegisterFunc("runner_test_fail", func(ctx context.Context, db store.Database, coll store.Collection, s schema.Schema) error {
		return boom
	})
	fail, err := action.NewRegisteredRunFunc("Post", "runner_test_fail", "")
	require.NoError(t, err)

	db := seededDB()
	r := newTestRunner(t, db, WithMigrations(&Migration{
		Name:         "0003_fail",
		Dependencies: []string{"0002_headline"},
		Actions:      []action.Action{fail},
	}))

	err = r.Migrate(ctx, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var e *docerr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "MIGRATION_FAILED", e.Code)

	assert.Equal(t, []string{"0001_initial", "0002_headline"}, appliedNames(t, r))
	assert.ElementsMatch(t, []string{"headline", "headline"}, postKeys(db))
}

func TestRunnerStorageFailure(t *testing.T) {
	ctx := context.Background()
	db := seededDB()
	r := newTestRunner(t, db)
	require.NoError(t, r.Upgrade(ctx, "0001_initial"))

	db.FailNext("updateMany", errors.New("connection reset"))
	err := r.Upgrade(ctx, "0002_headline")
	require.Error(t, err)
	assert.Equal(t, []string{"0001_initial"}, appliedNames(t, r))
}

func TestRunnerStatusAndPlan(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, seededDB())

	plan, err := r.Plan(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Up, plan.Direction)
	assert.Equal(t, "0002_headline", plan.Target)
	assert.Equal(t, []string{"0001_initial", "0002_headline"}, names(plan.Migrations))
	out := FormatPlan(plan)
	assert.Contains(t, out, "=== Upgrade to 0002_headline ===")
	assert.Contains(t, out, "Migration 1: 0001_initial")
	assert.Contains(t, out, "Policy: relaxed")

	require.NoError(t, r.Upgrade(ctx, "0001_initial"))
	status, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []StatusEntry{
		{Name: "0001_initial", Applied: true, Actions: 2, Policy: "strict"},
		{Name: "0002_headline", Applied: false, Dependencies: []string{"0001_initial"}, Actions: 1, Policy: "relaxed"},
	}, status)

	require.NoError(t, r.Migrate(ctx, ""))
	plan, err = r.Plan(ctx, "0001_initial")
	require.NoError(t, err)
	assert.Equal(t, Down, plan.Direction)
	assert.Equal(t, []string{"0002_headline"}, names(plan.Migrations))
	assert.Contains(t, FormatPlan(plan), "=== Downgrade to 0001_initial ===")

	plan, err = r.Plan(ctx, "0002_headline")
	require.NoError(t, err)
	assert.Contains(t, FormatPlan(plan), "Nothing to do.")
}

func TestRunnerMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := newTestRunner(t, seededDB(), WithMetrics(m))

	require.NoError(t, r.Migrate(ctx, ""))
	require.NoError(t, r.Migrate(ctx, "0001_initial"))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.MigrationsApplied))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MigrationsReverted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActionsRun.WithLabelValues("AlterField", "up")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActionsRun.WithLabelValues("AlterField", "down")))
}

func TestRunnerLock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	lock, err := NewLock(dir, time.Hour, nil)
	require.NoError(t, err)

	r := newTestRunner(t, seededDB(), WithLock(lock))
	require.NoError(t, r.Migrate(ctx, ""))
	_, err = os.Stat(filepath.Join(dir, LockFile))
	assert.True(t, os.IsNotExist(err), "lock is released after the run")

	holder, err := NewLock(dir, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, holder.Acquire(ctx))
	defer holder.Release()
	assert.Error(t, r.Migrate(ctx, "0001_initial"))
	assert.Len(t, appliedNames(t, r), 2)
}

func TestRunnerVerifySchema(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRunner(memstore.New("test"), "", WithLogger(zap.New(core)))

	doc := func(collection string) *schema.Document {
		d := schema.NewDocument()
		d.Parameters[schema.ParamCollection] = collection
		return d
	}
	derived := "Post" + schema.NameSeparator + "A"
	r.VerifySchema(schema.Schema{
		"Post":  doc("posts"),
		derived: doc("posts"),
	})
	assert.Equal(t, 0, logs.Len())

	r.VerifySchema(schema.Schema{
		"Post":  doc("posts"),
		derived: doc("archive"),
	})
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, derived, logs.All()[0].ContextMap()["document_type"])
}

func TestMakeMigrations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, m := range []*Migration{initialMigration(), renameMigration()} {
		_, err := WriteMigrationFile(m, dir)
		require.NoError(t, err)
	}
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	r := NewRunner(memstore.New("blog"), dir, WithLogger(zaptest.NewLogger(t)), WithClock(func() time.Time { return now }))

	g, err := r.LoadGraph(ctx)
	require.NoError(t, err)
	built, err := BuildSchema(g)
	require.NoError(t, err)

	m, path, err := r.MakeMigrations(ctx, built)
	require.NoError(t, err)
	assert.Nil(t, m, "no changes")
	assert.Empty(t, path)

	m, path, err = r.MakeMigrations(ctx, schema.Schema{})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "0002_auto_20240501_1230", m.Name)
	assert.Equal(t, []string{"0002_headline"}, m.Dependencies)
	assert.Equal(t, filepath.Join(dir, "0002_auto_20240501_1230.json"), path)
	assert.NotEmpty(t, m.Actions)

	// the generated migration is picked up and closes the gap
	m, _, err = r.MakeMigrations(ctx, schema.Schema{})
	require.NoError(t, err)
	assert.Nil(t, m)

	g, err = r.LoadGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0002_auto_20240501_1230", g.Last().Name)
}

func TestMakeMigrationsDryRun(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(memstore.New("blog"), dir, WithDryRun(true), WithMigrations(initialMigration()))

	m, path, err := r.MakeMigrations(context.Background(), schema.Schema{})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, []string{"0001_initial"}, m.Dependencies)
	assert.Empty(t, path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
