package migration

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dan-strohschein/docmigrate/action"
	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
	"github.com/dan-strohschein/docmigrate/updater"
)

// Runner upgrades and downgrades a database along the migrations graph
// and generates new migrations.
type Runner struct {
	db         store.Database
	state      *StateStore
	dir        string
	collection string
	dryRun     bool
	schemaOnly bool
	policy     updater.Policy
	lock       *Lock
	metrics    *Metrics
	runOpts    []action.RunOption
	extra      []*Migration
	registered bool
	now        func() time.Time
	logger     *zap.Logger
	runID      string
	tracer     *store.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCollection sets the state collection name.
func WithCollection(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.collection = name
		}
	}
}

// WithDryRun records data modifications instead of executing them and
// skips state writes.
func WithDryRun(dryRun bool) Option {
	return func(r *Runner) { r.dryRun = dryRun }
}

// WithSchemaOnly changes the stored schema without touching data.
func WithSchemaOnly(schemaOnly bool) Option {
	return func(r *Runner) { r.schemaOnly = schemaOnly }
}

// WithPolicy sets the policy of generated migrations.
func WithPolicy(p updater.Policy) Option {
	return func(r *Runner) {
		if p != "" {
			r.policy = p
		}
	}
}

// WithLock guards upgrades, downgrades and generation with lock.
func WithLock(lock *Lock) Option {
	return func(r *Runner) { r.lock = lock }
}

// WithMetrics sets the runner metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithRunOptions passes options to every prepared action.
func WithRunOptions(opts ...action.RunOption) Option {
	return func(r *Runner) { r.runOpts = append(r.runOpts, opts...) }
}

// WithMigrations adds migrations to the ones read from the directory.
func WithMigrations(ms ...*Migration) Option {
	return func(r *Runner) { r.extra = append(r.extra, ms...) }
}

// WithRegistered makes the runner include migrations added with
// Register.
func WithRegistered() Option {
	return func(r *Runner) { r.registered = true }
}

// WithClock sets the time source used to name generated migrations.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner for db reading migrations from dir. An
// empty dir means only migrations given by options are used.
func NewRunner(db store.Database, dir string, opts ...Option) *Runner {
	r := &Runner{
		db:         db,
		dir:        dir,
		collection: DefaultCollection,
		policy:     updater.PolicyStrict,
		now:        time.Now,
		logger:     zap.NewNop(),
		runID:      uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("run_id", r.runID))
	r.state = NewStateStore(db, r.collection)
	if r.dryRun {
		r.logger.Debug("dry run requested, data modifications are only logged")
		r.tracer = store.NewTracer(db, r.logger)
		r.db = r.tracer
	}
	return r
}

// State returns the state store of the runner.
func (r *Runner) State() *StateStore { return r.state }

// Tracer returns the dry-run tracer, nil unless dry run is enabled.
func (r *Runner) Tracer() *store.Tracer { return r.tracer }

// LoadGraph builds the migrations graph and marks the applied
// migrations.
func (r *Runner) LoadGraph(ctx context.Context) (*Graph, error) {
	byName := map[string]*Migration{}
	add := func(ms []*Migration) {
		for _, m := range ms {
			cp := *m
			cp.Applied = false
			byName[m.Name] = &cp
		}
	}
	if r.registered {
		add(Registered())
	}
	add(r.extra)
	if r.dir != "" {
		files, err := ListMigrationFiles(r.dir)
		if err != nil {
			return nil, err
		}
		add(files)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	g := NewGraph()
	for _, name := range names {
		g.Add(byName[name])
	}
	if g.Len() > 0 {
		if err := g.Verify(); err != nil {
			return nil, err
		}
	}

	records, err := r.state.LoadApplied(ctx)
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(records))
	for _, rec := range records {
		m, ok := g.Get(rec.Name)
		if !ok {
			return nil, docerr.WithDetail(
				docerr.Graph("migration %s was applied, but its file is not found; use schema repair to fix this", rec.Name),
				"migration", rec.Name)
		}
		if rec.Checksum != "" && rec.Checksum != Checksum(m) {
			r.logger.Warn("migration was changed after it had been applied", zap.String("migration", m.Name))
		}
		m.Applied = true
		applied = append(applied, rec.Name)
	}

	r.logger.Debug("migrations graph loaded",
		zap.Int("migrations", g.Len()),
		zap.Strings("applied", applied))
	if last := g.Last(); last != nil {
		r.logger.Debug("last migration", zap.String("migration", last.Name))
	}
	return g, nil
}

func (r *Runner) withLock(ctx context.Context, fn func() error) (err error) {
	if r.lock == nil {
		return fn()
	}
	if err := r.lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, r.lock.Release())
	}()
	return fn()
}

// Upgrade applies every unapplied migration up to and including target.
func (r *Runner) Upgrade(ctx context.Context, target string) error {
	return r.withLock(ctx, func() error {
		g, err := r.LoadGraph(ctx)
		if err != nil {
			return err
		}
		return r.upgrade(ctx, g, target)
	})
}

// Downgrade reverts applied migrations until target is the last applied
// one.
func (r *Runner) Downgrade(ctx context.Context, target string) error {
	return r.withLock(ctx, func() error {
		g, err := r.LoadGraph(ctx)
		if err != nil {
			return err
		}
		return r.downgrade(ctx, g, target)
	})
}

// Migrate brings the database to target, upgrading or downgrading as
// needed. An empty target means the last migration.
func (r *Runner) Migrate(ctx context.Context, target string) error {
	return r.withLock(ctx, func() error {
		g, err := r.LoadGraph(ctx)
		if err != nil {
			return err
		}
		m, err := r.resolveTarget(g, target)
		if err != nil {
			return err
		}
		if m.Applied {
			return r.downgrade(ctx, g, m.Name)
		}
		return r.upgrade(ctx, g, m.Name)
	})
}

func (r *Runner) resolveTarget(g *Graph, target string) (*Migration, error) {
	if g.Last() == nil {
		return nil, docerr.Graph("no migrations found")
	}
	if target == "" {
		target = g.Last().Name
	}
	m, ok := g.Get(target)
	if !ok {
		return nil, docerr.MigrationNotFound(target)
	}
	return m, nil
}

// Plan returns what Migrate would do without running anything.
func (r *Runner) Plan(ctx context.Context, target string) (*Plan, error) {
	g, err := r.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}
	m, err := r.resolveTarget(g, target)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Direction: Up, Target: m.Name}
	if m.Applied {
		plan.Direction = Down
		walked, err := g.WalkUp(g.Last(), true)
		if err != nil {
			return nil, err
		}
		for _, w := range walked {
			if w.Name == m.Name {
				break
			}
			plan.Migrations = append(plan.Migrations, w)
		}
		return plan, nil
	}

	walked, err := g.WalkDown(g.Initial(), true)
	if err != nil {
		return nil, err
	}
	for _, w := range walked {
		plan.Migrations = append(plan.Migrations, w)
		if w.Name == m.Name {
			break
		}
	}
	return plan, nil
}

func (r *Runner) upgrade(ctx context.Context, g *Graph, target string) error {
	r.logger.Debug("loading schema from database")
	left, err := r.state.LoadSchema(ctx)
	if err != nil {
		return err
	}

	tm, ok := g.Get(target)
	if !ok {
		return docerr.MigrationNotFound(target)
	}
	if tm.Applied {
		r.logger.Info("migration is already applied", zap.String("migration", target))
		return nil
	}

	walked, err := g.WalkDown(g.Initial(), true)
	if err != nil {
		return err
	}
	for _, m := range walked {
		r.logger.Info("upgrading", zap.String("migration", m.Name))
		for idx, a := range m.Actions {
			r.logger.Debug("action", zap.Int("n", idx+1), zap.String("action", action.Describe(a)))
			if err := r.runAction(ctx, a, left, m, Up); err != nil {
				return docerr.MigrationFailed(m.Name, err)
			}
			if left, err = action.Apply(a, left); err != nil {
				return err
			}
			if err := r.writeSchema(ctx, left); err != nil {
				return err
			}
		}

		m.Applied = true
		if err := r.writeApplied(ctx, g); err != nil {
			return err
		}
		r.metrics.migrated(Up)

		if m.Name == target {
			break
		}
	}

	r.VerifySchema(left)
	return nil
}

func (r *Runner) downgrade(ctx context.Context, g *Graph, target string) error {
	r.logger.Debug("loading schema from database")
	left, err := r.state.LoadSchema(ctx)
	if err != nil {
		return err
	}
	if _, ok := g.Get(target); !ok {
		return docerr.MigrationNotFound(target)
	}

	r.logger.Debug("precalculating schema patches")
	patches, err := GenerateRollbackPatches(g)
	if err != nil {
		return err
	}

	walked, err := g.WalkUp(g.Last(), true)
	if err != nil {
		return err
	}
	for _, m := range walked {
		if m.Name == target {
			break
		}
		r.logger.Info("downgrading", zap.String("migration", m.Name))
		for idx := len(m.Actions) - 1; idx >= 0; idx-- {
			a := m.Actions[idx]
			r.logger.Debug("action", zap.Int("n", idx+1), zap.String("action", action.Describe(a)))

			backward, err := patches.Backward(m.Name, idx)
			if err != nil {
				return err
			}
			if left, err = schema.Apply(backward, left); err != nil {
				return docerr.Action(err, "unable to apply schema patch of %s, the schema is likely corrupted", action.Describe(a))
			}
			if err := r.runAction(ctx, a, left, m, Down); err != nil {
				return docerr.MigrationFailed(m.Name, err)
			}
			if err := r.writeSchema(ctx, left); err != nil {
				return err
			}
		}

		m.Applied = false
		if err := r.writeApplied(ctx, g); err != nil {
			return err
		}
		r.metrics.migrated(Down)
	}

	r.VerifySchema(left)
	return nil
}

// runAction runs the data step of a. left is the schema before a on
// upgrade and the schema after reverting a on downgrade.
func (r *Runner) runAction(ctx context.Context, a action.Action, left schema.Schema, m *Migration, d Direction) error {
	if a.Dummy() || r.schemaOnly {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := append([]action.RunOption{action.WithLogger(r.logger.With(zap.String("migration", m.Name)))}, r.runOpts...)
	if err := a.Prepare(ctx, r.db, left, m.policy(), opts...); err != nil {
		return err
	}
	defer a.Cleanup()

	start := time.Now()
	var err error
	if d == Up {
		err = a.RunForward(ctx)
	} else {
		err = a.RunBackward(ctx)
	}
	if err != nil {
		return err
	}
	r.metrics.actionRun(a.Name(), d, time.Since(start).Seconds())
	return nil
}

func (r *Runner) writeSchema(ctx context.Context, s schema.Schema) error {
	if r.dryRun {
		return nil
	}
	return r.state.WriteSchema(ctx, s)
}

func (r *Runner) writeApplied(ctx context.Context, g *Graph) error {
	if r.dryRun {
		return nil
	}
	r.logger.Debug("writing migrations state")
	records, err := AppliedRecords(g)
	if err != nil {
		return err
	}
	return r.state.WriteApplied(ctx, records)
}

// VerifySchema warns about derived documents stored in another
// collection than their base document, which happens when the
// collection change of a derived document was edited out of a
// migration.
func (r *Runner) VerifySchema(s schema.Schema) {
	collections := map[string]string{}
	for _, name := range schema.DocumentTypes(s) {
		doc := s[name]
		col := doc.Collection()
		if col == "" {
			continue
		}
		top := strings.SplitN(name, schema.NameSeparator, 2)[0]
		if base, ok := collections[top]; ok && base != col {
			r.logger.Warn("derived document is stored in a different collection than its base document, fix the collection name and rerun the affected migration",
				zap.String("document_type", name),
				zap.String("collection", col),
				zap.String("base_document_type", top),
				zap.String("base_collection", base))
			continue
		}
		collections[top] = col
	}
}

// BuildSchema replays every migration of g on an empty schema.
func BuildSchema(g *Graph) (schema.Schema, error) {
	walked, err := g.WalkDown(g.Initial(), false)
	if err != nil {
		return nil, err
	}
	s := schema.Schema{}
	for _, m := range walked {
		for _, a := range m.Actions {
			if s, err = action.Apply(a, s); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// MakeMigrations compares declared with the schema the migrations
// produce and writes a migration file bridging them. It returns nil when
// nothing changed.
func (r *Runner) MakeMigrations(ctx context.Context, declared schema.Schema) (*Migration, string, error) {
	var (
		m    *Migration
		path string
	)
	err := r.withLock(ctx, func() error {
		g, err := r.LoadGraph(ctx)
		if err != nil {
			return err
		}
		built, err := BuildSchema(g)
		if err != nil {
			return err
		}
		if schema.Equal(built, declared) {
			r.logger.Info("no changes detected")
			return nil
		}

		r.logger.Debug("building actions chain")
		chain, err := action.BuildActionsChain(built, declared, r.logger)
		if err != nil {
			return err
		}

		m = &Migration{
			Name:    AutoName(g.Len(), r.now()),
			Policy:  r.policy,
			Actions: chain,
		}
		if last := g.Last(); last != nil {
			m.Dependencies = []string{last.Name}
		}
		if r.dir == "" || r.dryRun {
			r.logger.Info("migration generated", zap.String("migration", m.Name), zap.Int("actions", len(chain)))
			return nil
		}
		if err := InitMigrationDirectory(r.dir, r.logger); err != nil {
			return err
		}
		path, err = WriteMigrationFile(m, r.dir)
		if err != nil {
			return err
		}
		r.logger.Info("migration file created", zap.String("path", path), zap.Int("actions", len(chain)))
		return nil
	})
	return m, path, err
}

// Status lists every migration in applying order.
func (r *Runner) Status(ctx context.Context) ([]StatusEntry, error) {
	g, err := r.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}
	walked, err := g.WalkDown(g.Initial(), false)
	if err != nil {
		return nil, err
	}
	out := make([]StatusEntry, 0, len(walked))
	for _, m := range walked {
		out = append(out, StatusEntry{
			Name:         m.Name,
			Applied:      m.Applied,
			Dependencies: m.Dependencies,
			Actions:      len(m.Actions),
			Policy:       string(m.policy()),
		})
	}
	return out, nil
}
