package store

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// CallKind classifies a traced call.
type CallKind string

const (
	CallRead      CallKind = "READ"
	CallModify    CallKind = "MODIFY"
	CallAggregate CallKind = "AGGREGATE"
)

// TracedCall is one call recorded by a Tracer.
type TracedCall struct {
	Kind       CallKind
	Collection string
	Method     string
	Args       string
}

// Tracer wraps a Database for dry runs: reads go to the wrapped
// database, modifications are logged and recorded but never executed.
type Tracer struct {
	db     Database
	logger *zap.Logger

	mu      sync.Mutex
	history []TracedCall
}

// NewTracer wraps db. A nil logger disables logging.
func NewTracer(db Database, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{db: db, logger: logger}
}

// History returns the recorded calls.
func (t *Tracer) History() []TracedCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TracedCall, len(t.history))
	copy(out, t.history)
	return out
}

// Modifications returns the recorded calls that would have changed data,
// pipeline updates included.
func (t *Tracer) Modifications() []TracedCall {
	var out []TracedCall
	for _, c := range t.History() {
		if c.Kind != CallRead {
			out = append(out, c)
		}
	}
	return out
}

func (t *Tracer) record(kind CallKind, collection, method string, args ...interface{}) {
	call := TracedCall{Kind: kind, Collection: collection, Method: method}
	for i, a := range args {
		if i > 0 {
			call.Args += ", "
		}
		call.Args += fmt.Sprintf("%v", a)
	}

	t.mu.Lock()
	t.history = append(t.history, call)
	t.mu.Unlock()

	if kind != CallRead {
		t.logger.Info("dry run: skipped write",
			zap.String("collection", collection),
			zap.String("method", method),
			zap.String("args", call.Args))
	} else {
		t.logger.Debug("dry run: read",
			zap.String("collection", collection),
			zap.String("method", method),
			zap.String("args", call.Args))
	}
}

func (t *Tracer) Name() string { return t.db.Name() }

func (t *Tracer) Collection(name string) Collection {
	return &tracedCollection{tracer: t, coll: t.db.Collection(name)}
}

func (t *Tracer) ListCollectionNames(ctx context.Context) ([]string, error) {
	t.record(CallRead, "", "listCollectionNames")
	return t.db.ListCollectionNames(ctx)
}

func (t *Tracer) ServerVersion(ctx context.Context) (Version, error) {
	return t.db.ServerVersion(ctx)
}

type tracedCollection struct {
	tracer *Tracer
	coll   Collection
}

func (c *tracedCollection) Name() string { return c.coll.Name() }

func (c *tracedCollection) CountDocuments(ctx context.Context, filter interface{}, limit int64) (int64, error) {
	c.tracer.record(CallRead, c.Name(), "countDocuments", filter, limit)
	return c.coll.CountDocuments(ctx, filter, limit)
}

func (c *tracedCollection) Find(ctx context.Context, filter interface{}, opts FindOptions) (Cursor, error) {
	c.tracer.record(CallRead, c.Name(), "find", filter, opts.Limit)
	return c.coll.Find(ctx, filter, opts)
}

func (c *tracedCollection) FindOne(ctx context.Context, filter interface{}, out interface{}) (bool, error) {
	c.tracer.record(CallRead, c.Name(), "findOne", filter)
	return c.coll.FindOne(ctx, filter, out)
}

func (c *tracedCollection) UpdateMany(ctx context.Context, filter, update interface{}, arrayFilters []interface{}) (UpdateResult, error) {
	kind := CallModify
	if _, pipeline := update.(bson.A); pipeline {
		kind = CallAggregate
	} else if _, pipeline := update.([]interface{}); pipeline {
		kind = CallAggregate
	}
	c.tracer.record(kind, c.Name(), "updateMany", filter, update, arrayFilters)
	return UpdateResult{}, nil
}

func (c *tracedCollection) ReplaceOne(ctx context.Context, filter, replacement interface{}, upsert bool) error {
	c.tracer.record(CallModify, c.Name(), "replaceOne", filter, upsert)
	return nil
}

func (c *tracedCollection) BulkReplace(ctx context.Context, replacements []Replacement) (int64, error) {
	c.tracer.record(CallModify, c.Name(), "bulkWrite", fmt.Sprintf("%d replacements", len(replacements)))
	return 0, nil
}

func (c *tracedCollection) Drop(ctx context.Context) error {
	c.tracer.record(CallModify, c.Name(), "drop")
	return nil
}

func (c *tracedCollection) Rename(ctx context.Context, newName string) error {
	c.tracer.record(CallModify, c.Name(), "rename", newName)
	return nil
}

func (c *tracedCollection) Indexes(ctx context.Context) ([]bson.M, error) {
	c.tracer.record(CallRead, c.Name(), "listIndexes")
	return c.coll.Indexes(ctx)
}

func (c *tracedCollection) CreateIndex(ctx context.Context, spec IndexSpec) (string, error) {
	c.tracer.record(CallModify, c.Name(), "createIndex", spec.Keys, spec.Options)
	return spec.Name(), nil
}

func (c *tracedCollection) DropIndex(ctx context.Context, name string) error {
	c.tracer.record(CallModify, c.Name(), "dropIndex", name)
	return nil
}
