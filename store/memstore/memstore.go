// Package memstore is an in-process implementation of store.Database
// which lets the engine be tested without a server. Documents are kept
// as bsonkit documents; filters and update operators are evaluated by
// lungo's mongokit, update pipelines by this package.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/256dpi/lungo/bsonkit"
	"github.com/256dpi/lungo/mongokit"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dan-strohschein/docmigrate/store"
)

// DefaultVersion is the server version reported unless SetVersion is
// called.
var DefaultVersion = store.Version{Major: 6, Minor: 0}

// Write is a modifying call seen by the store.
type Write struct {
	Collection string
	Method     string
}

type collection struct {
	docs    []bsonkit.Doc
	indexes []bson.M
}

// Database keeps collections in memory. It is safe for concurrent use.
type Database struct {
	mu       sync.Mutex
	name     string
	version  store.Version
	colls    map[string]*collection
	writes   []Write
	failures map[string]error
}

var _ store.Database = (*Database)(nil)

// New creates an empty database.
func New(name string) *Database {
	return &Database{
		name:     name,
		version:  DefaultVersion,
		colls:    make(map[string]*collection),
		failures: make(map[string]error),
	}
}

// SetVersion changes the reported server version.
func (d *Database) SetVersion(v store.Version) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
}

// FailNext makes the next call of method ("updateMany", "bulkWrite",
// "find", ...) on any collection return err.
func (d *Database) FailNext(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[method] = err
}

// Writes returns the modifying calls made so far.
func (d *Database) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Write, len(d.writes))
	copy(out, d.writes)
	return out
}

// ResetWrites forgets recorded writes.
func (d *Database) ResetWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = nil
}

// CreateCollection creates an empty collection if it does not exist.
func (d *Database) CreateCollection(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensure(name)
}

// Insert adds documents to a collection, assigning an ObjectID _id where
// missing, and returns their ids. It panics on values that are not
// documents.
func (d *Database) Insert(coll string, docs ...interface{}) []interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.ensure(coll)
	ids := make([]interface{}, 0, len(docs))
	for _, raw := range docs {
		doc, err := normalizeDoc(raw)
		if err != nil {
			panic(fmt.Sprintf("memstore: cannot insert %T: %v", raw, err))
		}
		if bsonkit.Get(doc, "_id") == bsonkit.Missing {
			if _, err := bsonkit.Put(doc, "_id", primitive.NewObjectID(), true); err != nil {
				panic(fmt.Sprintf("memstore: %v", err))
			}
		}
		c.docs = append(c.docs, doc)
		ids = append(ids, bsonkit.Get(doc, "_id"))
	}
	return ids
}

// Documents returns copies of the documents of a collection in storage
// order.
func (d *Database) Documents(coll string) []bson.M {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.colls[coll]
	if !ok {
		return nil
	}
	out := make([]bson.M, len(c.docs))
	for i, doc := range c.docs {
		out[i] = export(doc)
	}
	return out
}

func (d *Database) ensure(name string) *collection {
	c, ok := d.colls[name]
	if !ok {
		c = &collection{indexes: []bson.M{{"name": "_id_", "key": bson.D{{Key: "_id", Value: int32(1)}}}}}
		d.colls[name] = c
	}
	return c
}

func (d *Database) fail(method string) error {
	if err, ok := d.failures[method]; ok {
		delete(d.failures, method)
		return err
	}
	return nil
}

func (d *Database) recordWrite(coll, method string) {
	d.writes = append(d.writes, Write{Collection: coll, Method: method})
}

func (d *Database) Name() string { return d.name }

func (d *Database) Collection(name string) store.Collection {
	return &Collection{db: d, name: name}
}

func (d *Database) ListCollectionNames(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.colls))
	for name := range d.colls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Database) ServerVersion(ctx context.Context) (store.Version, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version, nil
}

// Collection is a handle to one in-memory collection.
type Collection struct {
	db   *Database
	name string
}

func (c *Collection) Name() string { return c.name }

// matching returns the positions of the stored documents matching
// query. Callers hold the lock.
func (c *Collection) matching(query bsonkit.Doc, limit int64) ([]int, error) {
	coll, ok := c.db.colls[c.name]
	if !ok {
		return nil, nil
	}
	var out []int
	for i, doc := range coll.docs {
		ok, err := mongokit.Match(doc, query)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, i)
			if limit > 0 && int64(len(out)) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (c *Collection) find(filter interface{}, limit int64) ([]bsonkit.Doc, error) {
	query, err := compileFilter(filter)
	if err != nil {
		return nil, err
	}
	idx, err := c.matching(query, limit)
	if err != nil {
		return nil, err
	}
	docs := make([]bsonkit.Doc, len(idx))
	for i, n := range idx {
		docs[i] = bsonkit.Clone(c.db.colls[c.name].docs[n])
	}
	return docs, nil
}

func (c *Collection) CountDocuments(ctx context.Context, filter interface{}, limit int64) (int64, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.fail("countDocuments"); err != nil {
		return 0, err
	}
	docs, err := c.find(filter, limit)
	return int64(len(docs)), err
}

func (c *Collection) Find(ctx context.Context, filter interface{}, opts store.FindOptions) (store.Cursor, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.fail("find"); err != nil {
		return nil, err
	}
	docs, err := c.find(filter, opts.Limit)
	if err != nil {
		return nil, err
	}
	return &Cursor{docs: docs, pos: -1}, nil
}

func (c *Collection) FindOne(ctx context.Context, filter interface{}, out interface{}) (bool, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.fail("findOne"); err != nil {
		return false, err
	}
	docs, err := c.find(filter, 1)
	if err != nil || len(docs) == 0 {
		return false, err
	}
	return true, decode(docs[0], out)
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update interface{}, arrayFilters []interface{}) (store.UpdateResult, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.fail("updateMany"); err != nil {
		return store.UpdateResult{}, err
	}
	c.db.recordWrite(c.name, "updateMany")

	query, err := compileFilter(filter)
	if err != nil {
		return store.UpdateResult{}, err
	}
	upd, err := compileUpdate(update, arrayFilters)
	if err != nil {
		return store.UpdateResult{}, err
	}
	idx, err := c.matching(query, 0)
	if err != nil {
		return store.UpdateResult{}, err
	}
	coll := c.db.colls[c.name]
	var res store.UpdateResult
	for _, n := range idx {
		res.Matched++
		doc := coll.docs[n]
		working := bsonkit.Clone(doc)
		if err := upd.apply(working, query); err != nil {
			return res, err
		}
		if bsonkit.Compare(bsonkit.Get(working, "_id"), bsonkit.Get(doc, "_id")) != 0 {
			return res, fmt.Errorf("performing an update on the path '_id' would modify the immutable field '_id'")
		}
		if bsonkit.Compare(*working, *doc) != 0 {
			res.Modified++
			coll.docs[n] = working
		}
	}
	return res, nil
}

// withID returns repl carrying the _id of doc, which a replacement
// cannot change.
func withID(doc, repl bsonkit.Doc) bsonkit.Doc {
	id := bsonkit.Get(doc, "_id")
	if id == bsonkit.Missing {
		return repl
	}
	bsonkit.Unset(repl, "_id")
	if _, err := bsonkit.Put(repl, "_id", id, true); err != nil {
		panic(fmt.Sprintf("memstore: %v", err))
	}
	return repl
}

func replacementDoc(v interface{}) (bsonkit.Doc, error) {
	repl, err := normalizeDoc(v)
	if err != nil {
		return nil, fmt.Errorf("replacement must be a document: %w", err)
	}
	for _, e := range *repl {
		if strings.HasPrefix(e.Key, "$") {
			return nil, fmt.Errorf("replacement document must not contain update operators")
		}
	}
	return repl, nil
}

func (c *Collection) ReplaceOne(ctx context.Context, filter, replacement interface{}, upsert bool) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.fail("replaceOne"); err != nil {
		return err
	}
	c.db.recordWrite(c.name, "replaceOne")

	repl, err := replacementDoc(replacement)
	if err != nil {
		return err
	}
	query, err := compileFilter(filter)
	if err != nil {
		return err
	}
	idx, err := c.matching(query, 1)
	if err != nil {
		return err
	}
	if len(idx) > 0 {
		coll := c.db.colls[c.name]
		coll.docs[idx[0]] = withID(coll.docs[idx[0]], repl)
		return nil
	}
	if !upsert {
		return nil
	}
	if bsonkit.Get(repl, "_id") == bsonkit.Missing {
		id := bsonkit.Get(query, "_id")
		if cond, ok := id.(bson.D); id == bsonkit.Missing || ok && len(cond) > 0 && strings.HasPrefix(cond[0].Key, "$") {
			id = primitive.NewObjectID()
		}
		if _, err := bsonkit.Put(repl, "_id", id, true); err != nil {
			return err
		}
	}
	coll := c.db.ensure(c.name)
	coll.docs = append(coll.docs, repl)
	return nil
}

func (c *Collection) BulkReplace(ctx context.Context, replacements []store.Replacement) (int64, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.fail("bulkWrite"); err != nil {
		return 0, err
	}
	c.db.recordWrite(c.name, "bulkWrite")

	coll, ok := c.db.colls[c.name]
	if !ok {
		return 0, nil
	}
	var matched int64
	for _, r := range replacements {
		repl, err := replacementDoc(r.Document)
		if err != nil {
			return matched, err
		}
		id, err := normalize(r.ID)
		if err != nil {
			return matched, err
		}
		for i, doc := range coll.docs {
			if bsonkit.Compare(bsonkit.Get(doc, "_id"), id) == 0 {
				coll.docs[i] = withID(doc, repl)
				matched++
				break
			}
		}
	}
	return matched, nil
}

func (c *Collection) Drop(ctx context.Context) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.fail("drop"); err != nil {
		return err
	}
	c.db.recordWrite(c.name, "drop")
	delete(c.db.colls, c.name)
	return nil
}

func (c *Collection) Rename(ctx context.Context, newName string) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.fail("rename"); err != nil {
		return err
	}
	c.db.recordWrite(c.name, "rename")

	coll, ok := c.db.colls[c.name]
	if !ok {
		return fmt.Errorf("source namespace %s.%s does not exist", c.db.name, c.name)
	}
	if _, exists := c.db.colls[newName]; exists {
		return fmt.Errorf("target namespace %s.%s exists", c.db.name, newName)
	}
	delete(c.db.colls, c.name)
	c.db.colls[newName] = coll
	return nil
}

func (c *Collection) Indexes(ctx context.Context) ([]bson.M, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.fail("listIndexes"); err != nil {
		return nil, err
	}
	coll, ok := c.db.colls[c.name]
	if !ok {
		return nil, nil
	}
	out := make([]bson.M, len(coll.indexes))
	for i, idx := range coll.indexes {
		cp := make(bson.M, len(idx))
		for k, v := range idx {
			cp[k] = v
		}
		out[i] = cp
	}
	return out, nil
}

func (c *Collection) CreateIndex(ctx context.Context, spec store.IndexSpec) (string, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.fail("createIndex"); err != nil {
		return "", err
	}
	c.db.recordWrite(c.name, "createIndex")

	if len(spec.Keys) == 0 {
		return "", fmt.Errorf("index keys cannot be empty")
	}
	name := spec.Name()
	coll := c.db.ensure(c.name)
	for _, idx := range coll.indexes {
		if idx["name"] == name {
			if sameKeys(idx["key"], spec.Keys) {
				return name, nil
			}
			return "", fmt.Errorf("an existing index has the same name as the requested index: %s", name)
		}
	}

	idx := bson.M{"name": name, "key": spec.Keys}
	for k, v := range spec.Options {
		if k != "name" {
			idx[k] = v
		}
	}
	coll.indexes = append(coll.indexes, idx)
	return name, nil
}

func (c *Collection) DropIndex(ctx context.Context, name string) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.fail("dropIndex"); err != nil {
		return err
	}
	c.db.recordWrite(c.name, "dropIndex")

	if name == "_id_" {
		return fmt.Errorf("cannot drop _id index")
	}
	coll, ok := c.db.colls[c.name]
	if !ok {
		return fmt.Errorf("ns not found %s.%s", c.db.name, c.name)
	}
	for i, idx := range coll.indexes {
		if idx["name"] == name {
			coll.indexes = append(coll.indexes[:i], coll.indexes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("index not found with name [%s]", name)
}

// Cursor iterates over a snapshot of query results.
type Cursor struct {
	docs []bsonkit.Doc
	pos  int
}

func (c *Cursor) Next(ctx context.Context) bool {
	if c.pos+1 >= len(c.docs) {
		c.pos = len(c.docs)
		return false
	}
	c.pos++
	return true
}

func (c *Cursor) Decode(v interface{}) error {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return fmt.Errorf("cursor is not positioned on a document")
	}
	return decode(c.docs[c.pos], v)
}

func (c *Cursor) Err() error                      { return nil }
func (c *Cursor) Close(ctx context.Context) error { return nil }

func sameKeys(a, b interface{}) bool {
	na, errA := normalize(a)
	nb, errB := normalize(b)
	return errA == nil && errB == nil && bsonkit.Compare(na, nb) == 0
}
