package action

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
	"github.com/dan-strohschein/docmigrate/updater"
)

// Action type names of the index level.
const (
	NameCreateIndex = "CreateIndex"
	NameDropIndex   = "DropIndex"
	NameAlterIndex  = "AlterIndex"
)

// indexFieldsKey holds the [key, direction] pairs of an index schema.
const indexFieldsKey = "fields"

type indexBase struct {
	base
	indexName string

	// leftIndex is the index schema before the action, nil when absent
	leftIndex schema.IndexSchema
}

func newIndexBase(name, documentType, indexName string, priority int, params map[string]interface{}) indexBase {
	return indexBase{base: newBase(name, documentType, priority, params), indexName: indexName}
}

// IndexName returns the schema name of the index.
func (a *indexBase) IndexName() string { return a.indexName }

func (a *indexBase) Spec() Spec {
	s := a.spec()
	s.IndexName = a.indexName
	return s
}

// prepareIndex binds the run context. The document must exist; the index
// must exist too unless the action creates it.
func (a *indexBase) prepareIndex(ctx context.Context, db store.Database, left schema.Schema, policy updater.Policy, mustExist bool, opts []RunOption) error {
	doc, ok := left.Document(a.documentType)
	if !ok {
		return docerr.Schema("document %s is not in schema", a.documentType)
	}
	idx, ok := doc.Indexes[a.indexName]
	if !ok && mustExist {
		return docerr.Schema("index %s of document %s is not in schema", a.indexName, a.documentType)
	}
	a.leftIndex = idx
	if err := a.base.Prepare(ctx, db, left, policy, opts...); err != nil {
		return err
	}
	if a.run.collection == nil {
		return docerr.Schema("document %s has no collection", a.documentType)
	}
	return nil
}

func (a *indexBase) leftDocument(left schema.Schema) (*schema.Document, error) {
	doc, ok := left.Document(a.documentType)
	if !ok {
		return nil, docerr.Schema("document %s is not in schema", a.documentType)
	}
	return doc, nil
}

// indexSpec converts an index schema into a store index specification.
func indexSpec(idx map[string]interface{}) (store.IndexSpec, error) {
	spec := store.IndexSpec{Options: bson.M{}}
	raw, _ := schema.Normalize(idx[indexFieldsKey]).([]interface{})
	for _, item := range raw {
		switch t := item.(type) {
		case string:
			spec.Keys = append(spec.Keys, bson.E{Key: t, Value: int32(1)})
		case []interface{}:
			if len(t) != 2 {
				return spec, docerr.Schema("index key %v must be a [key, direction] pair", t)
			}
			key, ok := t[0].(string)
			if !ok {
				return spec, docerr.Schema("index key %v must start with a string", t)
			}
			dir := t[1]
			if n, ok := dir.(int64); ok {
				dir = int32(n)
			}
			spec.Keys = append(spec.Keys, bson.E{Key: key, Value: dir})
		default:
			return spec, docerr.Schema("unexpected index key %v", item)
		}
	}
	if len(spec.Keys) == 0 {
		return spec, docerr.Schema("index has no fields")
	}
	for k, v := range idx {
		if k != indexFieldsKey {
			spec.Options[k] = v
		}
	}
	return spec, nil
}

// findIndex returns the server name of the index described by spec,
// matching the explicit name option or else the key specification.
func findIndex(ctx context.Context, coll store.Collection, spec store.IndexSpec) (string, bool, error) {
	indexes, err := coll.Indexes(ctx)
	if err != nil {
		return "", false, errors.Wrapf(err, "list indexes of %s", coll.Name())
	}
	explicit, _ := spec.Options["name"].(string)
	for _, idx := range indexes {
		name, _ := idx["name"].(string)
		if explicit != "" {
			if name == explicit {
				return name, true, nil
			}
			continue
		}
		if keysEqual(idx["key"], spec.Keys) {
			return name, true, nil
		}
	}
	return "", false, nil
}

func keysEqual(stored interface{}, want bson.D) bool {
	switch t := stored.(type) {
	case bson.D:
		if len(t) != len(want) {
			return false
		}
		for i := range t {
			if t[i].Key != want[i].Key || !directionsEqual(t[i].Value, want[i].Value) {
				return false
			}
		}
		return true
	case bson.M:
		return keysEqual(sortedD(t), sortedD(want.Map()))
	case map[string]interface{}:
		return keysEqual(sortedD(t), sortedD(want.Map()))
	}
	return false
}

func sortedD(m map[string]interface{}) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := make(bson.D, 0, len(m))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: m[k]})
	}
	return d
}

func directionsEqual(a, b interface{}) bool {
	return fmt.Sprint(schema.Normalize(a)) == fmt.Sprint(schema.Normalize(b))
}

func (a *indexBase) createIndex(ctx context.Context, idx map[string]interface{}) error {
	spec, err := indexSpec(idx)
	if err != nil {
		return err
	}
	name, err := a.run.collection.CreateIndex(ctx, spec)
	if err != nil {
		return errors.Wrapf(err, "create index %s on %s", spec.Name(), a.run.collection.Name())
	}
	a.run.logger.Info("index created", zap.String("index", name), zap.String("collection", a.run.collection.Name()))
	return nil
}

// dropIndex drops the index described by idx. A missing index is not an
// error.
func (a *indexBase) dropIndex(ctx context.Context, idx map[string]interface{}) error {
	spec, err := indexSpec(idx)
	if err != nil {
		return err
	}
	name, found, err := findIndex(ctx, a.run.collection, spec)
	if err != nil {
		return err
	}
	if !found {
		a.run.logger.Debug("index not found, nothing to drop", zap.String("index", a.indexName))
		return nil
	}
	if err := a.run.collection.DropIndex(ctx, name); err != nil {
		return errors.Wrapf(err, "drop index %s on %s", name, a.run.collection.Name())
	}
	a.run.logger.Info("index dropped", zap.String("index", name), zap.String("collection", a.run.collection.Name()))
	return nil
}

func indexBuilderMatch(documentType string, left, right schema.Schema) (*schema.Document, *schema.Document, bool) {
	if schema.IsEmbedded(documentType) {
		return nil, nil, false
	}
	return inBoth(documentType, left, right)
}

// CreateIndex creates an index.
type CreateIndex struct{ indexBase }

// NewCreateIndex returns an action creating the index described by
// params.
func NewCreateIndex(documentType, indexName string, params schema.IndexSchema) *CreateIndex {
	return &CreateIndex{newIndexBase(NameCreateIndex, documentType, indexName, PriorityCreateIndex, params)}
}

func buildCreateIndex(documentType, indexName string, left, right schema.Schema) Action {
	l, r, ok := indexBuilderMatch(documentType, left, right)
	if !ok {
		return nil
	}
	if _, exists := l.Indexes[indexName]; exists {
		return nil
	}
	idx, ok := r.Indexes[indexName]
	if !ok {
		return nil
	}
	return NewCreateIndex(documentType, indexName, idx)
}

func (a *CreateIndex) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	doc, err := a.leftDocument(left)
	if err != nil {
		return nil, err
	}
	if _, exists := doc.Indexes[a.indexName]; exists {
		return nil, docerr.Schema("index %s of document %s already exists", a.indexName, a.documentType)
	}
	return schema.Patch{schema.Add(schema.IndexPath(a.documentType, a.indexName), a.Parameters())}, nil
}

func (a *CreateIndex) Prepare(ctx context.Context, db store.Database, left schema.Schema, policy updater.Policy, opts ...RunOption) error {
	return a.prepareIndex(ctx, db, left, policy, false, opts)
}

func (a *CreateIndex) RunForward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.createIndex(ctx, a.params)
}

func (a *CreateIndex) RunBackward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.dropIndex(ctx, a.params)
}

// DropIndex drops an index.
type DropIndex struct{ indexBase }

// NewDropIndex returns an action dropping an index.
func NewDropIndex(documentType, indexName string) *DropIndex {
	return &DropIndex{newIndexBase(NameDropIndex, documentType, indexName, PriorityDropIndex, nil)}
}

func buildDropIndex(documentType, indexName string, left, right schema.Schema) Action {
	l, r, ok := indexBuilderMatch(documentType, left, right)
	if !ok {
		return nil
	}
	if _, exists := r.Indexes[indexName]; exists {
		return nil
	}
	if _, ok := l.Indexes[indexName]; !ok {
		return nil
	}
	return NewDropIndex(documentType, indexName)
}

func (a *DropIndex) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	doc, err := a.leftDocument(left)
	if err != nil {
		return nil, err
	}
	idx, ok := doc.Indexes[a.indexName]
	if !ok {
		return nil, docerr.Schema("index %s of document %s is not in schema", a.indexName, a.documentType)
	}
	return schema.Patch{schema.Remove(schema.IndexPath(a.documentType, a.indexName), schema.Normalize(idx))}, nil
}

func (a *DropIndex) Prepare(ctx context.Context, db store.Database, left schema.Schema, policy updater.Policy, opts ...RunOption) error {
	return a.prepareIndex(ctx, db, left, policy, true, opts)
}

func (a *DropIndex) RunForward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.dropIndex(ctx, a.leftIndex)
}

func (a *DropIndex) RunBackward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.createIndex(ctx, a.leftIndex)
}

// AlterIndex recreates an index with new parameters.
type AlterIndex struct{ indexBase }

// NewAlterIndex returns an action replacing an index definition by
// params.
func NewAlterIndex(documentType, indexName string, params schema.IndexSchema) *AlterIndex {
	return &AlterIndex{newIndexBase(NameAlterIndex, documentType, indexName, PriorityAlterIndex, params)}
}

func buildAlterIndex(documentType, indexName string, left, right schema.Schema) Action {
	l, r, ok := indexBuilderMatch(documentType, left, right)
	if !ok {
		return nil
	}
	li, ok := l.Indexes[indexName]
	if !ok {
		return nil
	}
	ri, ok := r.Indexes[indexName]
	if !ok {
		return nil
	}
	if schema.ValuesEqual(schema.Normalize(li), schema.Normalize(ri)) {
		return nil
	}
	return NewAlterIndex(documentType, indexName, ri)
}

func (a *AlterIndex) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	doc, err := a.leftDocument(left)
	if err != nil {
		return nil, err
	}
	idx, ok := doc.Indexes[a.indexName]
	if !ok {
		return nil, docerr.Schema("index %s of document %s is not in schema", a.indexName, a.documentType)
	}
	return schema.Patch{schema.Change(schema.IndexPath(a.documentType, a.indexName), schema.Normalize(idx), a.Parameters())}, nil
}

func (a *AlterIndex) Prepare(ctx context.Context, db store.Database, left schema.Schema, policy updater.Policy, opts ...RunOption) error {
	return a.prepareIndex(ctx, db, left, policy, true, opts)
}

func (a *AlterIndex) RunForward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	if err := a.dropIndex(ctx, a.leftIndex); err != nil {
		return err
	}
	return a.createIndex(ctx, a.params)
}

func (a *AlterIndex) RunBackward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	if err := a.dropIndex(ctx, a.params); err != nil {
		return err
	}
	return a.createIndex(ctx, a.leftIndex)
}
