package action

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/updater"
)

// Action type names of the document level.
const (
	NameCreateDocument = "CreateDocument"
	NameDropDocument   = "DropDocument"
	NameRenameDocument = "RenameDocument"
	NameAlterDocument  = "AlterDocument"
	NameCreateEmbedded = "CreateEmbedded"
	NameDropEmbedded   = "DropEmbedded"
	NameRenameEmbedded = "RenameEmbedded"
	NameAlterEmbedded  = "AlterEmbedded"
)

// ParamNewName holds the target name of rename actions.
const ParamNewName = "new_name"

// CreateDocument adds a document type to the schema. Collections are
// created by the server on first write, so going forward touches no
// data; going backward drops the collection.
type CreateDocument struct{ base }

// NewCreateDocument returns an action creating a collection backed
// document type with the given parameters.
func NewCreateDocument(documentType string, params schema.Parameters) *CreateDocument {
	return &CreateDocument{newBase(NameCreateDocument, documentType, PriorityCreateDocument, params)}
}

// NewCreateEmbedded returns an action creating an embedded document type.
func NewCreateEmbedded(documentType string, params schema.Parameters) *CreateDocument {
	return &CreateDocument{newBase(NameCreateEmbedded, documentType, PriorityCreateEmbedded, params)}
}

func buildCreateDocument(embedded bool) DocumentBuilder {
	return func(documentType string, left, right schema.Schema) Action {
		if schema.IsEmbedded(documentType) != embedded {
			return nil
		}
		if _, ok := left.Document(documentType); ok {
			return nil
		}
		doc, ok := right.Document(documentType)
		if !ok {
			return nil
		}
		if embedded {
			return NewCreateEmbedded(documentType, doc.Parameters)
		}
		return NewCreateDocument(documentType, doc.Parameters)
	}
}

func (a *CreateDocument) Spec() Spec { return a.spec() }

func (a *CreateDocument) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	if _, ok := left.Document(a.documentType); ok {
		return nil, docerr.Schema("document %s already exists in schema", a.documentType)
	}
	doc := schema.NewDocument()
	for k, v := range a.params {
		doc.Parameters[k] = v
	}
	return schema.Patch{schema.Add(schema.DocumentPath(a.documentType), schema.DocumentValue(doc))}, nil
}

func (a *CreateDocument) RunForward(ctx context.Context) error {
	return a.prepared()
}

func (a *CreateDocument) RunBackward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.dropCollection(ctx)
}

// DropDocument removes a document type from the schema and drops its
// collection.
type DropDocument struct{ base }

// NewDropDocument returns an action dropping a collection backed
// document type.
func NewDropDocument(documentType string) *DropDocument {
	return &DropDocument{newBase(NameDropDocument, documentType, PriorityDropDocument, nil)}
}

// NewDropEmbedded returns an action dropping an embedded document type.
func NewDropEmbedded(documentType string) *DropDocument {
	return &DropDocument{newBase(NameDropEmbedded, documentType, PriorityDropEmbedded, nil)}
}

func buildDropDocument(embedded bool) DocumentBuilder {
	return func(documentType string, left, right schema.Schema) Action {
		if schema.IsEmbedded(documentType) != embedded {
			return nil
		}
		if _, ok := right.Document(documentType); ok {
			return nil
		}
		if _, ok := left.Document(documentType); !ok {
			return nil
		}
		if embedded {
			return NewDropEmbedded(documentType)
		}
		return NewDropDocument(documentType)
	}
}

func (a *DropDocument) Spec() Spec { return a.spec() }

func (a *DropDocument) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	doc, ok := left.Document(a.documentType)
	if !ok {
		return nil, docerr.Schema("document %s is not in schema", a.documentType)
	}
	return schema.Patch{schema.Remove(schema.DocumentPath(a.documentType), schema.DocumentValue(doc))}, nil
}

func (a *DropDocument) RunForward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.dropCollection(ctx)
}

func (a *DropDocument) RunBackward(ctx context.Context) error {
	return a.prepared()
}

// dropCollection drops the collection of the action's document type,
// unless the type takes part in inheritance and the collection still
// holds other types.
func (b *base) dropCollection(ctx context.Context) error {
	if schema.IsEmbedded(b.documentType) || b.run.collection == nil {
		return nil
	}
	coll := b.run.collection.Name()
	if b.inherits() {
		if others := otherUsers(b.run.left, b.documentType, coll); len(others) > 0 {
			b.run.logger.Info("collection is used by other documents, not dropping",
				zap.String("collection", coll), zap.Strings("documents", others))
			return nil
		}
	}
	b.run.logger.Info("dropping collection", zap.String("collection", coll))
	if err := b.run.collection.Drop(ctx); err != nil {
		return errors.Wrapf(err, "drop collection %s", coll)
	}
	return nil
}

// inherits reports whether the document type takes part in inheritance,
// according to the action parameters or else the bound schema.
func (b *base) inherits() bool {
	if v, ok := b.params[schema.ParamInherit].(bool); ok {
		return v
	}
	if doc, ok := b.run.left.Document(b.documentType); ok {
		return doc.Inherit()
	}
	return false
}

func otherUsers(s schema.Schema, documentType, collection string) []string {
	var out []string
	for _, name := range s.CollectionUsers(collection) {
		if name != documentType {
			out = append(out, name)
		}
	}
	return out
}

// RenameDocument renames a document type. The collection name is a
// parameter of the document, so no data changes.
type RenameDocument struct {
	base
	newName string
}

// NewRenameDocument returns an action renaming a collection backed
// document type.
func NewRenameDocument(documentType, newName string) *RenameDocument {
	return &RenameDocument{
		base:    newBase(NameRenameDocument, documentType, PriorityRenameDocument, map[string]interface{}{ParamNewName: newName}),
		newName: newName,
	}
}

// NewRenameEmbedded returns an action renaming an embedded document type.
func NewRenameEmbedded(documentType, newName string) *RenameDocument {
	return &RenameDocument{
		base:    newBase(NameRenameEmbedded, documentType, PriorityRenameEmbedded, map[string]interface{}{ParamNewName: newName}),
		newName: newName,
	}
}

// NewName returns the name the document type gets.
func (a *RenameDocument) NewName() string { return a.newName }

func buildRenameDocument(embedded bool) DocumentBuilder {
	return func(documentType string, left, right schema.Schema) Action {
		if schema.IsEmbedded(documentType) != embedded {
			return nil
		}
		leftDoc, ok := left.Document(documentType)
		if !ok {
			return nil
		}
		if _, ok := right.Document(documentType); ok {
			return nil
		}

		names := make([]string, 0, len(right))
		for name := range right {
			names = append(names, name)
		}
		sort.Strings(names)

		var candidates []string
		for _, name := range names {
			if schema.IsEmbedded(name) != embedded {
				continue
			}
			if _, ok := left.Document(name); ok {
				continue
			}
			rightDoc := right[name]
			if schema.Equal(schema.Schema{"_": leftDoc}, schema.Schema{"_": rightDoc}) {
				candidates = []string{name}
				break
			}
			if documentsSimilar(leftDoc, rightDoc) {
				candidates = append(candidates, name)
			}
		}
		if len(candidates) != 1 {
			return nil
		}
		if embedded {
			return NewRenameEmbedded(documentType, candidates[0])
		}
		return NewRenameDocument(documentType, candidates[0])
	}
}

// documentsSimilar compares the attributes of fields present under the
// same name in both documents.
func documentsSimilar(left, right *schema.Document) bool {
	var matches, compares int
	for name, lf := range left.Fields {
		rf, ok := right.Fields[name]
		if !ok {
			continue
		}
		for key, lv := range lf {
			rv, ok := rf[key]
			if !ok {
				continue
			}
			compares++
			if schema.ValuesEqual(lv, rv) {
				matches++
			}
		}
	}
	return similar(matches, compares)
}

func (a *RenameDocument) Spec() Spec { return a.spec() }

func (a *RenameDocument) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	doc, ok := left.Document(a.documentType)
	if !ok {
		return nil, docerr.Schema("document %s is not in schema", a.documentType)
	}
	if a.newName == "" {
		return nil, docerr.Schema("new name of document %s is empty", a.documentType)
	}
	if _, exists := left.Document(a.newName); exists {
		return nil, docerr.Schema("document %s already exists in schema", a.newName)
	}
	value := schema.DocumentValue(doc)
	return schema.Patch{
		schema.Remove(schema.DocumentPath(a.documentType), value),
		schema.Add(schema.DocumentPath(a.newName), value),
	}, nil
}

func (a *RenameDocument) RunForward(ctx context.Context) error  { return a.prepared() }
func (a *RenameDocument) RunBackward(ctx context.Context) error { return a.prepared() }

// AlterDocument replaces the parameters of a collection backed document
// type, renaming the collection when its name changes.
type AlterDocument struct{ base }

// NewAlterDocument returns an action setting new parameters of a
// document type.
func NewAlterDocument(documentType string, params schema.Parameters) *AlterDocument {
	return &AlterDocument{newBase(NameAlterDocument, documentType, PriorityAlterDocument, params)}
}

func buildAlterDocument(documentType string, left, right schema.Schema) Action {
	if schema.IsEmbedded(documentType) {
		return nil
	}
	params, ok := changedParameters(documentType, left, right)
	if !ok {
		return nil
	}
	return NewAlterDocument(documentType, params)
}

func changedParameters(documentType string, left, right schema.Schema) (schema.Parameters, bool) {
	l, ok := left.Document(documentType)
	if !ok {
		return nil, false
	}
	r, ok := right.Document(documentType)
	if !ok {
		return nil, false
	}
	if schema.ValuesEqual(schema.Normalize(l.Parameters), schema.Normalize(r.Parameters)) {
		return nil, false
	}
	return r.Parameters, true
}

func (a *AlterDocument) Spec() Spec { return a.spec() }

func (a *AlterDocument) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	return parametersPatch(a.documentType, a.params, left)
}

func parametersPatch(documentType string, params map[string]interface{}, left schema.Schema) (schema.Patch, error) {
	doc, ok := left.Document(documentType)
	if !ok {
		return nil, docerr.Schema("document %s is not in schema", documentType)
	}
	old := schema.Normalize(doc.Parameters)
	if old == nil {
		old = map[string]interface{}{}
	}
	return schema.Patch{schema.Change(schema.ParametersPath(documentType), old, schema.Normalize(params))}, nil
}

func (a *AlterDocument) RunForward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	doc, ok := a.run.left.Document(a.documentType)
	if !ok {
		return docerr.Schema("document %s is not in schema", a.documentType)
	}
	return a.renameCollection(ctx, doc.Collection(), stringParam(a.params, schema.ParamCollection))
}

func (a *AlterDocument) RunBackward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	doc, ok := a.run.left.Document(a.documentType)
	if !ok {
		return docerr.Schema("document %s is not in schema", a.documentType)
	}
	return a.renameCollection(ctx, stringParam(a.params, schema.ParamCollection), doc.Collection())
}

// renameCollection renames from to to when from exists, to does not and
// no other document type still lives in from.
func (a *AlterDocument) renameCollection(ctx context.Context, from, to string) error {
	if from == "" || to == "" || from == to {
		return nil
	}
	log := a.run.logger.With(zap.String("from", from), zap.String("to", to))
	if a.inherits() {
		if others := otherUsers(a.run.left, a.documentType, from); len(others) > 0 {
			log.Info("collection is used by other documents, not renaming", zap.Strings("documents", others))
			return nil
		}
	}

	names, err := a.run.db.ListCollectionNames(ctx)
	if err != nil {
		return errors.Wrap(err, "list collections")
	}
	var fromExists, toExists bool
	for _, n := range names {
		fromExists = fromExists || n == from
		toExists = toExists || n == to
	}
	if !fromExists || toExists {
		log.Debug("skipping collection rename", zap.Bool("source_exists", fromExists), zap.Bool("target_exists", toExists))
		return nil
	}

	log.Info("renaming collection")
	if err := a.run.db.Collection(from).Rename(ctx, to); err != nil {
		return errors.Wrapf(err, "rename collection %s to %s", from, to)
	}
	return nil
}

// AlterEmbedded replaces the parameters of an embedded document type.
// Dropping inheritance removes stored "_cls" keys and dropping dynamic
// removes keys the schema does not declare.
type AlterEmbedded struct{ base }

// NewAlterEmbedded returns an action setting new parameters of an
// embedded document type.
func NewAlterEmbedded(documentType string, params schema.Parameters) *AlterEmbedded {
	return &AlterEmbedded{newBase(NameAlterEmbedded, documentType, PriorityAlterEmbedded, params)}
}

func buildAlterEmbedded(documentType string, left, right schema.Schema) Action {
	if !schema.IsEmbedded(documentType) {
		return nil
	}
	params, ok := changedParameters(documentType, left, right)
	if !ok {
		return nil
	}
	return NewAlterEmbedded(documentType, params)
}

func (a *AlterEmbedded) Spec() Spec { return a.spec() }

func (a *AlterEmbedded) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	return parametersPatch(a.documentType, a.params, left)
}

func (a *AlterEmbedded) RunForward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	doc, ok := a.run.left.Document(a.documentType)
	if !ok {
		return docerr.Schema("document %s is not in schema", a.documentType)
	}
	return a.apply(ctx, doc, doc.Parameters, a.params)
}

func (a *AlterEmbedded) RunBackward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	doc, ok := a.run.left.Document(a.documentType)
	if !ok {
		return docerr.Schema("document %s is not in schema", a.documentType)
	}
	return a.apply(ctx, doc, a.params, doc.Parameters)
}

// apply handles the parameter changes from -> to which affect stored
// data. Only switching a flag off does.
func (a *AlterEmbedded) apply(ctx context.Context, doc *schema.Document, from, to map[string]interface{}) error {
	for _, key := range []string{schema.ParamDynamic, schema.ParamInherit} {
		old, err := flag(a.documentType, key, from)
		if err != nil {
			return err
		}
		next, err := flag(a.documentType, key, to)
		if err != nil {
			return err
		}
		if !old || next {
			continue
		}
		switch key {
		case schema.ParamDynamic:
			err = a.dropUndeclared(ctx, doc)
		case schema.ParamInherit:
			err = a.dropClass(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func flag(documentType, key string, params map[string]interface{}) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, docerr.Migration("parameter %s of %s must be a boolean, got %T", key, documentType, v)
	}
	return b, nil
}

// dropClass unsets "_cls" in every embedded document of the type.
func (a *AlterEmbedded) dropClass(ctx context.Context) error {
	u, err := a.updater(ctx, "")
	if err != nil {
		return err
	}
	return u.UpdateByPath(ctx, func(ctx context.Context, c updater.ByPathContext) error {
		_, err := c.Collection.UpdateMany(ctx,
			c.Filter(bson.M{c.FilterDotpath + "._cls": bson.M{"$exists": true}}),
			bson.M{"$unset": bson.M{c.UpdateDotpath + "._cls": ""}},
			c.BuildArrayFilters(nil))
		return err
	})
}

// dropUndeclared removes keys which are not fields of doc.
func (a *AlterEmbedded) dropUndeclared(ctx context.Context, doc *schema.Document) error {
	keep := map[string]bool{"_id": true, "_cls": true}
	for name, f := range doc.Fields {
		if db := f.DBField(); db != "" {
			keep[db] = true
		} else {
			keep[name] = true
		}
	}
	u, err := a.updater(ctx, "")
	if err != nil {
		return err
	}
	return u.UpdateByDocument(ctx, func(ctx context.Context, c updater.ByDocContext) error {
		m, ok := c.Map()
		if !ok {
			return nil
		}
		for k := range m {
			if !keep[k] {
				delete(m, k)
			}
		}
		return nil
	})
}
