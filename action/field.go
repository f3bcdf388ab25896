package action

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/fields"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
	"github.com/dan-strohschein/docmigrate/updater"
)

// Action type names of the field level.
const (
	NameCreateField = "CreateField"
	NameDropField   = "DropField"
	NameAlterField  = "AlterField"
	NameRenameField = "RenameField"
)

// fieldBase is the common part of field actions.
type fieldBase struct {
	base
	fieldName string

	// leftField is the field schema before the action, bound by Prepare
	leftField schema.FieldSchema
}

func newFieldBase(name, documentType, fieldName string, priority int, params map[string]interface{}) fieldBase {
	return fieldBase{base: newBase(name, documentType, priority, params), fieldName: fieldName}
}

// FieldName returns the name of the field the action works on.
func (a *fieldBase) FieldName() string { return a.fieldName }

func (a *fieldBase) Spec() Spec {
	s := a.spec()
	s.FieldName = a.fieldName
	return s
}

// leftFieldSchema returns the field schema in left, failing with a schema
// error when the document or the field is missing.
func (a *fieldBase) leftFieldSchema(left schema.Schema) (schema.FieldSchema, error) {
	doc, ok := left.Document(a.documentType)
	if !ok {
		return nil, docerr.Schema("document %s is not in schema", a.documentType)
	}
	f, ok := doc.Fields[a.fieldName]
	if !ok {
		return nil, docerr.Schema("field %s.%s is not in schema", a.documentType, a.fieldName)
	}
	return f, nil
}

func (a *fieldBase) checkDBField(params map[string]interface{}) error {
	v, ok := params[schema.KeyDBField]
	if !ok {
		return nil
	}
	db, isString := v.(string)
	if !isString || db == "" {
		return docerr.Schema("db_field of %s.%s must be a non-empty string", a.documentType, a.fieldName)
	}
	if strings.Contains(db, ".") {
		return docerr.Schema("db_field %q of %s.%s must not contain dots", db, a.documentType, a.fieldName)
	}
	return nil
}

// fieldNames returns the sorted union of field names of a document type
// in both schemas.
func fieldNames(documentType string, left, right schema.Schema) []string {
	seen := map[string]struct{}{}
	for _, s := range []schema.Schema{left, right} {
		if doc, ok := s.Document(documentType); ok {
			for name := range doc.Fields {
				seen[name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func inBoth(documentType string, left, right schema.Schema) (*schema.Document, *schema.Document, bool) {
	l, ok := left.Document(documentType)
	if !ok {
		return nil, nil, false
	}
	r, ok := right.Document(documentType)
	if !ok {
		return nil, nil, false
	}
	return l, r, true
}

// CreateField adds a field. A required field gets its default written
// into every document lacking it.
type CreateField struct{ fieldBase }

// NewCreateField returns an action creating a field with the given
// schema, which must contain type_key and db_field.
func NewCreateField(documentType, fieldName string, params schema.FieldSchema) *CreateField {
	return &CreateField{newFieldBase(NameCreateField, documentType, fieldName, PriorityField, params)}
}

func buildCreateField(documentType, fieldName string, left, right schema.Schema) Action {
	l, r, ok := inBoth(documentType, left, right)
	if !ok {
		return nil
	}
	if _, exists := l.Fields[fieldName]; exists {
		return nil
	}
	f, ok := r.Fields[fieldName]
	if !ok {
		return nil
	}
	return NewCreateField(documentType, fieldName, f)
}

func (a *CreateField) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	doc, ok := left.Document(a.documentType)
	if !ok {
		return nil, docerr.Schema("document %s is not in schema", a.documentType)
	}
	if _, exists := doc.Fields[a.fieldName]; exists {
		return nil, docerr.Schema("field %s.%s already exists in schema", a.documentType, a.fieldName)
	}
	var missed []string
	for _, key := range []string{schema.KeyTypeKey, schema.KeyDBField} {
		if _, ok := a.params[key]; !ok {
			missed = append(missed, key)
		}
	}
	if len(missed) > 0 {
		return nil, docerr.Schema("missed required parameters of CreateField(%s.%s): %s",
			a.documentType, a.fieldName, strings.Join(missed, ", "))
	}
	if err := a.checkDBField(a.params); err != nil {
		return nil, err
	}

	typ, err := fieldType(stringParam(a.params, schema.KeyTypeKey))
	if err != nil {
		return nil, err
	}
	var extra []string
	for _, key := range sortedKeys(a.params) {
		if !typ.HasKey(key) {
			extra = append(extra, key)
		}
	}
	if len(extra) > 0 {
		return nil, docerr.Schema("unknown parameters of CreateField(%s.%s): %s",
			a.documentType, a.fieldName, strings.Join(extra, ", "))
	}

	value := typ.Skeleton()
	for k, v := range a.params {
		value[k] = v
	}
	return schema.Patch{schema.Add(schema.FieldPath(a.documentType, a.fieldName), map[string]interface{}(value))}, nil
}

func (a *CreateField) RunForward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.fillRequired(ctx, schema.FieldSchema(a.params))
}

func (a *CreateField) RunBackward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.unset(ctx, stringParam(a.params, schema.KeyDBField))
}

// fillRequired writes the default of a required (or primary key) field
// into every document lacking the field or holding null.
func (a *fieldBase) fillRequired(ctx context.Context, f schema.FieldSchema) error {
	if !f.Bool(schema.KeyRequired) && !f.Bool(schema.KeyPrimaryKey) {
		return nil
	}
	def := f[schema.KeyDefault]
	if def == nil {
		a.run.logger.Warn("required field has no default, leaving documents as they are",
			zap.String("field", a.fieldName))
		return nil
	}
	u, err := a.updater(ctx, f.DBField())
	if err != nil {
		return err
	}
	return fields.SetDefault(ctx, u, def)
}

func (a *fieldBase) unset(ctx context.Context, dbField string) error {
	if dbField == "" {
		return docerr.Schema("field %s.%s has no db_field", a.documentType, a.fieldName)
	}
	u, err := a.updater(ctx, dbField)
	if err != nil {
		return err
	}
	return fields.UnsetField(ctx, u)
}

// DropField removes a field from the schema and from every document.
type DropField struct{ fieldBase }

// NewDropField returns an action dropping a field.
func NewDropField(documentType, fieldName string) *DropField {
	return &DropField{newFieldBase(NameDropField, documentType, fieldName, PriorityField, nil)}
}

func buildDropField(documentType, fieldName string, left, right schema.Schema) Action {
	l, r, ok := inBoth(documentType, left, right)
	if !ok {
		return nil
	}
	if _, exists := r.Fields[fieldName]; exists {
		return nil
	}
	if _, ok := l.Fields[fieldName]; !ok {
		return nil
	}
	return NewDropField(documentType, fieldName)
}

func (a *DropField) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	f, err := a.leftFieldSchema(left)
	if err != nil {
		return nil, err
	}
	return schema.Patch{schema.Remove(schema.FieldPath(a.documentType, a.fieldName), map[string]interface{}(f.Copy()))}, nil
}

func (a *DropField) Prepare(ctx context.Context, db store.Database, left schema.Schema, policy updater.Policy, opts ...RunOption) error {
	f, err := a.leftFieldSchema(left)
	if err != nil {
		return err
	}
	a.leftField = f
	return a.base.Prepare(ctx, db, left, policy, opts...)
}

func (a *DropField) RunForward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.unset(ctx, a.leftField.DBField())
}

func (a *DropField) RunBackward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.fillRequired(ctx, a.leftField)
}

// AlterField changes attributes of a field, converting stored values
// when its type changes.
type AlterField struct{ fieldBase }

// NewAlterField returns an action setting the given attributes of a
// field.
func NewAlterField(documentType, fieldName string, params map[string]interface{}) *AlterField {
	return &AlterField{newFieldBase(NameAlterField, documentType, fieldName, PriorityField, params)}
}

func buildAlterField(documentType, fieldName string, left, right schema.Schema) Action {
	l, r, ok := inBoth(documentType, left, right)
	if !ok {
		return nil
	}
	lf, ok := l.Fields[fieldName]
	if !ok {
		return nil
	}
	rf, ok := r.Fields[fieldName]
	if !ok {
		return nil
	}
	if schema.ValuesEqual(schema.Normalize(lf), schema.Normalize(rf)) {
		return nil
	}
	params := map[string]interface{}{}
	for k, rv := range rf {
		lv, exists := lf[k]
		if !exists || !schema.ValuesEqual(schema.Normalize(lv), schema.Normalize(rv)) {
			params[k] = rv
		}
	}
	return NewAlterField(documentType, fieldName, params)
}

// rightSchema returns the field schema after the action: keys the new
// type does not know are dropped, changed keys overwritten.
func (a *AlterField) rightSchema(left schema.FieldSchema) (schema.FieldSchema, *fields.Type, error) {
	typeKey := stringParam(a.params, schema.KeyTypeKey)
	if typeKey == "" {
		typeKey = left.TypeKey()
	}
	typ, err := fieldType(typeKey)
	if err != nil {
		return nil, nil, err
	}
	right := schema.FieldSchema{}
	for k, v := range left {
		if typ.HasKey(k) {
			right[k] = v
		}
	}
	for k, v := range a.params {
		right[k] = v
	}
	return right, typ, nil
}

func (a *AlterField) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	lf, err := a.leftFieldSchema(left)
	if err != nil {
		return nil, err
	}
	if err := a.checkDBField(a.params); err != nil {
		return nil, err
	}
	_, typ, err := a.rightSchema(lf)
	if err != nil {
		return nil, err
	}
	var extra []string
	for _, key := range sortedKeys(a.params) {
		if !typ.HasKey(key) {
			extra = append(extra, key)
		}
	}
	if len(extra) > 0 {
		return nil, docerr.Schema("unknown keys in schema of field %s.%s: %s",
			a.documentType, a.fieldName, strings.Join(extra, ", "))
	}

	path := schema.FieldPath(a.documentType, a.fieldName)
	attr := func(key string) schema.Path {
		return append(append(schema.Path(nil), path...), key)
	}
	var patch schema.Patch
	for _, key := range sortedKeys(lf) {
		if !typ.HasKey(key) {
			patch = append(patch, schema.Remove(attr(key), lf[key]))
		}
	}
	for _, key := range sortedKeys(a.params) {
		if _, exists := lf[key]; !exists {
			patch = append(patch, schema.Add(attr(key), a.params[key]))
		}
	}
	for _, key := range sortedKeys(a.params) {
		old, exists := lf[key]
		if exists && !schema.ValuesEqual(schema.Normalize(old), a.params[key]) {
			patch = append(patch, schema.Change(attr(key), old, a.params[key]))
		}
	}
	return patch, nil
}

func (a *AlterField) Prepare(ctx context.Context, db store.Database, left schema.Schema, policy updater.Policy, opts ...RunOption) error {
	f, err := a.leftFieldSchema(left)
	if err != nil {
		return err
	}
	a.leftField = f
	return a.base.Prepare(ctx, db, left, policy, opts...)
}

func (a *AlterField) RunForward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.migrate(ctx, false)
}

func (a *AlterField) RunBackward(ctx context.Context) error {
	if err := a.prepared(); err != nil {
		return err
	}
	return a.migrate(ctx, true)
}

// migrate runs the change hooks from the left field schema to the right
// one, or the other way round when swap is set. A type change goes
// first, through the hook of the old type; every other attribute then
// goes through the new type's handler in name order.
func (a *AlterField) migrate(ctx context.Context, swap bool) error {
	left := a.leftField
	right, _, err := a.rightSchema(left)
	if err != nil {
		return err
	}
	if swap {
		left, right = right, left
	}

	h, err := fields.NewHandler(left.TypeKey(), left, right)
	if err != nil {
		return err
	}
	u, err := a.updater(ctx, left.DBField())
	if err != nil {
		return err
	}

	if left.TypeKey() != right.TypeKey() {
		a.run.logger.Debug("changing type_key",
			zap.String("field", a.fieldName), zap.String("from", left.TypeKey()), zap.String("to", right.TypeKey()))
		if err := h.Change(ctx, u, schema.KeyTypeKey, h.Diff(schema.KeyTypeKey)); err != nil {
			return err
		}
		if h, err = fields.NewHandler(right.TypeKey(), left, right); err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(right) {
		if name == schema.KeyTypeKey {
			continue
		}
		diff := h.Diff(name)
		if fields.IsUnset(diff.Old) {
			if diff.New == nil {
				continue
			}
		} else if schema.ValuesEqual(schema.Normalize(diff.Old), schema.Normalize(diff.New)) {
			continue
		}
		a.run.logger.Debug("changing attribute",
			zap.String("field", a.fieldName), zap.String("attribute", name), zap.Stringer("diff", diff))
		if err := h.Change(ctx, u, name, diff); err != nil {
			return err
		}
		if name == schema.KeyDBField {
			u = u.WithField(right.DBField())
		}
	}
	return nil
}

// RenameField renames a field in the schema. The stored key is the
// db_field, whose change is up to AlterField, so no data changes.
type RenameField struct {
	fieldBase
	newName string
}

// NewRenameField returns an action renaming a field.
func NewRenameField(documentType, fieldName, newName string) *RenameField {
	return &RenameField{
		fieldBase: newFieldBase(NameRenameField, documentType, fieldName, PriorityRenameField, map[string]interface{}{ParamNewName: newName}),
		newName:   newName,
	}
}

// NewName returns the name the field gets.
func (a *RenameField) NewName() string { return a.newName }

func buildRenameField(documentType, fieldName string, left, right schema.Schema) Action {
	l, r, ok := inBoth(documentType, left, right)
	if !ok {
		return nil
	}
	lf, ok := l.Fields[fieldName]
	if !ok {
		return nil
	}
	if _, exists := r.Fields[fieldName]; exists {
		return nil
	}

	dbField := lf.DBField()
	var candidates []string
	for _, name := range r.FieldNames() {
		if _, exists := l.Fields[name]; exists {
			continue
		}
		rf := r.Fields[name]
		if dbField != "" && (dbField == name || dbField == rf.DBField()) {
			candidates = []string{name}
			break
		}
		var matches, compares int
		for key, lv := range lf {
			rv, ok := rf[key]
			if !ok || key == schema.KeyDBField {
				continue
			}
			compares++
			if schema.ValuesEqual(schema.Normalize(lv), schema.Normalize(rv)) {
				matches++
			}
		}
		if similar(matches, compares) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) != 1 {
		return nil
	}
	return NewRenameField(documentType, fieldName, candidates[0])
}

func (a *RenameField) ToSchemaPatch(left schema.Schema) (schema.Patch, error) {
	f, err := a.leftFieldSchema(left)
	if err != nil {
		return nil, err
	}
	if a.newName == "" {
		return nil, docerr.Schema("new name of field %s.%s is empty", a.documentType, a.fieldName)
	}
	if _, exists := left[a.documentType].Fields[a.newName]; exists {
		return nil, docerr.Schema("field %s.%s already exists in schema", a.documentType, a.newName)
	}
	value := map[string]interface{}(f.Copy())
	return schema.Patch{
		schema.Remove(schema.FieldPath(a.documentType, a.fieldName), value),
		schema.Add(schema.FieldPath(a.documentType, a.newName), value),
	}, nil
}

func (a *RenameField) RunForward(ctx context.Context) error  { return a.prepared() }
func (a *RenameField) RunBackward(ctx context.Context) error { return a.prepared() }

func fieldType(typeKey string) (*fields.Type, error) {
	if typeKey == "" {
		return nil, docerr.Schema("field type_key is empty")
	}
	typ, ok := fields.Default.Get(typeKey)
	if !ok {
		return nil, docerr.Schema("could not find field type %q in type_key registry", typeKey)
	}
	return typ, nil
}
