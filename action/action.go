// Package action implements the migration actions and the compiler which
// infers an ordered action chain from two schema snapshots.
//
// Every action goes through the same lifecycle: ToSchemaPatch describes
// its effect on the schema, Prepare binds it to a database and to the
// schema as it was before the action, RunForward or RunBackward change
// live data and Cleanup releases the bound state. Data steps must be
// idempotent since an aborted migration is simply run again.
package action

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
	"github.com/dan-strohschein/docmigrate/updater"
)

// Action is one reversible step of a migration.
type Action interface {
	// Name is the action type name, e.g. "AlterField"
	Name() string

	// DocumentType is the document type the action works on
	DocumentType() string

	// Priority orders action types during compilation
	Priority() int

	// Dummy reports whether only the schema is changed, skipping the
	// data step
	Dummy() bool

	// Spec returns the serializable form of the action
	Spec() Spec

	// ToSchemaPatch returns the change the action makes to left
	ToSchemaPatch(left schema.Schema) (schema.Patch, error)

	// Prepare binds the action to db and to the schema before the action
	Prepare(ctx context.Context, db store.Database, left schema.Schema, policy updater.Policy, opts ...RunOption) error

	RunForward(ctx context.Context) error
	RunBackward(ctx context.Context) error

	// Cleanup drops the state bound by Prepare
	Cleanup()
}

// Priorities of the built-in action types, ascending.
const (
	PriorityRenameEmbedded = 10
	PriorityCreateEmbedded = 20
	PriorityAlterEmbedded  = 30
	PriorityRenameDocument = 40
	PriorityCreateDocument = 50
	PriorityAlterDocument  = 60
	PriorityRenameField    = 80
	PriorityField          = 90
	PriorityAlterIndex     = 110
	PriorityDropIndex      = 120
	PriorityCreateIndex    = 130
	PriorityDropDocument   = 200
	PriorityDropEmbedded   = 210
)

// SimilarityThreshold is the minimal similarity percentage for a
// disappeared name to be treated as renamed.
const SimilarityThreshold = 70

// Spec is the serializable form of an action as stored in migration
// files.
type Spec struct {
	Action       string                 `json:"action" yaml:"action"`
	DocumentType string                 `json:"document_type" yaml:"document_type"`
	FieldName    string                 `json:"field_name,omitempty" yaml:"field_name,omitempty"`
	IndexName    string                 `json:"index_name,omitempty" yaml:"index_name,omitempty"`
	Dummy        bool                   `json:"dummy_action,omitempty" yaml:"dummy_action,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// String renders the spec for logs, e.g.
// AlterField(Doc.name, db_field="title").
func (s Spec) String() string {
	target := s.DocumentType
	if s.FieldName != "" {
		target += "." + s.FieldName
	}
	if s.IndexName != "" {
		target += "[" + s.IndexName + "]"
	}
	parts := []string{target}
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%#v", k, s.Parameters[k]))
	}
	if s.Dummy {
		parts = append(parts, "dummy_action=true")
	}
	return s.Action + "(" + strings.Join(parts, ", ") + ")"
}

// Describe returns a readable one line description of a.
func Describe(a Action) string {
	return a.Spec().String()
}

// Apply applies the schema patch of a to s. A patch which does not fit
// s means the stored schema is corrupted.
func Apply(a Action, s schema.Schema) (schema.Schema, error) {
	patch, err := a.ToSchemaPatch(s)
	if err != nil {
		return nil, err
	}
	out, err := schema.Apply(patch, s)
	if err != nil {
		return nil, docerr.Action(err, "unable to apply schema patch of %s, the schema is likely corrupted", Describe(a))
	}
	return out, nil
}

// RunOption configures the run context bound by Prepare.
type RunOption func(*runContext)

// WithLogger sets the logger used while running.
func WithLogger(l *zap.Logger) RunOption {
	return func(rc *runContext) {
		if l != nil {
			rc.logger = l
		}
	}
}

// WithUpdaterOptions passes options to every DocumentUpdater the action
// creates.
func WithUpdaterOptions(opts ...updater.Option) RunOption {
	return func(rc *runContext) {
		rc.updaterOpts = append(rc.updaterOpts, opts...)
	}
}

type runContext struct {
	db          store.Database
	left        schema.Schema
	policy      updater.Policy
	collection  store.Collection
	updaterOpts []updater.Option
	logger      *zap.Logger
}

// base carries what every action has in common.
type base struct {
	name         string
	documentType string
	priority     int
	dummy        bool
	params       map[string]interface{}
	run          *runContext
}

func newBase(name, documentType string, priority int, params map[string]interface{}) base {
	p := make(map[string]interface{}, len(params))
	for k, v := range params {
		p[k] = schema.Normalize(v)
	}
	return base{name: name, documentType: documentType, priority: priority, params: p}
}

func (b *base) Name() string         { return b.name }
func (b *base) DocumentType() string { return b.documentType }
func (b *base) Priority() int        { return b.priority }
func (b *base) Dummy() bool          { return b.dummy }

// SetDummy marks the action as schema-only.
func (b *base) SetDummy(dummy bool) { b.dummy = dummy }

// Parameters returns a copy of the action parameters.
func (b *base) Parameters() map[string]interface{} {
	out := make(map[string]interface{}, len(b.params))
	for k, v := range b.params {
		out[k] = v
	}
	return out
}

func (b *base) spec() Spec {
	s := Spec{Action: b.name, DocumentType: b.documentType, Dummy: b.dummy}
	if len(b.params) > 0 {
		s.Parameters = b.Parameters()
	}
	return s
}

func (b *base) Prepare(ctx context.Context, db store.Database, left schema.Schema, policy updater.Policy, opts ...RunOption) error {
	rc := &runContext{db: db, left: left, policy: policy, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(rc)
	}
	coll, _ := b.params[schema.ParamCollection].(string)
	if coll == "" {
		if doc, ok := left.Document(b.documentType); ok {
			coll = doc.Collection()
		}
	}
	if coll != "" {
		rc.collection = db.Collection(coll)
	}
	rc.logger = rc.logger.With(zap.String("action", b.name), zap.String("document_type", b.documentType))
	b.run = rc
	return nil
}

func (b *base) Cleanup() {
	b.run = nil
}

func (b *base) prepared() error {
	if b.run == nil {
		return docerr.Migration("action %s(%s) is run without being prepared", b.name, b.documentType)
	}
	return nil
}

// updater returns a DocumentUpdater for the physical field name of the
// action's document type. Inherited top-level documents are narrowed to
// their own class.
func (b *base) updater(ctx context.Context, fieldName string) (updater.DocumentUpdater, error) {
	opts := []updater.Option{updater.WithLogger(b.run.logger)}
	opts = append(opts, b.run.updaterOpts...)
	if !schema.IsEmbedded(b.documentType) {
		if doc, ok := b.run.left.Document(b.documentType); ok && doc.Inherit() {
			opts = append(opts, updater.WithDocumentClass(schema.ClassName(b.documentType)))
		}
	}
	return updater.Select(ctx, updater.New(b.run.db, b.documentType, b.run.left, fieldName, b.run.policy, opts...))
}

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// similar reports whether matches out of compares reaches the rename
// threshold.
func similar(matches, compares int) bool {
	return compares > 0 && matches*100 >= SimilarityThreshold*compares
}
