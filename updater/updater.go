// Package updater locates every place a field of a document type lives
// in the database, top-level or embedded at any depth, and applies
// field-level changes there either with set-based update queries
// ("by path") or by rewriting documents one by one ("by document").
package updater

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
)

const (
	// DefaultBufferSize is the number of changed documents collected
	// before an unordered bulk write is sent.
	DefaultBufferSize = 10000

	// MaxPathDepth bounds embedded path discovery.
	MaxPathDepth = 64

	// ArrayMarker is the path segment meaning "every array element".
	ArrayMarker = "$[]"
)

// DocumentUpdater is implemented by Updater and by Fallback, which is
// used against servers without array filter support.
type DocumentUpdater interface {
	DocumentType() string
	FieldName() string
	Policy() Policy
	Schema() schema.Schema
	Database() store.Database

	// WithMissedFields returns a copy which also visits documents
	// lacking the field.
	WithMissedFields() DocumentUpdater

	// WithField returns a copy working on another field name.
	WithField(name string) DocumentUpdater

	UpdateByPath(ctx context.Context, cb ByPathFunc) error
	UpdateByDocument(ctx context.Context, cb ByDocFunc) error
	UpdateCombined(ctx context.Context, byPath ByPathFunc, byDoc ByDocFunc, opts CombinedOptions) error
}

// CombinedOptions selects the strategy UpdateCombined uses for embedded
// documents. The zero value updates every embedded occurrence by
// document; top-level documents always go by path.
type CombinedOptions struct {
	// NonArrayByPath updates embedded documents reached only through
	// objects by path
	NonArrayByPath bool

	// ArrayByPath updates embedded documents inside arrays by path
	ArrayByPath bool
}

// Option configures an Updater.
type Option func(*Updater)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(u *Updater) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithBufferSize sets how many changed documents are collected before a
// bulk write.
func WithBufferSize(n int) Option {
	return func(u *Updater) {
		if n > 0 {
			u.bufferSize = n
		}
	}
}

// WithWriteRate limits by-document rewrites to docsPerSecond. Zero or a
// negative rate means unlimited.
func WithWriteRate(docsPerSecond float64) Option {
	return func(u *Updater) { u.writeRate = docsPerSecond }
}

// WithMetrics records counters in m.
func WithMetrics(m *Metrics) Option {
	return func(u *Updater) { u.metrics = m }
}

// WithDocumentClass restricts the updater to documents whose "_cls"
// equals cls. Embedded documents without "_cls" are still visited; the
// class filter is only pushed into queries for top-level types.
func WithDocumentClass(cls string) Option {
	return func(u *Updater) { u.documentCls = cls }
}

// Updater works on one field of one document type.
type Updater struct {
	db           store.Database
	documentType string
	schema       schema.Schema
	fieldName    string
	policy       Policy
	documentCls  string

	includeMissed bool
	bufferSize    int
	writeRate     float64
	limiter       *rate.Limiter
	metrics       *Metrics
	logger        *zap.Logger
}

var _ DocumentUpdater = (*Updater)(nil)

// New creates an updater for fieldName (a physical key name) of
// documentType. An empty fieldName makes the updater address whole
// documents.
func New(db store.Database, documentType string, s schema.Schema, fieldName string, policy Policy, opts ...Option) *Updater {
	u := &Updater{
		db:           db,
		documentType: documentType,
		schema:       s,
		fieldName:    fieldName,
		policy:       policy,
		bufferSize:   DefaultBufferSize,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.writeRate > 0 {
		// A whole buffer is flushed at once, so the burst must hold it
		u.limiter = rate.NewLimiter(rate.Limit(u.writeRate), u.bufferSize)
	}
	return u
}

// Select returns u, or a Fallback wrapping it when the server does not
// support array filters.
func Select(ctx context.Context, u *Updater) (DocumentUpdater, error) {
	v, err := u.db.ServerVersion(ctx)
	if err != nil {
		return nil, err
	}
	if !v.IsZero() && !v.AtLeast(store.ArrayFiltersVersion) {
		u.logger.Debug("server lacks array filters, using fallback updater",
			zap.String("version", v.String()))
		return &Fallback{Updater: u}, nil
	}
	return u, nil
}

func (u *Updater) DocumentType() string     { return u.documentType }
func (u *Updater) FieldName() string        { return u.fieldName }
func (u *Updater) Policy() Policy           { return u.policy }
func (u *Updater) Schema() schema.Schema    { return u.schema }
func (u *Updater) Database() store.Database { return u.db }

// IsEmbedded reports whether the updater works on an embedded type.
func (u *Updater) IsEmbedded() bool { return schema.IsEmbedded(u.documentType) }

func (u *Updater) clone() *Updater {
	c := *u
	return &c
}

func (u *Updater) WithMissedFields() DocumentUpdater {
	c := u.clone()
	c.includeMissed = true
	return c
}

func (u *Updater) WithField(name string) DocumentUpdater {
	c := u.clone()
	c.fieldName = name
	return c
}

// collection returns the collection of a top-level document type.
func (u *Updater) collection() (store.Collection, error) {
	doc, ok := u.schema.Document(u.documentType)
	if !ok {
		return nil, docerr.Schema("document %s is not in schema", u.documentType)
	}
	name := doc.Collection()
	if name == "" {
		return nil, docerr.Schema("document %s has no collection", u.documentType)
	}
	return u.db.Collection(name), nil
}

// UpdateByPath calls cb once for a top-level type, or once per embedded
// path found in the database for an embedded type.
func (u *Updater) UpdateByPath(ctx context.Context, cb ByPathFunc) error {
	if !u.IsEmbedded() {
		coll, err := u.collection()
		if err != nil {
			return err
		}
		return u.byPath(ctx, cb, coll, nil, nil)
	}

	paths, err := u.EmbeddedPaths(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := u.byPath(ctx, cb, p.Collection, p.FilterPath, p.UpdatePath); err != nil {
			return err
		}
	}
	return nil
}

// UpdateByDocument calls cb for every document (or every embedded
// document) of the updater's type.
func (u *Updater) UpdateByDocument(ctx context.Context, cb ByDocFunc) error {
	if !u.IsEmbedded() {
		coll, err := u.collection()
		if err != nil {
			return err
		}
		return u.byDocument(ctx, cb, coll, nil, nil)
	}

	paths, err := u.EmbeddedPaths(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := u.byDocument(ctx, cb, p.Collection, p.FilterPath, p.UpdatePath); err != nil {
			return err
		}
	}
	return nil
}

// UpdateCombined updates top-level documents by path and embedded ones
// by path or by document according to opts. Some update operators
// ($rename for one) cannot address array elements, which is what the
// by-document variant is for.
func (u *Updater) UpdateCombined(ctx context.Context, byPath ByPathFunc, byDoc ByDocFunc, opts CombinedOptions) error {
	if !u.IsEmbedded() {
		coll, err := u.collection()
		if err != nil {
			return err
		}
		return u.byPath(ctx, byPath, coll, nil, nil)
	}

	paths, err := u.EmbeddedPaths(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		usePath := opts.NonArrayByPath
		if p.IsArray() {
			usePath = opts.ArrayByPath
		}
		if usePath {
			err = u.byPath(ctx, byPath, p.Collection, p.FilterPath, p.UpdatePath)
		} else {
			err = u.byDocument(ctx, byDoc, p.Collection, p.FilterPath, p.UpdatePath)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *Updater) byPath(ctx context.Context, cb ByPathFunc, coll store.Collection, filterPath, updatePath []string) error {
	extra := bson.M{}
	if u.documentCls != "" && len(updatePath) == 0 {
		extra["_cls"] = u.documentCls
	}
	if u.fieldName != "" {
		filterPath = append(append([]string(nil), filterPath...), u.fieldName)
		updatePath = append(append([]string(nil), updatePath...), u.fieldName)
	}
	updatePath, arrayFilters := injectArrayFilters(updatePath)

	c := ByPathContext{
		Collection:    coll,
		FilterDotpath: strings.Join(filterPath, "."),
		UpdateDotpath: strings.Join(updatePath, "."),
		ArrayFilters:  arrayFilters,
		ExtraFilter:   extra,
	}
	u.logger.Debug("update by path",
		zap.String("collection", coll.Name()),
		zap.String("document_type", u.documentType),
		zap.String("update_path", c.UpdateDotpath))
	return cb(ctx, c)
}

// injectArrayFilters replaces every "$[]" marker with a named
// placeholder and returns the placeholder filter keys.
func injectArrayFilters(updatePath []string) ([]string, []string) {
	out := append([]string(nil), updatePath...)
	var filters []string
	for i, seg := range out {
		if seg != ArrayMarker {
			continue
		}
		ident := fmt.Sprintf("elem%d", i)
		out[i] = "$[" + ident + "]"
		if i+1 < len(out) {
			filters = append(filters, ident+"."+out[i+1])
		} else {
			filters = append(filters, ident)
		}
	}
	return out, filters
}

// EmbeddedPath is one location of an embedded document type.
type EmbeddedPath struct {
	Collection store.Collection

	// UpdatePath contains "$[]" markers for array levels
	UpdatePath []string

	// FilterPath is UpdatePath without the markers
	FilterPath []string
}

// IsArray reports whether the path crosses an array.
func (p EmbeddedPath) IsArray() bool {
	for _, seg := range p.UpdatePath {
		if seg == ArrayMarker {
			return true
		}
	}
	return false
}

// EmbeddedPaths discovers where the updater's embedded type lives in the
// collections of every top-level document type. Types sharing a
// collection yield each path once.
func (u *Updater) EmbeddedPaths(ctx context.Context) ([]EmbeddedPath, error) {
	if !u.IsEmbedded() {
		return nil, nil
	}

	var roots []string
	for name, doc := range u.schema {
		if !schema.IsEmbedded(name) && doc != nil && doc.Collection() != "" {
			roots = append(roots, name)
		}
	}
	sort.Strings(roots)

	seen := map[string]bool{}
	var out []EmbeddedPath
	for _, root := range roots {
		doc, _ := u.schema.Document(root)
		coll := u.db.Collection(doc.Collection())
		paths, err := u.FindEmbeddedFields(ctx, coll, root, u.documentType, nil)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			key := coll.Name() + "\x00" + strings.Join(p, ".")
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, EmbeddedPath{Collection: coll, UpdatePath: p, FilterPath: stripMarkers(p)})
		}
	}
	return out, nil
}

func stripMarkers(path []string) []string {
	out := make([]string, 0, len(path))
	for _, seg := range path {
		if seg != ArrayMarker {
			out = append(out, seg)
		}
	}
	return out
}

// FindEmbeddedFields searches coll recursively, starting at the fields
// of rootType under basePath, for paths holding documents of searchType.
// A path is only followed when the database actually contains data
// there, which terminates the search for self-referencing types.
//
// A field holding objects in some documents is treated as an object
// field; array values at the same path are not explored then.
func (u *Updater) FindEmbeddedFields(ctx context.Context, coll store.Collection, rootType, searchType string, basePath []string) ([][]string, error) {
	if len(basePath) >= MaxPathDepth {
		return nil, nil
	}
	doc, ok := u.schema.Document(rootType)
	if !ok {
		return nil, nil
	}

	var out [][]string
	for _, name := range doc.FieldNames() {
		field := doc.Fields[name]
		ref := field.Target()
		if !schema.IsEmbedded(ref) {
			continue
		}
		key := field.DBField()
		if key == "" {
			key = name
		}

		path := append(append([]string(nil), basePath...), key)
		filterDotpath := strings.Join(stripMarkers(path), ".")
		arrayDotpath := filterDotpath + ".0"

		n, err := coll.CountDocuments(ctx, bson.M{
			arrayDotpath:  bson.M{"$exists": false},
			filterDotpath: bson.M{"$type": "object"},
		}, 1)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			if ref == searchType {
				out = append(out, path)
			}
			nested, err := u.FindEmbeddedFields(ctx, coll, ref, searchType, path)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}

		n, err = coll.CountDocuments(ctx, bson.M{arrayDotpath: bson.M{"$exists": true}}, 1)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			arrayPath := append(path, ArrayMarker)
			if ref == searchType {
				out = append(out, arrayPath)
			}
			nested, err := u.FindEmbeddedFields(ctx, coll, ref, searchType, arrayPath)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		}
	}
	return out, nil
}
