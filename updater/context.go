package updater

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/dan-strohschein/docmigrate/store"
)

// ByPathContext describes one place where a field lives, expressed for
// set-based update queries.
type ByPathContext struct {
	Collection store.Collection

	// FilterDotpath is the plain dotted path of the field, usable in
	// query filters. Empty means the whole document.
	FilterDotpath string

	// UpdateDotpath is the dotted path with "$[elemN]" placeholders,
	// usable in update operators together with ArrayFilters.
	UpdateDotpath string

	// ArrayFilters holds the placeholder keys ("elem0.field") the update
	// path refers to, in path order.
	ArrayFilters []string

	// ExtraFilter must be merged into every query filter, for example
	// {"_cls": "Parent.Child"} for inherited documents.
	ExtraFilter bson.M
}

// BuildArrayFilters returns array filters for UpdateMany. value is the
// condition applied to every placeholder; nil means {$exists: true} and
// a func(string) interface{} is called with each placeholder key. It
// returns nil when the update path has no placeholders.
func (c ByPathContext) BuildArrayFilters(value interface{}) []interface{} {
	if len(c.ArrayFilters) == 0 {
		return nil
	}
	out := make([]interface{}, 0, len(c.ArrayFilters))
	for _, key := range c.ArrayFilters {
		var cond interface{}
		switch v := value.(type) {
		case nil:
			cond = bson.M{"$exists": true}
		case func(string) interface{}:
			cond = v(key)
		default:
			cond = v
		}
		out = append(out, bson.M{key: cond})
	}
	return out
}

// Filter merges ExtraFilter into filter and returns the result. filter
// is not modified.
func (c ByPathContext) Filter(filter bson.M) bson.M {
	out := make(bson.M, len(filter)+len(c.ExtraFilter))
	for k, v := range c.ExtraFilter {
		out[k] = v
	}
	for k, v := range filter {
		out[k] = v
	}
	return out
}

// ByDocContext is passed to by-document callbacks once per nested value
// found at the update path.
type ByDocContext struct {
	Collection store.Collection

	// Document is the value at the update path: normally an embedded
	// document (bson.M) which callbacks change in place, but on
	// inconsistent data it may hold anything, nil included.
	Document interface{}

	// FilterDotpath is the dotted path of the field inside the
	// collection documents.
	FilterDotpath string
}

// Map returns Document as a mutable map when it is an embedded document.
func (c ByDocContext) Map() (bson.M, bool) {
	switch t := c.Document.(type) {
	case bson.M:
		return t, true
	case map[string]interface{}:
		return t, true
	}
	return nil, false
}

// ByPathFunc is called once per place a field lives.
type ByPathFunc func(ctx context.Context, c ByPathContext) error

// ByDocFunc is called once per embedded document. It changes the
// document in place.
type ByDocFunc func(ctx context.Context, c ByDocContext) error
