package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/dan-strohschein/docmigrate/docerr"
)

// ArrayFiltersVersion is the first server version supporting
// "$[identifier]" array filters and $expr.
var ArrayFiltersVersion = Version{Major: 3, Minor: 6}

// CheckEmptyResult looks for documents matching filter and fails with an
// inconsistency error listing up to three of them. field is reported in
// the error and used to pick example values.
func CheckEmptyResult(ctx context.Context, coll Collection, field string, filter interface{}) error {
	cur, err := coll.Find(ctx, filter, FindOptions{Limit: 3})
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	var examples []interface{}
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		examples = append(examples, fmt.Sprintf("{_id: %v, ...%s: %v}", doc["_id"], field, lookupDotted(doc, field)))
	}
	if err := cur.Err(); err != nil {
		return err
	}

	if len(examples) > 0 {
		return docerr.Inconsistency(coll.Name(), field, examples,
			"field %s.%s in some records has wrong values", coll.Name(), field)
	}
	return nil
}

// RequireVersion fails with an unsupported-operation error when v lies
// outside [min, max). A zero bound is open.
func RequireVersion(v Version, operation string, min, max Version) error {
	if !min.IsZero() && !v.AtLeast(min) {
		return docerr.Unsupported(fmt.Sprintf("%s (requires >= %s)", operation, min), v.String())
	}
	if !max.IsZero() && v.AtLeast(max) {
		return docerr.Unsupported(fmt.Sprintf("%s (requires < %s)", operation, max), v.String())
	}
	return nil
}

func lookupDotted(doc bson.M, dotted string) interface{} {
	var cur interface{} = doc
	start := 0
	for i := 0; i <= len(dotted); i++ {
		if i < len(dotted) && dotted[i] != '.' {
			continue
		}
		key := dotted[start:i]
		start = i + 1
		switch m := cur.(type) {
		case bson.M:
			cur = m[key]
		case map[string]interface{}:
			cur = m[key]
		default:
			return "unknown"
		}
	}
	return cur
}
