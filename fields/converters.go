package fields

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
	"github.com/dan-strohschein/docmigrate/updater"
)

// pipelineVersion is the first server version accepting aggregation
// pipelines in update commands.
var pipelineVersion = store.Version{Major: 4, Minor: 2}

func nothing(context.Context, *Handler, updater.DocumentUpdater) error { return nil }

func deny(ctx context.Context, h *Handler, u updater.DocumentUpdater) error {
	return docerr.Migration("such type_key conversion for field %s.%s is forbidden", u.DocumentType(), u.FieldName())
}

var (
	convertInt     = mongoConvert(store.TypeInt)
	convertLong    = mongoConvert(store.TypeLong)
	convertDouble  = mongoConvert(store.TypeDouble)
	convertDecimal = mongoConvert(store.TypeDecimal)
	convertDate    = mongoConvert(store.TypeDate)
	convertBool    = mongoConvert(store.TypeBool)
)

// mongoConvert converts values with the server's $convert in an update
// pipeline where possible. Arrays, and servers without pipeline
// updates, are handled document by document. Under the relaxed policy
// values which cannot be converted are left as they are.
func mongoConvert(to string) Converter {
	return func(ctx context.Context, h *Handler, u updater.DocumentUpdater) error {
		name := u.FieldName()
		strict := u.Policy().Strict()

		byDoc := func(ctx context.Context, c updater.ByDocContext) error {
			m, ok := c.Map()
			if !ok {
				return nil
			}
			v, found := m[name]
			if !found || v == nil || isBSONType(v, to) {
				return nil
			}
			out, err := store.ConvertValue(v, to)
			if err != nil {
				if strict {
					return docerr.Inconsistency(c.Collection.Name(), c.FilterDotpath, []interface{}{v},
						"cannot convert value %v of field %s.%s to %s: %v", v, c.Collection.Name(), c.FilterDotpath, to, err)
				}
				return nil
			}
			m[name] = out
			return nil
		}

		v, err := u.Database().ServerVersion(ctx)
		if err != nil {
			return err
		}
		if !v.IsZero() && !v.AtLeast(pipelineVersion) {
			return u.UpdateByDocument(ctx, byDoc)
		}

		byPath := func(ctx context.Context, c updater.ByPathContext) error {
			convert := bson.M{"input": "$" + c.FilterDotpath, "to": to}
			if !strict {
				convert["onError"] = "$" + c.FilterDotpath
			}
			_, err := c.Collection.UpdateMany(ctx,
				c.Filter(bson.M{c.FilterDotpath: bson.M{"$ne": nil, "$not": bson.M{"$type": to}}}),
				bson.A{bson.M{"$set": bson.M{c.UpdateDotpath: bson.M{"$convert": convert}}}},
				nil)
			if err != nil {
				return errors.Wrapf(err, "convert %s.%s to %s", c.Collection.Name(), c.FilterDotpath, to)
			}
			return nil
		}
		return u.UpdateCombined(ctx, byPath, byDoc, updater.CombinedOptions{NonArrayByPath: true})
	}
}

func isBSONType(v interface{}, typ string) bool {
	switch typ {
	case store.TypeString:
		_, ok := v.(string)
		return ok
	case store.TypeInt:
		_, ok := v.(int32)
		return ok
	case store.TypeLong:
		_, ok := v.(int64)
		return ok
	case store.TypeDouble:
		_, ok := v.(float64)
		return ok
	case store.TypeDecimal:
		_, ok := v.(primitive.Decimal128)
		return ok
	case store.TypeBool:
		_, ok := v.(bool)
		return ok
	case store.TypeDate:
		switch v.(type) {
		case time.Time, primitive.DateTime:
			return true
		}
	case store.TypeObjectID:
		_, ok := v.(primitive.ObjectID)
		return ok
	}
	return false
}

// refID extracts the referenced id from an ObjectId, an ObjectId hex
// string, a DBRef or a manual reference ({_id: ...}).
func refID(v interface{}) (primitive.ObjectID, bool) {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t, true
	case string:
		id, err := primitive.ObjectIDFromHex(t)
		return id, err == nil
	case primitive.DBPointer:
		return t.Pointer, true
	}
	m, ok := asDoc(v)
	if !ok {
		return primitive.NilObjectID, false
	}
	if id, ok := m["$id"].(primitive.ObjectID); ok {
		return id, true
	}
	if ref, ok := asDoc(m["_ref"]); ok {
		if id, ok := ref["$id"].(primitive.ObjectID); ok {
			return id, true
		}
	}
	if id, ok := m["_id"].(primitive.ObjectID); ok {
		return id, true
	}
	return primitive.NilObjectID, false
}

func isDBRef(v interface{}) bool {
	m, ok := asDoc(v)
	if !ok {
		return false
	}
	_, hasRef := m["$ref"]
	_, hasID := m["$id"]
	return hasRef && hasID
}

func asDoc(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case bson.M:
		return t, true
	case map[string]interface{}:
		return t, true
	case bson.D:
		return t.Map(), true
	}
	return nil, false
}

// byValue builds a by-document callback which replaces every non-null
// value of the field with convert's result.
func byValue(u updater.DocumentUpdater, convert func(c updater.ByDocContext, v interface{}) (interface{}, error)) updater.ByDocFunc {
	name := u.FieldName()
	return func(ctx context.Context, c updater.ByDocContext) error {
		m, ok := c.Map()
		if !ok {
			return nil
		}
		v, found := m[name]
		if !found || v == nil {
			return nil
		}
		out, err := convert(c, v)
		if err != nil {
			return err
		}
		m[name] = out
		return nil
	}
}

func wrongValue(u updater.DocumentUpdater, c updater.ByDocContext, v interface{}, should string) error {
	return docerr.Inconsistency(c.Collection.Name(), c.FilterDotpath, []interface{}{v},
		"field %s has wrong value %v (should be %s)", c.FilterDotpath, v, should)
}

// toString converts values to strings; references become the hex of the
// referenced id.
func toString(ctx context.Context, h *Handler, u updater.DocumentUpdater) error {
	strict := u.Policy().Strict()
	return u.UpdateByDocument(ctx, byValue(u, func(c updater.ByDocContext, v interface{}) (interface{}, error) {
		if _, isString := v.(string); isString {
			return v, nil
		}
		if id, ok := refID(v); ok {
			return id.Hex(), nil
		}
		s, err := store.ConvertValue(v, store.TypeString)
		if err != nil {
			if strict {
				return nil, docerr.Migration("cannot convert value %s: %v to string", c.FilterDotpath, v)
			}
			return v, nil
		}
		return s, nil
	}))
}

// toObjectID turns references of any kind into plain ObjectIds.
func toObjectID(ctx context.Context, h *Handler, u updater.DocumentUpdater) error {
	strict := u.Policy().Strict()
	return u.UpdateByDocument(ctx, byValue(u, func(c updater.ByDocContext, v interface{}) (interface{}, error) {
		if id, ok := refID(v); ok {
			return id, nil
		}
		if strict {
			return nil, wrongValue(u, c, v, "DBRef, ObjectId, manual ref or ObjectId string")
		}
		return v, nil
	}))
}

// toDBRef turns references of any kind into DBRefs pointing to the
// collection of the field's target document type.
func toDBRef(ctx context.Context, h *Handler, u updater.DocumentUpdater) error {
	strict := u.Policy().Strict()
	target := refCollection(h, u)
	return u.UpdateByDocument(ctx, byValue(u, func(c updater.ByDocContext, v interface{}) (interface{}, error) {
		if isDBRef(v) {
			return v, nil
		}
		id, ok := refID(v)
		if !ok {
			if strict {
				return nil, wrongValue(u, c, v, "DBRef, ObjectId, manual ref or ObjectId string")
			}
			return v, nil
		}
		coll := target
		if coll == "" {
			coll = c.Collection.Name()
		}
		return bson.D{{Key: "$ref", Value: coll}, {Key: "$id", Value: id}}, nil
	}))
}

// toReference converts to the storage format of the target reference
// field, which depends on its dbref flag.
func toReference(ctx context.Context, h *Handler, u updater.DocumentUpdater) error {
	if h.Right()["dbref"] == true {
		return toDBRef(ctx, h, u)
	}
	return toObjectID(ctx, h, u)
}

func refCollection(h *Handler, u updater.DocumentUpdater) string {
	target, _ := h.Right()[schema.KeyTargetDoctype].(string)
	if target == "" {
		return ""
	}
	if doc, ok := u.Schema().Document(target); ok {
		return doc.Collection()
	}
	return ""
}

func changeDBRef(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, true, &kindBool); err != nil {
		return err
	}
	if diff.New == true {
		return toDBRef(ctx, h, u)
	}
	return toObjectID(ctx, h, u)
}

// itemToList wraps every non-array value into a one element array; null
// becomes an empty array.
func itemToList(ctx context.Context, h *Handler, u updater.DocumentUpdater) error {
	name := u.FieldName()
	return u.UpdateByDocument(ctx, func(ctx context.Context, c updater.ByDocContext) error {
		m, ok := c.Map()
		if !ok {
			return nil
		}
		v, found := m[name]
		if !found {
			return nil
		}
		if v == nil {
			m[name] = bson.A{}
			return nil
		}
		if _, isList := toList(v); !isList {
			m[name] = bson.A{v}
		}
		return nil
	})
}

// extractFromList replaces every array with its first element, which
// must satisfy item under the strict policy. Empty arrays become null.
func extractFromList(item valueKind) Converter {
	return func(ctx context.Context, h *Handler, u updater.DocumentUpdater) error {
		strict := u.Policy().Strict()
		return u.UpdateByDocument(ctx, byValue(u, func(c updater.ByDocContext, v interface{}) (interface{}, error) {
			list, isList := toList(v)
			if !isList {
				if strict {
					return nil, docerr.Migration("could not extract item from non-list value %s: %v", c.FilterDotpath, v)
				}
				return v, nil
			}
			if len(list) == 0 {
				return nil, nil
			}
			first := list[0]
			if first != nil && !item.check(first) && strict {
				return nil, wrongValue(u, c, first, item.name)
			}
			return first, nil
		}))
	}
}

var (
	kindObjectID = valueKind{"ObjectId", func(v interface{}) bool {
		_, ok := v.(primitive.ObjectID)
		return ok
	}}
	kindDate = valueKind{"date", func(v interface{}) bool { return isBSONType(v, store.TypeDate) }}
	kindDoc  = valueKind{"embedded document", func(v interface{}) bool {
		_, ok := asDoc(v)
		return ok
	}}
	kindRef = valueKind{"reference", func(v interface{}) bool {
		_, ok := refID(v)
		return ok
	}}
	kindDecimal = valueKind{"decimal", func(v interface{}) bool {
		if _, ok := v.(primitive.Decimal128); ok {
			return true
		}
		_, ok := toFloat(v)
		return ok
	}}
)
