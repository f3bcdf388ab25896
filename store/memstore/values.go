package memstore

import (
	"fmt"

	"github.com/256dpi/lungo/bsonkit"
	"go.mongodb.org/mongo-driver/bson"
)

// normalize round-trips v through the driver codec, so values have the
// shapes a server would hand back: Go ints become int32 or int64,
// time.Time a DateTime, maps and structs bson.D and slices bson.A.
func normalize(v interface{}) (interface{}, error) {
	var out bson.D
	if err := bsonkit.Transfer(bson.D{{Key: "v", Value: v}}, &out); err != nil {
		return nil, err
	}
	return out[0].Value, nil
}

func normalizeDoc(v interface{}) (bsonkit.Doc, error) {
	n, err := normalize(v)
	if err != nil {
		return nil, err
	}
	doc, ok := n.(bson.D)
	if !ok {
		return nil, fmt.Errorf("expected a document, got %T", v)
	}
	return &doc, nil
}

// export converts a stored document to the bson.M form callers get.
func export(doc bsonkit.Doc) bson.M {
	var out bson.M
	if err := bsonkit.Decode(doc, &out); err != nil {
		panic(fmt.Sprintf("memstore: cannot export document: %v", err))
	}
	return out
}

func decode(doc bsonkit.Doc, out interface{}) error {
	if m, ok := out.(*bson.M); ok {
		*m = nil
	}
	return bsonkit.Decode(doc, out)
}

func isNumber(v interface{}) bool {
	class, _ := bsonkit.Inspect(v)
	return class == bsonkit.Number
}

func toInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

// typeOf returns the $type alias of v, "missing" for bsonkit.Missing.
func typeOf(v interface{}) string {
	if v == bsonkit.Missing {
		return "missing"
	}
	_, t := bsonkit.Inspect(v)
	return bsonkit.Type2Alias[t]
}

func isNullish(v interface{}) bool {
	return v == nil || v == bsonkit.Missing
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil, bsonkit.MissingType:
		return false
	case bool:
		return t
	}
	if isNumber(v) {
		return bsonkit.Compare(v, int32(0)) != 0
	}
	return true
}
