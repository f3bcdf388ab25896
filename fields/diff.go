package fields

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/updater"
)

type unsetValue struct{}

func (unsetValue) String() string { return "UNSET" }

// Unset stands for an attribute absent on one side of an AlterDiff. It is
// different from nil, which is an attribute explicitly set to null.
var Unset interface{} = unsetValue{}

// IsUnset reports whether v is the Unset marker.
func IsUnset(v interface{}) bool {
	_, ok := v.(unsetValue)
	return ok
}

// AlterDiff is the old and new value of one field attribute.
type AlterDiff struct {
	Old interface{}
	New interface{}
}

// Swap returns the diff of the opposite direction.
func (d AlterDiff) Swap() AlterDiff {
	return AlterDiff{Old: d.New, New: d.Old}
}

func (d AlterDiff) String() string {
	return fmt.Sprintf("%v -> %v", d.Old, d.New)
}

// empty reports whether v is nil or Unset.
func empty(v interface{}) bool {
	return v == nil || IsUnset(v)
}

// valueKind checks the Go type of an attribute value.
type valueKind struct {
	name  string
	check func(interface{}) bool
}

var (
	kindString = valueKind{"string", func(v interface{}) bool {
		_, ok := v.(string)
		return ok
	}}
	kindBool = valueKind{"bool", func(v interface{}) bool {
		_, ok := v.(bool)
		return ok
	}}
	kindInt = valueKind{"integer", func(v interface{}) bool {
		_, ok := toInt(v)
		return ok
	}}
	kindNumber = valueKind{"number", func(v interface{}) bool {
		_, ok := toFloat(v)
		return ok
	}}
	kindList = valueKind{"list", func(v interface{}) bool {
		_, ok := toList(v)
		return ok
	}}
)

// checkDiff validates a diff before a hook acts on it.
func checkDiff(u updater.DocumentUpdater, diff AlterDiff, canBeNil bool, kind *valueKind) error {
	field := u.DocumentType() + "." + u.FieldName()
	if schema.ValuesEqual(diff.Old, diff.New) {
		return docerr.Migration("diff of field %s has equal old and new values", field)
	}
	if kind != nil {
		for _, v := range []interface{}{diff.Old, diff.New} {
			if !empty(v) && !kind.check(v) {
				return docerr.Migration("field %s, diff %s values must be of type %s", field, diff, kind.name)
			}
		}
	}
	if !canBeNil && (diff.Old == nil || diff.New == nil) {
		return docerr.Migration("%s could not be null", field)
	}
	return nil
}

func toInt(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	if n, ok := toInt(v); ok {
		return float64(n), true
	}
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func toList(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case bson.A:
		return t, true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
