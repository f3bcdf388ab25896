package memstore

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/256dpi/lungo/bsonkit"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dan-strohschein/docmigrate/store"
)

// eval evaluates an aggregation expression against doc. Field paths
// that resolve to nothing yield bsonkit.Missing.
func eval(doc bsonkit.Doc, expr interface{}) (interface{}, error) {
	switch t := expr.(type) {
	case string:
		if strings.HasPrefix(t, "$$") {
			if t == "$$REMOVE" {
				return bsonkit.Missing, nil
			}
			return nil, fmt.Errorf("unsupported variable %s", t)
		}
		if strings.HasPrefix(t, "$") {
			v, _ := bsonkit.All(doc, t[1:], true, false)
			return v, nil
		}
		return t, nil

	case bson.A:
		out := make(bson.A, len(t))
		for i, e := range t {
			v, err := eval(doc, e)
			if err != nil {
				return nil, err
			}
			if v == bsonkit.Missing {
				v = nil
			}
			out[i] = v
		}
		return out, nil

	case bson.D:
		if len(t) == 1 && strings.HasPrefix(t[0].Key, "$") {
			return evalOperator(doc, t[0].Key, t[0].Value)
		}
		out := make(bson.D, 0, len(t))
		for _, e := range t {
			v, err := eval(doc, e.Value)
			if err != nil {
				return nil, err
			}
			if v != bsonkit.Missing {
				out = append(out, bson.E{Key: e.Key, Value: v})
			}
		}
		return out, nil
	}
	return expr, nil
}

func evalArgs(doc bsonkit.Doc, arg interface{}, want int) ([]interface{}, error) {
	list, ok := arg.(bson.A)
	if !ok {
		list = bson.A{arg}
	}
	if want >= 0 && len(list) != want {
		return nil, fmt.Errorf("expression takes exactly %d arguments, %d given", want, len(list))
	}
	out := make([]interface{}, len(list))
	for i, e := range list {
		v, err := eval(doc, e)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// option returns the value of key in an operator's argument document.
func option(arg bson.D, key string) (interface{}, bool) {
	v := bsonkit.Get(&arg, key)
	return v, v != bsonkit.Missing
}

var converters = map[string]string{
	"$toString":   store.TypeString,
	"$toInt":      store.TypeInt,
	"$toLong":     store.TypeLong,
	"$toDouble":   store.TypeDouble,
	"$toDecimal":  store.TypeDecimal,
	"$toBool":     store.TypeBool,
	"$toDate":     store.TypeDate,
	"$toObjectId": store.TypeObjectID,
}

// convert applies a $convert target and brings the result back to a
// stored shape, for instance time.Time to a DateTime.
func convert(v interface{}, to string) (interface{}, error) {
	out, err := store.ConvertValue(v, to)
	if err != nil {
		return nil, err
	}
	return normalize(out)
}

func evalOperator(doc bsonkit.Doc, op string, arg interface{}) (interface{}, error) {
	switch op {
	case "$literal":
		return arg, nil

	case "$strLenCP":
		args, err := evalArgs(doc, arg, 1)
		if err != nil {
			return nil, err
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("$strLenCP requires a string argument, found: %s", typeOf(args[0]))
		}
		return int32(utf8.RuneCountInString(s)), nil

	case "$eq", "$ne", "$lt", "$lte", "$gt", "$gte":
		args, err := evalArgs(doc, arg, 2)
		if err != nil {
			return nil, err
		}
		c := bsonkit.Compare(args[0], args[1])
		switch op {
		case "$eq":
			return c == 0, nil
		case "$ne":
			return c != 0, nil
		case "$lt":
			return c < 0, nil
		case "$lte":
			return c <= 0, nil
		case "$gt":
			return c > 0, nil
		}
		return c >= 0, nil

	case "$and", "$or":
		args, err := evalArgs(doc, arg, -1)
		if err != nil {
			return nil, err
		}
		for _, a := range args {
			if truthy(a) != (op == "$and") {
				return op == "$or", nil
			}
		}
		return op == "$and", nil

	case "$not":
		args, err := evalArgs(doc, arg, 1)
		if err != nil {
			return nil, err
		}
		return !truthy(args[0]), nil

	case "$ifNull":
		args, err := evalArgs(doc, arg, 2)
		if err != nil {
			return nil, err
		}
		if isNullish(args[0]) {
			return args[1], nil
		}
		return args[0], nil

	case "$type":
		args, err := evalArgs(doc, arg, 1)
		if err != nil {
			return nil, err
		}
		return typeOf(args[0]), nil

	case "$isArray":
		args, err := evalArgs(doc, arg, 1)
		if err != nil {
			return nil, err
		}
		_, ok := args[0].(bson.A)
		return ok, nil

	case "$arrayElemAt":
		args, err := evalArgs(doc, arg, 2)
		if err != nil {
			return nil, err
		}
		if isNullish(args[0]) {
			return nil, nil
		}
		list, ok := args[0].(bson.A)
		if !ok {
			return nil, fmt.Errorf("$arrayElemAt's first argument must be an array, but is %s", typeOf(args[0]))
		}
		idx, ok := toInt(args[1])
		if !ok {
			return nil, fmt.Errorf("$arrayElemAt's second argument must be a numeric value")
		}
		if idx < 0 {
			idx += len(list)
		}
		if idx < 0 || idx >= len(list) {
			return bsonkit.Missing, nil
		}
		return list[idx], nil

	case "$cond":
		var ifE, thenE, elseE interface{}
		switch t := arg.(type) {
		case bson.A:
			if len(t) != 3 {
				return nil, fmt.Errorf("$cond requires if, then and else")
			}
			ifE, thenE, elseE = t[0], t[1], t[2]
		case bson.D:
			ifE, _ = option(t, "if")
			thenE, _ = option(t, "then")
			elseE, _ = option(t, "else")
		default:
			return nil, fmt.Errorf("$cond requires if, then and else")
		}
		cond, err := eval(doc, ifE)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return eval(doc, thenE)
		}
		return eval(doc, elseE)

	case "$convert":
		spec, ok := arg.(bson.D)
		if !ok {
			return nil, fmt.Errorf("$convert expects an object")
		}
		inputE, _ := option(spec, "input")
		input, err := eval(doc, inputE)
		if err != nil {
			return nil, err
		}
		if isNullish(input) {
			if onNull, ok := option(spec, "onNull"); ok {
				return eval(doc, onNull)
			}
			return nil, nil
		}
		to, _ := option(spec, "to")
		target, _ := to.(string)
		out, convErr := convert(input, target)
		if convErr != nil {
			if onError, ok := option(spec, "onError"); ok {
				return eval(doc, onError)
			}
			return nil, convErr
		}
		return out, nil
	}

	if to, ok := converters[op]; ok {
		args, err := evalArgs(doc, arg, 1)
		if err != nil {
			return nil, err
		}
		if isNullish(args[0]) {
			return nil, nil
		}
		return convert(args[0], to)
	}

	return nil, fmt.Errorf("unsupported expression operator %s", op)
}
