package memstore

import (
	"fmt"
	"regexp"

	"github.com/256dpi/lungo/bsonkit"
	"github.com/256dpi/lungo/mongokit"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// mongokit evaluates filters. Its $exists and $type only look at the
// value directly under a path, where the server also descends into
// arrays of embedded documents, and it has no $regex or $expr. The
// operators below fill that in. mongokit keeps operators in package
// level maps, so registering them affects every Match in the process.
func init() {
	eq := mongokit.ExpressionQueryOperators[""]
	not := mongokit.ExpressionQueryOperators["$not"]

	mongokit.ExpressionQueryOperators[""] = func(ctx mongokit.Context, doc bsonkit.Doc, op, path string, v interface{}) error {
		if re, ok := v.(primitive.Regex); ok {
			return matchRegex(ctx, doc, op, path, re)
		}
		return eq(ctx, doc, op, path, v)
	}
	mongokit.ExpressionQueryOperators["$not"] = func(ctx mongokit.Context, doc bsonkit.Doc, op, path string, v interface{}) error {
		if re, ok := v.(primitive.Regex); ok {
			return negate(matchRegex(ctx, doc, op, path, re))
		}
		return not(ctx, doc, op, path, v)
	}
	mongokit.ExpressionQueryOperators["$exists"] = matchExists
	mongokit.ExpressionQueryOperators["$type"] = matchType
	mongokit.ExpressionQueryOperators["$regex"] = matchRegex
	mongokit.TopLevelQueryOperators["$expr"] = matchExpr
	mongokit.TopLevelQueryOperators["$comment"] = func(mongokit.Context, bsonkit.Doc, string, string, interface{}) error {
		return nil
	}
}

// compileFilter turns a filter into the form mongokit.Match takes. A nil
// filter matches everything.
func compileFilter(filter interface{}) (bsonkit.Doc, error) {
	if filter == nil {
		return &bson.D{}, nil
	}
	doc, err := normalizeDoc(filter)
	if err != nil {
		return nil, fmt.Errorf("filter must be a document: %w", err)
	}
	folded := foldRegex(*doc).(bson.D)
	return &folded, nil
}

// foldRegex merges {$regex: "p", $options: "i"} into one regular
// expression value, since an operator callback only sees its own value.
// A lone $options is left in place and rejected by mongokit.
func foldRegex(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.A:
		out := make(bson.A, len(t))
		for i, e := range t {
			out[i] = foldRegex(e)
		}
		return out
	case bson.D:
		var options string
		hasRegex := false
		for _, e := range t {
			switch e.Key {
			case "$regex":
				hasRegex = true
			case "$options":
				options, _ = e.Value.(string)
			}
		}
		out := make(bson.D, 0, len(t))
		for _, e := range t {
			switch {
			case hasRegex && e.Key == "$options":
				continue
			case hasRegex && e.Key == "$regex":
				switch re := e.Value.(type) {
				case string:
					e.Value = primitive.Regex{Pattern: re, Options: options}
				case primitive.Regex:
					if options != "" {
						re.Options = options
					}
					e.Value = re
				}
			default:
				e.Value = foldRegex(e.Value)
			}
			out = append(out, e)
		}
		return out
	}
	return v
}

func matchIf(ok bool) error {
	if ok {
		return nil
	}
	return mongokit.ErrNotMatched
}

func negate(err error) error {
	switch err {
	case nil:
		return mongokit.ErrNotMatched
	case mongokit.ErrNotMatched:
		return nil
	}
	return err
}

// lookup returns the values path reaches, collecting from every
// embedded document of the arrays it crosses.
func lookup(doc bsonkit.Doc, path string) bson.A {
	v, multi := bsonkit.All(doc, path, true, false)
	if multi {
		return v.(bson.A)
	}
	if v == bsonkit.Missing {
		return nil
	}
	return bson.A{v}
}

// candidates is lookup plus the elements of array values.
func candidates(doc bsonkit.Doc, path string) bson.A {
	values := lookup(doc, path)
	out := make(bson.A, 0, len(values))
	for _, v := range values {
		out = append(out, v)
		if list, ok := v.(bson.A); ok {
			out = append(out, list...)
		}
	}
	return out
}

func matchExists(_ mongokit.Context, doc bsonkit.Doc, _, path string, v interface{}) error {
	return matchIf((len(lookup(doc, path)) > 0) == truthy(v))
}

func matchType(_ mongokit.Context, doc bsonkit.Doc, op, path string, v interface{}) error {
	list, ok := v.(bson.A)
	if !ok {
		list = bson.A{v}
	}
	wanted := make([]string, 0, len(list))
	for _, w := range list {
		alias, err := typeAlias(op, w)
		if err != nil {
			return err
		}
		wanted = append(wanted, alias)
	}
	for _, c := range candidates(doc, path) {
		got := typeOf(c)
		for _, w := range wanted {
			if w == got || (w == "number" && isNumber(c)) {
				return nil
			}
		}
	}
	return mongokit.ErrNotMatched
}

func typeAlias(op string, v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		if _, known := bsonkit.Alias2Type[s]; known || s == "number" {
			return s, nil
		}
		return "", fmt.Errorf("%s: unknown type name alias: %s", op, s)
	}
	if n, ok := toInt(v); ok {
		if t, known := bsonkit.Number2Type[byte(n)]; known {
			return bsonkit.Type2Alias[t], nil
		}
	}
	return "", fmt.Errorf("%s: invalid type %v", op, v)
}

func matchRegex(_ mongokit.Context, doc bsonkit.Doc, op, path string, v interface{}) error {
	var re primitive.Regex
	switch t := v.(type) {
	case primitive.Regex:
		re = t
	case string:
		re = primitive.Regex{Pattern: t}
	default:
		return fmt.Errorf("%s has to be a string", op)
	}
	compiled, err := compileRegex(re)
	if err != nil {
		return err
	}
	for _, c := range candidates(doc, path) {
		switch t := c.(type) {
		case string:
			if compiled.MatchString(t) {
				return nil
			}
		case primitive.Regex:
			if t.Pattern == re.Pattern {
				return nil
			}
		}
	}
	return mongokit.ErrNotMatched
}

func compileRegex(re primitive.Regex) (*regexp.Regexp, error) {
	var flags string
	for _, o := range re.Options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		}
	}
	pattern := re.Pattern
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression %q: %w", re.Pattern, err)
	}
	return compiled, nil
}

func matchExpr(_ mongokit.Context, doc bsonkit.Doc, _, _ string, v interface{}) error {
	res, err := eval(doc, v)
	if err != nil {
		return err
	}
	return matchIf(truthy(res))
}
