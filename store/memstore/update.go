package memstore

import (
	"fmt"
	"strings"

	"github.com/256dpi/lungo/bsonkit"
	"github.com/256dpi/lungo/mongokit"
	"go.mongodb.org/mongo-driver/bson"
)

// updateSpec is an UpdateMany argument prepared once for all matching
// documents. Operator documents are applied by mongokit; aggregation
// pipelines, which mongokit does not support, are evaluated here.
type updateSpec struct {
	ops      bsonkit.Doc
	pipeline bson.A
	filters  bsonkit.List
}

func compileUpdate(raw interface{}, arrayFilters []interface{}) (*updateSpec, error) {
	v, err := normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid update: %w", err)
	}
	switch t := v.(type) {
	case bson.A:
		return &updateSpec{pipeline: t}, nil
	case bson.D:
		if len(t) == 0 {
			return nil, fmt.Errorf("update document requires atomic operators")
		}
		for _, e := range t {
			if !strings.HasPrefix(e.Key, "$") {
				return nil, fmt.Errorf("update document requires atomic operators")
			}
		}
		u := &updateSpec{ops: &t}
		for _, f := range arrayFilters {
			doc, err := compileFilter(f)
			if err != nil {
				return nil, fmt.Errorf("invalid array filter: %w", err)
			}
			if len(*doc) == 0 {
				return nil, fmt.Errorf("array filter must be a non-empty document")
			}
			u.filters = append(u.filters, doc)
		}
		if err := u.checkIdentifiers(); err != nil {
			return nil, err
		}
		return u, nil
	}
	return nil, fmt.Errorf("update must be a document or a pipeline, got %T", raw)
}

// checkIdentifiers rejects "$[name]" placeholders no array filter
// defines. mongokit would silently skip those paths.
func (u *updateSpec) checkIdentifiers() error {
	known := make(map[string]bool)
	for _, f := range u.filters {
		for _, e := range *f {
			ident, _, _ := strings.Cut(e.Key, ".")
			known[ident] = true
		}
	}
	for _, op := range *u.ops {
		fields, ok := op.Value.(bson.D)
		if !ok {
			continue
		}
		for _, f := range fields {
			for _, seg := range strings.Split(f.Key, ".") {
				if !strings.HasPrefix(seg, "$[") || !strings.HasSuffix(seg, "]") || seg == "$[]" {
					continue
				}
				if ident := seg[2 : len(seg)-1]; !known[ident] {
					return fmt.Errorf("no array filter found for identifier '%s' in path '%s'", ident, f.Key)
				}
			}
		}
	}
	return nil
}

// apply modifies doc in place. query is the compiled filter that
// selected doc.
func (u *updateSpec) apply(doc, query bsonkit.Doc) error {
	if u.pipeline == nil {
		_, err := mongokit.Apply(doc, query, bsonkit.Clone(u.ops), false, u.filters)
		return err
	}
	stages := bsonkit.Clone(&bson.D{{Key: "p", Value: u.pipeline}})
	for _, stage := range (*stages)[0].Value.(bson.A) {
		if err := applyStage(doc, stage); err != nil {
			return err
		}
	}
	return nil
}

func applyStage(doc bsonkit.Doc, stage interface{}) error {
	spec, ok := stage.(bson.D)
	if !ok || len(spec) != 1 {
		return fmt.Errorf("a pipeline stage specification object must contain exactly one field")
	}
	name, arg := spec[0].Key, spec[0].Value

	switch name {
	case "$set", "$addFields":
		fields, ok := arg.(bson.D)
		if !ok {
			return fmt.Errorf("%s specification stage must be an object", name)
		}
		before := bsonkit.Clone(doc)
		for _, f := range fields {
			v, err := eval(before, f.Value)
			if err != nil {
				return err
			}
			if err := setComputed(doc, f.Key, v); err != nil {
				return err
			}
		}
		return nil

	case "$unset", "$project":
		var paths bson.A
		switch t := arg.(type) {
		case bson.D:
			if name != "$project" {
				return fmt.Errorf("$unset specification must be a string or an array of strings")
			}
			for _, f := range t {
				if truthy(f.Value) {
					return fmt.Errorf("only exclusion projections are supported in update pipelines")
				}
				paths = append(paths, f.Key)
			}
		case bson.A:
			paths = t
		default:
			paths = bson.A{t}
		}
		for _, p := range paths {
			path, ok := p.(string)
			if !ok {
				return fmt.Errorf("$unset specification must be a string or an array of strings")
			}
			unsetComputed(doc, path)
		}
		return nil
	}
	return fmt.Errorf("%s is not allowed to be used within an update", name)
}

// setComputed stores a value computed by $set or $addFields. Paths
// crossing an array apply to each embedded document of it, and a
// non-document on the way is replaced by one.
func setComputed(doc bsonkit.Doc, path string, v interface{}) error {
	if v == bsonkit.Missing {
		unsetComputed(doc, path)
		return nil
	}
	head, tail, nested := strings.Cut(path, ".")
	if !nested {
		_, err := bsonkit.Put(doc, head, v, false)
		return err
	}
	switch child := bsonkit.Get(doc, head).(type) {
	case bson.A:
		for i, e := range child {
			if sub, ok := e.(bson.D); ok {
				if err := setComputed(&sub, tail, v); err != nil {
					return err
				}
				child[i] = sub
			}
		}
		return nil
	case bson.D:
		if err := setComputed(&child, tail, v); err != nil {
			return err
		}
		_, err := bsonkit.Put(doc, head, child, false)
		return err
	default:
		sub := bson.D{}
		if err := setComputed(&sub, tail, v); err != nil {
			return err
		}
		_, err := bsonkit.Put(doc, head, sub, false)
		return err
	}
}

func unsetComputed(doc bsonkit.Doc, path string) {
	head, tail, nested := strings.Cut(path, ".")
	if !nested {
		bsonkit.Unset(doc, head)
		return
	}
	switch child := bsonkit.Get(doc, head).(type) {
	case bson.A:
		for i, e := range child {
			if sub, ok := e.(bson.D); ok {
				unsetComputed(&sub, tail)
				child[i] = sub
			}
		}
	case bson.D:
		unsetComputed(&child, tail)
		bsonkit.Put(doc, head, child, false)
	}
}
