package updater

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cespare/xxhash"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/store"
)

func (u *Updater) byDocument(ctx context.Context, cb ByDocFunc, coll store.Collection, filterPath, updatePath []string) error {
	fieldFilterPath := append([]string(nil), filterPath...)
	if u.fieldName != "" {
		fieldFilterPath = append(fieldFilterPath, u.fieldName)
	}
	filterDotpath := strings.Join(fieldFilterPath, ".")

	filter := bson.M{}
	if !u.includeMissed && filterDotpath != "" {
		filter[filterDotpath] = bson.M{"$exists": true}
	}
	if u.documentCls != "" && len(updatePath) == 0 {
		filter["_cls"] = u.documentCls
	}

	u.logger.Debug("update by document",
		zap.String("collection", coll.Name()),
		zap.String("document_type", u.documentType),
		zap.String("filter_path", filterDotpath))

	cur, err := coll.Find(ctx, filter, store.FindOptions{})
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	var buf []store.Replacement
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return err
		}
		doc := toM(raw).(bson.M)
		u.metrics.scanned(coll.Name())
		before := contentHash(doc)

		for _, nested := range resolvePath(doc, updatePath) {
			if u.documentCls != "" {
				if nested == nil {
					continue
				}
				m, ok := nested.(bson.M)
				if !ok {
					if u.policy.Strict() {
						return docerr.Inconsistency(coll.Name(), filterDotpath, []interface{}{doc["_id"]},
							"field %s has wrong value %v (should be embedded document) in record %v",
							filterDotpath, nested, doc["_id"])
					}
					continue
				}
				if cls, ok := m["_cls"]; ok && cls != u.documentCls {
					continue
				}
			}
			if err := cb(ctx, ByDocContext{Collection: coll, Document: nested, FilterDotpath: filterDotpath}); err != nil {
				return err
			}
		}

		if contentHash(doc) != before {
			buf = append(buf, store.Replacement{ID: doc["_id"], Document: doc})
		}
		if len(buf) >= u.bufferSize {
			if err := u.flush(ctx, coll, buf); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}
	if err := cur.Err(); err != nil {
		return err
	}
	if len(buf) > 0 {
		return u.flush(ctx, coll, buf)
	}
	return nil
}

func (u *Updater) flush(ctx context.Context, coll store.Collection, buf []store.Replacement) error {
	if u.limiter != nil {
		if err := u.limiter.WaitN(ctx, len(buf)); err != nil {
			return err
		}
	}
	if _, err := coll.BulkReplace(ctx, buf); err != nil {
		return err
	}
	u.metrics.flushed(coll.Name(), len(buf))
	u.logger.Debug("flushed rewritten documents",
		zap.String("collection", coll.Name()),
		zap.Int("count", len(buf)))
	return nil
}

// resolvePath returns the values addressed by an update path; "$[]"
// visits every array element and an empty path is the document itself.
// A non-array value met at "$[]" is visited as a single element.
func resolvePath(v interface{}, path []string) []interface{} {
	if len(path) == 0 {
		return []interface{}{v}
	}
	seg, rest := path[0], path[1:]
	if seg == ArrayMarker {
		list, ok := v.(bson.A)
		if !ok {
			if v == nil {
				return nil
			}
			return resolvePath(v, rest)
		}
		var out []interface{}
		for _, e := range list {
			out = append(out, resolvePath(e, rest)...)
		}
		return out
	}
	m, ok := v.(bson.M)
	if !ok {
		return nil
	}
	child, ok := m[seg]
	if !ok {
		return nil
	}
	return resolvePath(child, rest)
}

// toM converts nested documents to bson.M and arrays to bson.A so that
// callbacks can change them in place.
func toM(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		for k, e := range t {
			t[k] = toM(e)
		}
		return t
	case map[string]interface{}:
		m := bson.M(t)
		for k, e := range m {
			m[k] = toM(e)
		}
		return m
	case bson.D:
		m := make(bson.M, len(t))
		for _, e := range t {
			m[e.Key] = toM(e.Value)
		}
		return m
	case bson.A:
		for i, e := range t {
			t[i] = toM(e)
		}
		return t
	case []interface{}:
		a := bson.A(t)
		for i, e := range a {
			a[i] = toM(e)
		}
		return a
	}
	return v
}

// contentHash digests a document canonically: keys sorted, values tagged
// with their Go type so that a conversion from int32 to int64 counts as
// a change.
func contentHash(doc bson.M) uint64 {
	h := xxhash.New()
	writeCanonical(h, doc)
	return h.Sum64()
}

func writeCanonical(w io.Writer, v interface{}) {
	switch t := v.(type) {
	case bson.M:
		writeMap(w, t)
	case map[string]interface{}:
		writeMap(w, t)
	case bson.A:
		writeList(w, t)
	case []interface{}:
		writeList(w, t)
	case bson.D:
		writeMap(w, t.Map())
	case primitive.Binary:
		fmt.Fprintf(w, "bin(%d:%x)", t.Subtype, t.Data)
	case nil:
		io.WriteString(w, "null")
	default:
		fmt.Fprintf(w, "%T(%v)", v, v)
	}
}

func writeMap(w io.Writer, m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	io.WriteString(w, "{")
	for _, k := range keys {
		fmt.Fprintf(w, "%q:", k)
		writeCanonical(w, m[k])
		io.WriteString(w, ",")
	}
	io.WriteString(w, "}")
}

func writeList(w io.Writer, list []interface{}) {
	io.WriteString(w, "[")
	for _, e := range list {
		writeCanonical(w, e)
		io.WriteString(w, ",")
	}
	io.WriteString(w, "]")
}
