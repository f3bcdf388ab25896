package fields

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/dan-strohschein/docmigrate/updater"
)

// clampHook forces values below min_value (op "$lt") or above max_value
// (op "$gt") to the new limit.
func clampHook(op string) Hook {
	return func(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
		if err := checkDiff(u, diff, true, &kindNumber); err != nil {
			return err
		}
		if empty(diff.New) {
			return nil
		}
		limit := diff.New
		lim, _ := toFloat(limit)
		name := u.FieldName()

		byPath := func(ctx context.Context, c updater.ByPathContext) error {
			cond := bson.M{op: limit}
			_, err := c.Collection.UpdateMany(ctx,
				c.Filter(bson.M{c.FilterDotpath: cond}),
				bson.M{"$set": bson.M{c.UpdateDotpath: limit}},
				innermostArrayFilters(c, cond))
			return err
		}
		byDoc := func(ctx context.Context, c updater.ByDocContext) error {
			m, ok := c.Map()
			if !ok {
				return nil
			}
			f, ok := toFloat(m[name])
			if !ok {
				return nil
			}
			if (op == "$lt" && f < lim) || (op == "$gt" && f > lim) {
				m[name] = limit
			}
			return nil
		}
		return u.UpdateCombined(ctx, byPath, byDoc, updater.CombinedOptions{NonArrayByPath: true, ArrayByPath: true})
	}
}

// innermostArrayFilters puts cond on the field behind the last array
// placeholder of the update path; outer placeholders only require the
// next key to exist.
func innermostArrayFilters(c updater.ByPathContext, cond interface{}) []interface{} {
	filters := c.BuildArrayFilters(nil)
	if len(filters) == 0 {
		return nil
	}
	last := c.ArrayFilters[len(c.ArrayFilters)-1]
	ident := last
	if i := strings.IndexByte(last, '.'); i >= 0 {
		ident = last[:i]
	}
	key := ident
	placeholder := "$[" + ident + "]"
	if i := strings.LastIndex(c.UpdateDotpath, placeholder); i >= 0 {
		if rest := strings.TrimPrefix(c.UpdateDotpath[i+len(placeholder):], "."); rest != "" {
			key = ident + "." + rest
		}
	}
	filters[len(filters)-1] = bson.M{key: cond}
	return filters
}

func changeForceString(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, true, &kindBool); err != nil {
		return err
	}
	if empty(diff.New) {
		return nil
	}
	if diff.New == true {
		return toString(ctx, h, u)
	}
	return convertDecimal(ctx, h, u)
}

// toDecimalField stores values as strings when the target field forces
// strings, as Decimal128 otherwise.
func toDecimalField(ctx context.Context, h *Handler, u updater.DocumentUpdater) error {
	if h.Right()["force_string"] == true {
		return toString(ctx, h, u)
	}
	return convertDecimal(ctx, h, u)
}
