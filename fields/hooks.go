package fields

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
	"github.com/dan-strohschein/docmigrate/updater"
)

// noop is the hook of attributes which only matter to the application.
func noop(context.Context, *Handler, updater.DocumentUpdater, AlterDiff) error { return nil }

func changeDBField(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, false, &kindString); err != nil {
		return err
	}
	oldName, _ := diff.Old.(string)
	newName, _ := diff.New.(string)
	if oldName == "" || newName == "" {
		return docerr.Migration("db_field of %s must be a non-empty string", u.DocumentType())
	}
	return RenameField(ctx, u, newName)
}

// RenameField renames the updater's field to newName wherever it is
// stored. $rename cannot address array elements, so arrays are walked
// document by document.
func RenameField(ctx context.Context, u updater.DocumentUpdater, newName string) error {
	oldName := u.FieldName()
	byPath := func(ctx context.Context, c updater.ByPathContext) error {
		_, err := c.Collection.UpdateMany(ctx,
			c.Filter(bson.M{c.FilterDotpath: bson.M{"$exists": true}}),
			bson.M{"$rename": bson.M{c.FilterDotpath: siblingPath(c.FilterDotpath, newName)}},
			nil)
		return err
	}
	byDoc := func(ctx context.Context, c updater.ByDocContext) error {
		m, ok := c.Map()
		if !ok {
			return nil
		}
		if v, found := m[oldName]; found {
			m[newName] = v
			delete(m, oldName)
		}
		return nil
	}
	return u.UpdateCombined(ctx, byPath, byDoc, updater.CombinedOptions{NonArrayByPath: true})
}

func changeRequired(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, true, &kindBool); err != nil {
		return err
	}
	if diff.Old == true || diff.New != true {
		return nil
	}
	def := h.Right()[schema.KeyDefault]
	if def == nil {
		return docerr.Migration("cannot mark field %s.%s as required because default value is not set",
			u.DocumentType(), u.FieldName())
	}
	return SetDefault(ctx, u, def)
}

func changePrimaryKey(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	return changeRequired(ctx, h, u, diff)
}

// SetDefault sets value where the updater's field is missing or null.
func SetDefault(ctx context.Context, u updater.DocumentUpdater, value interface{}) error {
	name := u.FieldName()
	byPath := func(ctx context.Context, c updater.ByPathContext) error {
		filter := bson.M{c.FilterDotpath: nil}
		if parent := parentPath(c.FilterDotpath); parent != "" {
			filter[parent] = bson.M{"$type": "object"}
		}
		_, err := c.Collection.UpdateMany(ctx, c.Filter(filter),
			bson.M{"$set": bson.M{c.UpdateDotpath: value}}, nil)
		return err
	}
	byDoc := func(ctx context.Context, c updater.ByDocContext) error {
		m, ok := c.Map()
		if !ok {
			return nil
		}
		if v, found := m[name]; !found || v == nil {
			m[name] = value
		}
		return nil
	}
	return u.WithMissedFields().UpdateCombined(ctx, byPath, byDoc, updater.CombinedOptions{NonArrayByPath: true})
}

// UnsetField removes the updater's field everywhere.
func UnsetField(ctx context.Context, u updater.DocumentUpdater) error {
	name := u.FieldName()
	byPath := func(ctx context.Context, c updater.ByPathContext) error {
		_, err := c.Collection.UpdateMany(ctx,
			c.Filter(bson.M{c.FilterDotpath: bson.M{"$exists": true}}),
			bson.M{"$unset": bson.M{c.UpdateDotpath: ""}},
			c.BuildArrayFilters(nil))
		return err
	}
	byDoc := func(ctx context.Context, c updater.ByDocContext) error {
		if m, ok := c.Map(); ok {
			delete(m, name)
		}
		return nil
	}
	return u.UpdateCombined(ctx, byPath, byDoc, updater.CombinedOptions{NonArrayByPath: true, ArrayByPath: true})
}

func changeChoices(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, true, &kindList); err != nil {
		return err
	}
	if empty(diff.New) || !u.Policy().Strict() {
		return nil
	}
	list, _ := toList(diff.New)
	choices := make(bson.A, 0, len(list))
	for _, c := range list {
		// [value, label] pairs keep the value only
		if pair, ok := toList(c); ok && len(pair) == 2 {
			c = pair[0]
		}
		choices = append(choices, c)
	}

	byPath := func(ctx context.Context, c updater.ByPathContext) error {
		return store.CheckEmptyResult(ctx, c.Collection, c.FilterDotpath,
			c.Filter(bson.M{c.FilterDotpath: bson.M{"$nin": choices, "$ne": nil}}))
	}
	byDoc := func(ctx context.Context, c updater.ByDocContext) error {
		m, ok := c.Map()
		if !ok {
			return nil
		}
		v, found := m[u.FieldName()]
		if !found || v == nil {
			return nil
		}
		for _, choice := range choices {
			if schema.ValuesEqual(schema.Normalize(v), schema.Normalize(choice)) {
				return nil
			}
		}
		return docerr.Inconsistency(c.Collection.Name(), c.FilterDotpath, []interface{}{v},
			"field %s.%s has value %v which is not in choices", c.Collection.Name(), c.FilterDotpath, v)
	}
	return u.UpdateCombined(ctx, byPath, byDoc, updater.CombinedOptions{NonArrayByPath: true})
}

func changeTargetDoctype(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	return checkDiff(u, diff, true, &kindString)
}

func changeTypeKey(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, false, &kindString); err != nil {
		return err
	}
	from, _ := diff.Old.(string)
	to, _ := diff.New.(string)
	if from == "" || to == "" {
		return docerr.Migration("type_key has empty values: %s", diff)
	}
	for _, key := range []string{from, to} {
		if !h.Registry().Has(key) {
			return docerr.Migration("could not find %q in type_key registry", key)
		}
	}
	next, err := h.Registry().Handler(to, h.Left(), h.Right())
	if err != nil {
		return err
	}
	return next.ConvertType(ctx, u, from, to)
}

func changeMaxLength(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, true, &kindInt); err != nil {
		return err
	}
	if empty(diff.New) {
		return nil
	}
	limit, _ := toInt(diff.New)
	if limit < 0 {
		limit = 0
	}
	name := u.FieldName()
	return u.UpdateByDocument(ctx, func(ctx context.Context, c updater.ByDocContext) error {
		m, ok := c.Map()
		if !ok {
			return nil
		}
		switch v := m[name].(type) {
		case string:
			if r := []rune(v); int64(len(r)) > limit {
				m[name] = string(r[:limit])
			}
		case bson.A:
			if int64(len(v)) > limit {
				m[name] = v[:limit]
			}
		case []interface{}:
			if int64(len(v)) > limit {
				m[name] = bson.A(v[:limit])
			}
		}
		return nil
	})
}

func siblingPath(dotpath, name string) string {
	if i := strings.LastIndexByte(dotpath, '.'); i >= 0 {
		return dotpath[:i+1] + name
	}
	return name
}

func parentPath(dotpath string) string {
	if i := strings.LastIndexByte(dotpath, '.'); i >= 0 {
		return dotpath[:i]
	}
	return ""
}
