package fields

import (
	"context"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/store"
	"github.com/dan-strohschein/docmigrate/updater"
)

// Patterns are written in the common subset of PCRE and RE2 so that the
// server and the by-document checks agree.
const (
	emailUserPattern = "^[-!#$%&'*+/=?^_\\x60{}|~0-9A-Z]+(\\.[-!#$%&'*+/=?^_\\x60{}|~0-9A-Z]+)*@.+$" +
		`|^"([\x01-\x08\x0b\x0c\x0e-\x1f!#-\[\]-\x7f]|\\[\x01-\x09\x0b\x0c\x0e-\x7f])*"@.+$`
	emailUTF8UserPattern = "^[-!#$%&'*+/=?^_\\x60{}|~0-9A-Z\\x{0080}-\\x{10FFFF}]+(\\.[-!#$%&'*+/=?^_\\x60{}|~0-9A-Z\\x{0080}-\\x{10FFFF}]+)*@.+$" +
		`|^"([\x01-\x08\x0b\x0c\x0e-\x1f!#-\[\]-\x7f]|\\[\x01-\x09\x0b\x0c\x0e-\x7f])*"@.+$`
	emailIPDomainPattern = `^[^@]+@\[(::)?([A-F0-9]{1,4}::?){0,7}([A-F0-9]{1,4})?\]$` +
		`|^[^@]+@\[\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\]$`
	emailDomainPattern = `^[^@]+@((?:[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?\.)+)(?:[A-Z0-9-]{0,62}[A-Z0-9])$`
	urlPattern         = `^[A-Z]{3,}://[A-Z0-9\-._~:/?#\[\]@!$&'()*+,;%=]+$`
)

// valueCheck is a stored-value condition expressed both as a query and
// as a Go predicate. bad matches offending documents; ok reports whether
// a single non-null value is acceptable.
type valueCheck struct {
	bad func(dotpath string) bson.M
	ok  func(v interface{}) bool
}

// strictCheck fails with an inconsistency error when some stored value
// violates chk. It does nothing under the relaxed policy. Values inside
// arrays are checked one by one.
func strictCheck(ctx context.Context, u updater.DocumentUpdater, what string, chk valueCheck) error {
	if !u.Policy().Strict() {
		return nil
	}
	name := u.FieldName()
	byPath := func(ctx context.Context, c updater.ByPathContext) error {
		return store.CheckEmptyResult(ctx, c.Collection, c.FilterDotpath, c.Filter(chk.bad(c.FilterDotpath)))
	}
	byDoc := func(ctx context.Context, c updater.ByDocContext) error {
		m, ok := c.Map()
		if !ok {
			return nil
		}
		v, found := m[name]
		if !found || v == nil || chk.ok(v) {
			return nil
		}
		return docerr.Inconsistency(c.Collection.Name(), c.FilterDotpath, []interface{}{v},
			"field %s.%s has value %v which %s", c.Collection.Name(), c.FilterDotpath, v, what)
	}
	return u.UpdateCombined(ctx, byPath, byDoc, updater.CombinedOptions{NonArrayByPath: true})
}

// regexCheck builds a check of non-null values against pattern.
// Options follow the server's regex options ("i" only here).
func regexCheck(pattern, options string) (valueCheck, error) {
	goPattern := pattern
	if strings.Contains(options, "i") {
		goPattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(goPattern)
	if err != nil {
		return valueCheck{}, docerr.Migration("invalid regex %q: %v", pattern, err)
	}
	return valueCheck{
		bad: func(dotpath string) bson.M {
			return bson.M{dotpath: bson.M{
				"$not": primitive.Regex{Pattern: pattern, Options: options},
				"$ne":  nil,
			}}
		},
		ok: func(v interface{}) bool {
			s, isString := v.(string)
			return isString && re.MatchString(s)
		},
	}, nil
}

func changeMinLength(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, true, &kindInt); err != nil {
		return err
	}
	if empty(diff.New) {
		return nil
	}
	v, err := u.Database().ServerVersion(ctx)
	if err != nil {
		return err
	}
	if !v.IsZero() {
		if err := store.RequireVersion(v, "min_length check", store.ArrayFiltersVersion, store.Version{}); err != nil {
			return err
		}
	}
	if !u.Policy().Strict() {
		return nil
	}

	limit, _ := toInt(diff.New)
	if limit < 0 {
		limit = 0
	}
	name := u.FieldName()
	byPath := func(ctx context.Context, c updater.ByPathContext) error {
		return store.CheckEmptyResult(ctx, c.Collection, c.FilterDotpath, c.Filter(bson.M{
			c.FilterDotpath: bson.M{"$type": "string"},
			"$expr":         bson.M{"$lt": bson.A{bson.M{"$strLenCP": "$" + c.FilterDotpath}, limit}},
		}))
	}
	byDoc := func(ctx context.Context, c updater.ByDocContext) error {
		m, ok := c.Map()
		if !ok {
			return nil
		}
		if s, isString := m[name].(string); isString && int64(len([]rune(s))) < limit {
			return docerr.Inconsistency(c.Collection.Name(), c.FilterDotpath, []interface{}{s},
				"string field %s.%s has length less than minimum %d", c.Collection.Name(), c.FilterDotpath, limit)
		}
		return nil
	}
	return u.UpdateCombined(ctx, byPath, byDoc, updater.CombinedOptions{})
}

func changeRegex(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, true, &kindString); err != nil {
		return err
	}
	if empty(diff.New) {
		return nil
	}
	chk, err := regexCheck(diff.New.(string), "")
	if err != nil {
		return err
	}
	return strictCheck(ctx, u, "does not match "+diff.New.(string), chk)
}

func changeSchemes(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, true, &kindList); err != nil {
		return err
	}
	if empty(diff.New) {
		return nil
	}
	list, _ := toList(diff.New)
	if len(list) == 0 {
		return nil
	}
	quoted := make([]string, 0, len(list))
	for _, s := range list {
		str, ok := s.(string)
		if !ok {
			return docerr.Migration("schemes of %s.%s must be strings", u.DocumentType(), u.FieldName())
		}
		quoted = append(quoted, regexp.QuoteMeta(str))
	}
	chk, err := regexCheck("^(?:("+strings.Join(quoted, "|")+"))://", "")
	if err != nil {
		return err
	}
	return strictCheck(ctx, u, "has a scheme out of "+strings.Join(quoted, ", "), chk)
}

func changeAllowUTF8User(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, true, &kindBool); err != nil {
		return err
	}
	if empty(diff.New) {
		return nil
	}
	pattern := emailUserPattern
	if diff.New == true {
		pattern = emailUTF8UserPattern
	}
	chk, err := regexCheck(pattern, "i")
	if err != nil {
		return err
	}
	return strictCheck(ctx, u, "has a wrong user name", chk)
}

func changeAllowIPDomain(ctx context.Context, h *Handler, u updater.DocumentUpdater, diff AlterDiff) error {
	if err := checkDiff(u, diff, true, &kindBool); err != nil {
		return err
	}
	if empty(diff.New) || diff.New == true {
		return nil
	}
	ip := regexp.MustCompile("(?i)" + emailIPDomainPattern)
	wlPattern := whitelistPattern(h)
	wl := regexp.MustCompile(wlPattern)
	return strictCheck(ctx, u, "has an ip domain out of whitelist", valueCheck{
		bad: func(dotpath string) bson.M {
			return bson.M{"$and": bson.A{
				bson.M{dotpath: bson.M{"$ne": nil}},
				bson.M{dotpath: primitive.Regex{Pattern: emailIPDomainPattern, Options: "i"}},
				bson.M{dotpath: bson.M{"$not": primitive.Regex{Pattern: wlPattern}}},
			}}
		},
		ok: func(v interface{}) bool {
			s, isString := v.(string)
			return !isString || !ip.MatchString(s) || wl.MatchString(s)
		},
	})
}

// checkEmail converts values to strings and then checks their domains.
func checkEmail(ctx context.Context, h *Handler, u updater.DocumentUpdater) error {
	if err := toString(ctx, h, u); err != nil {
		return err
	}
	domain := regexp.MustCompile("(?i)" + emailDomainPattern)
	ip := regexp.MustCompile("(?i)" + emailIPDomainPattern)
	wlPattern := whitelistPattern(h)
	wl := regexp.MustCompile(wlPattern)
	return strictCheck(ctx, u, "is not an email address", valueCheck{
		bad: func(dotpath string) bson.M {
			return bson.M{"$and": bson.A{
				bson.M{dotpath: bson.M{"$ne": nil}},
				bson.M{dotpath: bson.M{"$not": primitive.Regex{Pattern: emailDomainPattern, Options: "i"}}},
				bson.M{dotpath: bson.M{"$not": primitive.Regex{Pattern: emailIPDomainPattern, Options: "i"}}},
				bson.M{dotpath: bson.M{"$not": primitive.Regex{Pattern: wlPattern}}},
			}}
		},
		ok: func(v interface{}) bool {
			s, isString := v.(string)
			return isString && (domain.MatchString(s) || ip.MatchString(s) || wl.MatchString(s))
		},
	})
}

// checkURL converts values to strings and then checks they look like
// URLs.
func checkURL(ctx context.Context, h *Handler, u updater.DocumentUpdater) error {
	if err := toString(ctx, h, u); err != nil {
		return err
	}
	chk, err := regexCheck(urlPattern, "i")
	if err != nil {
		return err
	}
	return strictCheck(ctx, u, "is not a URL", chk)
}

// whitelistPattern matches addresses whose domain is whitelisted by the
// field's domain_whitelist.
func whitelistPattern(h *Handler) string {
	list, _ := toList(h.Left()["domain_whitelist"])
	if list == nil {
		list, _ = toList(h.Right()["domain_whitelist"])
	}
	var quoted []string
	for _, d := range list {
		if s, ok := d.(string); ok && s != "" {
			quoted = append(quoted, regexp.QuoteMeta(s))
		}
	}
	if len(quoted) == 0 {
		// nothing is whitelisted
		return `^[^@]+@$`
	}
	return `^[^@]+@(` + strings.Join(quoted, "|") + `)$`
}
