package action

import (
	"sort"

	"go.uber.org/zap"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
)

// BuildActionsChain compiles the actions turning left into right with
// the Default registry.
func BuildActionsChain(left, right schema.Schema, logger *zap.Logger) ([]Action, error) {
	return Default.BuildActionsChain(left, right, logger)
}

// BuildActionsChain compiles the actions turning left into right.
//
// Action types are tried in priority order. Each type is asked for
// every document type (and every field or index name of it) present in
// either the working schema or right; every action found is applied to
// the working schema at once, so later checks see its effect. The chain
// is rejected when the working schema does not end up equal to right.
func (r *Registry) BuildActionsChain(left, right schema.Schema, logger *zap.Logger) ([]Action, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	working := left.Copy()
	var chain []Action

	add := func(a Action) error {
		next, err := Apply(a, working)
		if err != nil {
			return err
		}
		logger.Debug("action compiled", zap.String("action", Describe(a)))
		working = next
		chain = append(chain, a)
		return nil
	}

	for _, t := range r.Sorted() {
		if t.Level == LevelManual {
			continue
		}
		for _, documentType := range schema.DocumentTypes(working, right) {
			switch t.Level {
			case LevelDocument:
				if a := t.Document(documentType, working, right); a != nil {
					if err := add(a); err != nil {
						return nil, err
					}
				}
			case LevelField, LevelIndex:
				names := fieldNames(documentType, working, right)
				if t.Level == LevelIndex {
					names = indexNames(documentType, working, right)
				}
				for _, name := range names {
					if a := t.Member(documentType, name, working, right); a != nil {
						if err := add(a); err != nil {
							return nil, err
						}
					}
				}
			}
		}
	}

	if !schema.Equal(working, right) {
		diff := schema.Describe(working, right)
		logger.Error("schema has not reached the target state after applying the whole chain",
			zap.String("diff", diff))
		return nil, docerr.Unreachable(diff)
	}
	return chain, nil
}

func indexNames(documentType string, left, right schema.Schema) []string {
	seen := map[string]struct{}{}
	for _, s := range []schema.Schema{left, right} {
		if doc, ok := s.Document(documentType); ok {
			for name := range doc.Indexes {
				seen[name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
