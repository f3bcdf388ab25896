package updater

import (
	"context"

	"github.com/dan-strohschein/docmigrate/docerr"
)

// Fallback is the updater used against servers older than 3.6, which
// lack array filters: by-path updates are refused and combined updates
// are done by document everywhere.
type Fallback struct {
	*Updater
}

var _ DocumentUpdater = (*Fallback)(nil)

// UpdateByPath always fails with an unsupported-operation error.
func (f *Fallback) UpdateByPath(ctx context.Context, cb ByPathFunc) error {
	v, _ := f.db.ServerVersion(ctx)
	return docerr.Unsupported("update by path", v.String())
}

// UpdateCombined ignores byPath and opts.
func (f *Fallback) UpdateCombined(ctx context.Context, byPath ByPathFunc, byDoc ByDocFunc, opts CombinedOptions) error {
	return f.Updater.UpdateByDocument(ctx, byDoc)
}

func (f *Fallback) WithMissedFields() DocumentUpdater {
	c := f.Updater.clone()
	c.includeMissed = true
	return &Fallback{Updater: c}
}

func (f *Fallback) WithField(name string) DocumentUpdater {
	c := f.Updater.clone()
	c.fieldName = name
	return &Fallback{Updater: c}
}
