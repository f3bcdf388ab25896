package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dan-strohschein/docmigrate/store/memstore"
)

// WithTimeout creates a context with timeout for tests.
// Default timeout is 10 seconds.
func WithTimeout(t testing.TB, timeout ...time.Duration) context.Context {
	t.Helper()

	duration := 10 * time.Second
	if len(timeout) > 0 {
		duration = timeout[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	t.Cleanup(cancel)
	return ctx
}

// Seed inserts count documents built by f into coll.
func Seed(db *memstore.Database, coll string, f Factory, count int, options ...Option) {
	for _, doc := range f.BuildList(count, options...) {
		db.Insert(coll, doc)
	}
}

// NewBlogDatabase returns an in-memory database with posts and comments.
func NewBlogDatabase(posts, comments int) *memstore.Database {
	db := memstore.New("blog")
	Seed(db, "posts", NewPostFactory(), posts)
	Seed(db, "comments", NewCommentFactory(), comments)
	return db
}
