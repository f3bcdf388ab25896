// Package testutil builds stored documents and seeded databases for tests
// and benchmarks.
package testutil

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Factory generates stored documents with customizable keys.
type Factory interface {
	// Build creates a single document
	Build(options ...Option) bson.M

	// BuildList creates count documents
	BuildList(count int, options ...Option) []bson.M
}

// Option overrides keys of a built document.
type Option func(map[string]interface{})

// BaseFactory resolves default values, which may be generator functions,
// into documents.
type BaseFactory struct {
	defaults map[string]interface{}
}

// NewBaseFactory creates a factory building documents from defaults.
// Values of type func() T are called for every document.
func NewBaseFactory(defaults map[string]interface{}) *BaseFactory {
	return &BaseFactory{defaults: defaults}
}

// Build creates a single document with optional overrides.
func (f *BaseFactory) Build(options ...Option) bson.M {
	data := make(map[string]interface{}, len(f.defaults))
	for k, v := range f.defaults {
		data[k] = v
	}
	for _, opt := range options {
		opt(data)
	}

	doc := make(bson.M, len(data))
	for k, v := range data {
		switch fn := v.(type) {
		case func() int64:
			doc[k] = fn()
		case func() int:
			doc[k] = fn()
		case func() string:
			doc[k] = fn()
		case func() time.Time:
			doc[k] = fn()
		case func() interface{}:
			doc[k] = fn()
		default:
			doc[k] = v
		}
	}
	return doc
}

// BuildList creates count documents.
func (f *BaseFactory) BuildList(count int, options ...Option) []bson.M {
	out := make([]bson.M, count)
	for i := range out {
		out[i] = f.Build(options...)
	}
	return out
}

// WithField sets a key. A nil value removes it.
func WithField(name string, value interface{}) Option {
	return func(data map[string]interface{}) {
		if value == nil {
			delete(data, name)
			return
		}
		data[name] = value
	}
}

// WithFields sets several keys.
func WithFields(fields map[string]interface{}) Option {
	return func(data map[string]interface{}) {
		for k, v := range fields {
			data[k] = v
		}
	}
}

var idSequence uint64

// SequenceID generates unique document ids.
func SequenceID() int64 {
	return int64(atomic.AddUint64(&idSequence, 1))
}

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

// RandomString generates a random string of the specified length.
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rng.Intn(len(charset))]
	}
	return string(b)
}

// RandomInt generates a random integer between min and max (inclusive).
func RandomInt(min, max int) int {
	return min + rng.Intn(max-min+1)
}

// NewPostFactory builds documents of a blog post collection: a title, a
// view counter and an embedded author.
func NewPostFactory() *BaseFactory {
	return NewBaseFactory(map[string]interface{}{
		"_id":   SequenceID,
		"title": func() string { return "Post " + RandomString(5) },
		"views": func() int { return RandomInt(0, 1000) },
		"author": func() interface{} {
			return bson.M{"name": "author " + RandomString(4), "email": fmt.Sprintf("%s@example.com", RandomString(6))}
		},
		"created_at": time.Now,
	})
}

// NewCommentFactory builds documents holding a list of embedded replies.
func NewCommentFactory() *BaseFactory {
	return NewBaseFactory(map[string]interface{}{
		"_id":  SequenceID,
		"text": func() string { return RandomString(20) },
		"replies": func() interface{} {
			n := RandomInt(0, 3)
			replies := make(bson.A, n)
			for i := range replies {
				replies[i] = bson.M{"text": RandomString(10), "score": RandomInt(0, 5)}
			}
			return replies
		},
	})
}
