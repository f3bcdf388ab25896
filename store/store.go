// Package store defines the database abstraction the migration engine
// runs against. The mongostore package implements it on top of the
// MongoDB driver, memstore keeps everything in process.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Database is a handle to one logical database.
type Database interface {
	// Name returns the database name
	Name() string

	// Collection returns a handle for the named collection. The
	// collection does not need to exist.
	Collection(name string) Collection

	// ListCollectionNames returns the names of existing collections
	ListCollectionNames(ctx context.Context) ([]string, error)

	// ServerVersion returns the version of the database server
	ServerVersion(ctx context.Context) (Version, error)
}

// Collection is a handle to one physical collection.
type Collection interface {
	// Name returns the collection name
	Name() string

	// CountDocuments counts documents matching filter, stopping at limit
	// when limit > 0
	CountDocuments(ctx context.Context, filter interface{}, limit int64) (int64, error)

	// Find returns a cursor over documents matching filter
	Find(ctx context.Context, filter interface{}, opts FindOptions) (Cursor, error)

	// FindOne decodes the first document matching filter into out.
	// It returns false when nothing matched.
	FindOne(ctx context.Context, filter interface{}, out interface{}) (bool, error)

	// UpdateMany applies update to every matching document. update is
	// either an operator document ($set, $unset, $rename) or an
	// aggregation pipeline. arrayFilters may be nil.
	UpdateMany(ctx context.Context, filter, update interface{}, arrayFilters []interface{}) (UpdateResult, error)

	// ReplaceOne replaces the first matching document
	ReplaceOne(ctx context.Context, filter, replacement interface{}, upsert bool) error

	// BulkReplace replaces documents by _id in one unordered batch
	BulkReplace(ctx context.Context, replacements []Replacement) (int64, error)

	// Drop drops the collection. Dropping a missing collection succeeds.
	Drop(ctx context.Context) error

	// Rename renames the collection within the same database
	Rename(ctx context.Context, newName string) error

	// Indexes lists index descriptions ({name, key, ...options})
	Indexes(ctx context.Context) ([]bson.M, error)

	// CreateIndex creates an index and returns its name
	CreateIndex(ctx context.Context, spec IndexSpec) (string, error)

	// DropIndex drops the named index
	DropIndex(ctx context.Context, name string) error
}

// Cursor iterates over query results. *mongo.Cursor satisfies it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(v interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// FindOptions tunes a Find call.
type FindOptions struct {
	// Limit caps the number of returned documents, 0 means no limit
	Limit int64

	// BatchSize is the cursor batch size hint, 0 uses the server default
	BatchSize int32
}

// UpdateResult reports the outcome of UpdateMany.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// Replacement is one element of a bulk replace.
type Replacement struct {
	ID       interface{}
	Document interface{}
}

// IndexSpec describes an index to create.
type IndexSpec struct {
	// Keys is the ordered key specification, e.g. {{"name", 1}}
	Keys bson.D

	// Options holds index options such as name, unique or sparse
	Options bson.M
}

// Name returns the explicit index name or the name the server would
// generate from the keys ("name_1_age_-1").
func (s IndexSpec) Name() string {
	if name, ok := s.Options["name"].(string); ok && name != "" {
		return name
	}
	parts := make([]string, 0, len(s.Keys)*2)
	for _, k := range s.Keys {
		parts = append(parts, k.Key, fmt.Sprint(k.Value))
	}
	return strings.Join(parts, "_")
}

// Version is a server version number.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses versions like "4.4.6" or "7.0.2-rc1".
func ParseVersion(s string) (Version, error) {
	var v Version
	core := s
	if i := strings.IndexAny(core, "-+ "); i >= 0 {
		core = core[:i]
	}
	parts := strings.Split(core, ".")
	if core == "" || len(parts) > 3 {
		return v, fmt.Errorf("invalid version %q", s)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParseVersion is ParseVersion that panics on malformed input.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return sign(v.Major - o.Major)
	case v.Minor != o.Minor:
		return sign(v.Minor - o.Minor)
	default:
		return sign(v.Patch - o.Patch)
	}
}

// AtLeast reports whether v >= o.
func (v Version) AtLeast(o Version) bool {
	return v.Compare(o) >= 0
}

// IsZero reports whether the version is unknown.
func (v Version) IsZero() bool {
	return v == Version{}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
