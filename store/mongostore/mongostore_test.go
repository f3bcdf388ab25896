package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dan-strohschein/docmigrate/store"
)

// connect returns a database on the server named by DOCMIGRATE_TEST_URI
// or skips the test.
func connect(t *testing.T) *Database {
	t.Helper()
	uri := os.Getenv("DOCMIGRATE_TEST_URI")
	if uri == "" {
		t.Skip("DOCMIGRATE_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	name := fmt.Sprintf("docmigrate_test_%d", time.Now().UnixNano())
	db, err := Connect(ctx, uri, name, Options{})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		_ = db.db.Drop(ctx)
		_ = db.Close(ctx)
	})
	return db
}

func TestServerVersion(t *testing.T) {
	db := connect(t)
	v, err := db.ServerVersion(context.Background())
	require.NoError(t, err)
	assert.False(t, v.IsZero())
}

func TestCollectionRoundTrip(t *testing.T) {
	db := connect(t)
	ctx := context.Background()
	coll := db.Collection("people")

	require.NoError(t, coll.ReplaceOne(ctx, bson.M{"_id": 1}, bson.M{"name": "ann", "pets": bson.A{bson.M{"k": "cat"}}}, true))

	res, err := coll.UpdateMany(ctx, bson.M{},
		bson.M{"$set": bson.M{"pets.$[elem0].age": 3}},
		[]interface{}{bson.M{"elem0.k": bson.M{"$exists": true}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Modified)

	var doc bson.M
	found, err := coll.FindOne(ctx, bson.M{"_id": 1}, &doc)
	require.NoError(t, err)
	require.True(t, found)
	pets := doc["pets"].(bson.A)
	assert.Equal(t, int32(3), pets[0].(bson.M)["age"])

	n, err := coll.BulkReplace(ctx, []store.Replacement{{ID: 1, Document: bson.M{"_id": 1, "name": "bob"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err = coll.FindOne(ctx, bson.M{"name": "ann"}, &doc)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIndexesAndRename(t *testing.T) {
	db := connect(t)
	ctx := context.Background()

	idx, err := db.Collection("missing").Indexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, idx)

	coll := db.Collection("things")
	name, err := coll.CreateIndex(ctx, store.IndexSpec{Keys: bson.D{{Key: "code", Value: 1}}, Options: bson.M{"unique": true}})
	require.NoError(t, err)
	assert.Equal(t, "code_1", name)

	require.NoError(t, coll.Rename(ctx, "renamed"))
	idx, err = db.Collection("renamed").Indexes(ctx)
	require.NoError(t, err)
	assert.Len(t, idx, 2)

	require.NoError(t, db.Collection("renamed").DropIndex(ctx, "code_1"))
}
