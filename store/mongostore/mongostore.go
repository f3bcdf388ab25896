// Package mongostore implements store.Database with the official MongoDB
// driver.
package mongostore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/dan-strohschein/docmigrate/store"
)

// Options configures Connect.
type Options struct {
	// ServerVersion overrides the version reported by buildInfo
	ServerVersion string

	// ConnectTimeout bounds connecting and the initial ping
	ConnectTimeout time.Duration

	Logger *zap.Logger
}

// Database wraps a *mongo.Database.
type Database struct {
	client  *mongo.Client
	db      *mongo.Database
	version store.Version
	logger  *zap.Logger
}

var _ store.Database = (*Database)(nil)

// Connect opens a client for uri, pings the server and returns a handle
// to the named database.
func Connect(ctx context.Context, uri, database string, opts Options) (*Database, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(opts.ConnectTimeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "failed to ping database")
	}

	d := &Database{client: client, db: client.Database(database), logger: opts.Logger}
	if opts.ServerVersion != "" {
		v, err := store.ParseVersion(opts.ServerVersion)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, errors.Wrap(err, "invalid server version override")
		}
		d.version = v
	}

	opts.Logger.Debug("connected to database", zap.String("database", database))
	return d, nil
}

// Close disconnects the client.
func (d *Database) Close(ctx context.Context) error {
	return errors.Wrap(d.client.Disconnect(ctx), "failed to disconnect")
}

func (d *Database) Name() string { return d.db.Name() }

func (d *Database) Collection(name string) store.Collection {
	return &Collection{db: d, coll: d.db.Collection(name)}
}

func (d *Database) ListCollectionNames(ctx context.Context) ([]string, error) {
	names, err := d.db.ListCollectionNames(ctx, bson.D{})
	return names, errors.Wrap(err, "failed to list collections")
}

// ServerVersion asks buildInfo once and caches the answer.
func (d *Database) ServerVersion(ctx context.Context) (store.Version, error) {
	if !d.version.IsZero() {
		return d.version, nil
	}
	var info struct {
		Version string `bson:"version"`
	}
	if err := d.db.RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
		return store.Version{}, errors.Wrap(err, "failed to read server version")
	}
	v, err := store.ParseVersion(info.Version)
	if err != nil {
		return store.Version{}, err
	}
	d.version = v
	return v, nil
}

// Collection wraps a *mongo.Collection.
type Collection struct {
	db   *Database
	coll *mongo.Collection
}

func (c *Collection) Name() string { return c.coll.Name() }

func filterOrEmpty(filter interface{}) interface{} {
	if filter == nil {
		return bson.D{}
	}
	return filter
}

func (c *Collection) CountDocuments(ctx context.Context, filter interface{}, limit int64) (int64, error) {
	opts := options.Count()
	if limit > 0 {
		opts.SetLimit(limit)
	}
	n, err := c.coll.CountDocuments(ctx, filterOrEmpty(filter), opts)
	return n, errors.Wrapf(err, "failed to count documents in %s", c.Name())
}

func (c *Collection) Find(ctx context.Context, filter interface{}, opts store.FindOptions) (store.Cursor, error) {
	findOpts := options.Find()
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.BatchSize > 0 {
		findOpts.SetBatchSize(opts.BatchSize)
	}
	cur, err := c.coll.Find(ctx, filterOrEmpty(filter), findOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query %s", c.Name())
	}
	return cur, nil
}

func (c *Collection) FindOne(ctx context.Context, filter interface{}, out interface{}) (bool, error) {
	err := c.coll.FindOne(ctx, filterOrEmpty(filter)).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to query %s", c.Name())
	}
	return true, nil
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update interface{}, arrayFilters []interface{}) (store.UpdateResult, error) {
	opts := options.Update()
	if len(arrayFilters) > 0 {
		opts.SetArrayFilters(options.ArrayFilters{Filters: arrayFilters})
	}
	res, err := c.coll.UpdateMany(ctx, filterOrEmpty(filter), update, opts)
	if err != nil {
		return store.UpdateResult{}, errors.Wrapf(err, "failed to update %s", c.Name())
	}
	return store.UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (c *Collection) ReplaceOne(ctx context.Context, filter, replacement interface{}, upsert bool) error {
	_, err := c.coll.ReplaceOne(ctx, filterOrEmpty(filter), replacement, options.Replace().SetUpsert(upsert))
	return errors.Wrapf(err, "failed to replace document in %s", c.Name())
}

func (c *Collection) BulkReplace(ctx context.Context, replacements []store.Replacement) (int64, error) {
	if len(replacements) == 0 {
		return 0, nil
	}
	models := make([]mongo.WriteModel, len(replacements))
	for i, r := range replacements {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: r.ID}}).
			SetReplacement(r.Document)
	}
	res, err := c.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, errors.Wrapf(err, "bulk write to %s failed", c.Name())
	}
	return res.MatchedCount, nil
}

func (c *Collection) Drop(ctx context.Context) error {
	return errors.Wrapf(c.coll.Drop(ctx), "failed to drop %s", c.Name())
}

// Rename issues renameCollection against the admin database.
func (c *Collection) Rename(ctx context.Context, newName string) error {
	dbName := c.db.db.Name()
	cmd := bson.D{
		{Key: "renameCollection", Value: dbName + "." + c.Name()},
		{Key: "to", Value: dbName + "." + newName},
	}
	err := c.db.client.Database("admin").RunCommand(ctx, cmd).Err()
	return errors.Wrapf(err, "failed to rename %s to %s", c.Name(), newName)
}

func (c *Collection) Indexes(ctx context.Context) ([]bson.M, error) {
	cur, err := c.coll.Indexes().List(ctx)
	if isNamespaceNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list indexes of %s", c.Name())
	}
	var out []bson.M
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrapf(err, "failed to read indexes of %s", c.Name())
	}
	return out, nil
}

// CreateIndex runs createIndexes directly so arbitrary index options pass
// through unchanged.
func (c *Collection) CreateIndex(ctx context.Context, spec store.IndexSpec) (string, error) {
	name := spec.Name()
	index := bson.M{"key": spec.Keys, "name": name}
	for k, v := range spec.Options {
		if k != "name" {
			index[k] = v
		}
	}
	cmd := bson.D{
		{Key: "createIndexes", Value: c.Name()},
		{Key: "indexes", Value: bson.A{index}},
	}
	if err := c.db.db.RunCommand(ctx, cmd).Err(); err != nil {
		return "", errors.Wrapf(err, "failed to create index %s on %s", name, c.Name())
	}
	return name, nil
}

func (c *Collection) DropIndex(ctx context.Context, name string) error {
	_, err := c.coll.Indexes().DropOne(ctx, name)
	return errors.Wrapf(err, "failed to drop index %s on %s", name, c.Name())
}

func isNamespaceNotFound(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 26 || cmdErr.Name == "NamespaceNotFound"
	}
	return strings.Contains(err.Error(), "ns does not exist") || strings.Contains(err.Error(), "ns not found")
}
