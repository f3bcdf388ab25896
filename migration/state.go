package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/dan-strohschein/docmigrate/docerr"
	"github.com/dan-strohschein/docmigrate/schema"
	"github.com/dan-strohschein/docmigrate/store"
)

// DefaultCollection is the collection holding the migration state.
const DefaultCollection = "docmigrate"

// State document types.
const (
	stateSchema     = "schema"
	stateMigrations = "migrations"
)

// StateStore keeps the schema snapshot and the applied migrations list in
// a collection of the migrated database:
//
//	{type: "schema", value: <schema tree>}
//	{type: "migrations", value: [{name, ordering_number}, ...]}
type StateStore struct {
	coll store.Collection
}

// NewStateStore creates a state store on the given collection of db. An
// empty name means DefaultCollection.
func NewStateStore(db store.Database, collection string) *StateStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &StateStore{coll: db.Collection(collection)}
}

// Collection returns the name of the state collection.
func (s *StateStore) Collection() string { return s.coll.Name() }

func (s *StateStore) load(ctx context.Context, typ string) (interface{}, bool, error) {
	var doc bson.M
	found, err := s.coll.FindOne(ctx, bson.M{"type": typ}, &doc)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load %s state: %w", typ, err)
	}
	if !found {
		return nil, false, nil
	}
	return schema.Normalize(doc["value"]), true, nil
}

func (s *StateStore) write(ctx context.Context, typ string, value interface{}) error {
	doc := bson.M{"type": typ, "value": value}
	if err := s.coll.ReplaceOne(ctx, bson.M{"type": typ}, doc, true); err != nil {
		return fmt.Errorf("failed to write %s state: %w", typ, err)
	}
	return nil
}

// LoadSchema returns the stored schema, empty when nothing was stored
// yet.
func (s *StateStore) LoadSchema(ctx context.Context) (schema.Schema, error) {
	value, found, err := s.load(ctx, stateSchema)
	if err != nil {
		return nil, err
	}
	if !found || value == nil {
		return schema.Schema{}, nil
	}
	tree, ok := value.(map[string]interface{})
	if !ok {
		return nil, docerr.Schema("stored schema must be a mapping, got %T", value)
	}
	return schema.Load(tree)
}

// WriteSchema replaces the stored schema.
func (s *StateStore) WriteSchema(ctx context.Context, sc schema.Schema) error {
	return s.write(ctx, stateSchema, sc.Dump())
}

// LoadApplied returns the applied migrations in applying order.
func (s *StateStore) LoadApplied(ctx context.Context) ([]AppliedRecord, error) {
	value, found, err := s.load(ctx, stateMigrations)
	if err != nil || !found || value == nil {
		return nil, err
	}
	list, ok := value.([]interface{})
	if !ok {
		return nil, docerr.Migration("stored migrations list must be an array, got %T", value)
	}

	records := make([]AppliedRecord, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, docerr.Migration("stored migration record %d must be a mapping, got %T", i, item)
		}
		name, _ := m["name"].(string)
		if name == "" {
			return nil, docerr.Migration("stored migration record %d has no name", i)
		}
		num, _ := m["ordering_number"].(int64)
		checksum, _ := m["checksum"].(string)
		records = append(records, AppliedRecord{Name: name, OrderingNumber: int(num), Checksum: checksum})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].OrderingNumber < records[j].OrderingNumber
	})
	return records, nil
}

// WriteApplied replaces the applied migrations list.
func (s *StateStore) WriteApplied(ctx context.Context, records []AppliedRecord) error {
	value := make(bson.A, 0, len(records))
	for _, r := range records {
		item := bson.M{"name": r.Name, "ordering_number": r.OrderingNumber}
		if r.Checksum != "" {
			item["checksum"] = r.Checksum
		}
		value = append(value, item)
	}
	return s.write(ctx, stateMigrations, value)
}

// AppliedRecords lists the applied migrations of g in applying order.
func AppliedRecords(g *Graph) ([]AppliedRecord, error) {
	walked, err := g.WalkDown(g.Initial(), false)
	if err != nil {
		return nil, err
	}
	records := []AppliedRecord{}
	for _, m := range walked {
		if m.Applied {
			records = append(records, AppliedRecord{
				Name:           m.Name,
				OrderingNumber: len(records),
				Checksum:       Checksum(m),
			})
		}
	}
	return records, nil
}

// Checksum computes a SHA-256 checksum of the serialized migration, used
// to notice migrations edited after they were applied.
func Checksum(m *Migration) string {
	body := NewFile(m).Migration
	body.Name = m.Name
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
