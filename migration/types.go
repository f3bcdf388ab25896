package migration

import (
	"github.com/dan-strohschein/docmigrate/action"
	"github.com/dan-strohschein/docmigrate/updater"
)

// Direction is the direction a migration is run in.
type Direction string

const (
	// Up applies a migration forward.
	Up Direction = "up"
	// Down reverts a migration.
	Down Direction = "down"
)

// Migration is one node of the migrations graph.
type Migration struct {
	// Name is the unique migration name, usually the file name without
	// extension (e.g. "0001_auto_20240101_1200").
	Name string

	// Dependencies lists the names of migrations which must be applied
	// before this one.
	Dependencies []string

	// Policy tells actions how to treat data which does not satisfy the
	// schema.
	Policy updater.Policy

	// Actions are run in order on upgrade and in reverse order on
	// downgrade.
	Actions []action.Action

	// Applied is taken from the state stored in the database.
	Applied bool
}

// Specs returns the serializable form of the migration actions.
func (m *Migration) Specs() []action.Spec {
	out := make([]action.Spec, 0, len(m.Actions))
	for _, a := range m.Actions {
		out = append(out, a.Spec())
	}
	return out
}

func (m *Migration) policy() updater.Policy {
	if m.Policy == "" {
		return updater.PolicyStrict
	}
	return m.Policy
}

// AppliedRecord is one element of the applied migrations list kept in
// the state collection.
type AppliedRecord struct {
	Name           string `bson:"name" json:"name"`
	OrderingNumber int    `bson:"ordering_number" json:"ordering_number"`
	Checksum       string `bson:"checksum,omitempty" json:"checksum,omitempty"`
}

// Plan lists the migrations a run would touch, in run order.
type Plan struct {
	Direction  Direction
	Target     string
	Migrations []*Migration
}

// StatusEntry describes one migration for the status report.
type StatusEntry struct {
	Name         string   `json:"name"`
	Applied      bool     `json:"applied"`
	Dependencies []string `json:"dependencies,omitempty"`
	Actions      int      `json:"actions"`
	Policy       string   `json:"policy"`
}
