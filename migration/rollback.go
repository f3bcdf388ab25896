package migration

import (
	"fmt"
	"strings"

	"github.com/dan-strohschein/docmigrate/action"
	"github.com/dan-strohschein/docmigrate/schema"
)

// RollbackPatches holds the forward schema patch of every action of every
// migration, keyed by migration name. Reverting an action applies the
// inverse of its forward patch.
type RollbackPatches map[string][]schema.Patch

// GenerateRollbackPatches replays the whole graph on an empty schema and
// records the patch each action produced. The patches do not depend on
// what is applied in the database.
func GenerateRollbackPatches(g *Graph) (RollbackPatches, error) {
	walked, err := g.WalkDown(g.Initial(), false)
	if err != nil {
		return nil, err
	}

	out := make(RollbackPatches, len(walked))
	working := schema.Schema{}
	for _, m := range walked {
		patches := make([]schema.Patch, 0, len(m.Actions))
		for _, a := range m.Actions {
			patch, err := a.ToSchemaPatch(working)
			if err != nil {
				return nil, fmt.Errorf("migration %s: %w", m.Name, err)
			}
			next, err := action.Apply(a, working)
			if err != nil {
				return nil, fmt.Errorf("migration %s: %w", m.Name, err)
			}
			patches = append(patches, patch)
			working = next
		}
		out[m.Name] = patches
	}
	return out, nil
}

// Backward returns the patch reverting action idx of the named migration.
func (p RollbackPatches) Backward(name string, idx int) (schema.Patch, error) {
	patches, ok := p[name]
	if !ok || idx < 0 || idx >= len(patches) {
		return nil, fmt.Errorf("no rollback patch for action %d of migration %s", idx+1, name)
	}
	return patches[idx].Invert(), nil
}

// FormatPlan renders a plan for human-readable output.
func FormatPlan(plan *Plan) string {
	var sb strings.Builder

	title := "Upgrade"
	if plan.Direction == Down {
		title = "Downgrade"
	}
	sb.WriteString(fmt.Sprintf("=== %s to %s ===\n\n", title, plan.Target))

	if len(plan.Migrations) == 0 {
		sb.WriteString("Nothing to do.\n")
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("Total migrations: %d\n\n", len(plan.Migrations)))

	for i, m := range plan.Migrations {
		sb.WriteString(fmt.Sprintf("Migration %d: %s\n", i+1, m.Name))
		sb.WriteString(fmt.Sprintf("  Policy: %s\n", m.policy()))
		if len(m.Dependencies) > 0 {
			sb.WriteString(fmt.Sprintf("  Dependencies: %v\n", m.Dependencies))
		}

		sb.WriteString("\n  Actions:\n")
		n := len(m.Actions)
		for j := range m.Actions {
			idx := j
			if plan.Direction == Down {
				idx = n - 1 - j
			}
			sb.WriteString(fmt.Sprintf("    %d. %s\n", idx+1, action.Describe(m.Actions[idx])))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
