package migration

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/docmigrate/schema"
)

func TestGenerateRollbackPatches(t *testing.T) {
	g := graphOf(initialMigration(), renameMigration())
	patches, err := GenerateRollbackPatches(g)
	require.NoError(t, err)
	require.Len(t, patches["0001_initial"], 2)
	require.Len(t, patches["0002_headline"], 1)

	built, err := BuildSchema(g)
	require.NoError(t, err)

	backward, err := patches.Backward("0002_headline", 0)
	require.NoError(t, err)
	reverted, err := schema.Apply(backward, built)
	require.NoError(t, err)
	assert.Equal(t, "title", reverted["Post"].Fields["title"]["db_field"])

	for idx := 1; idx >= 0; idx-- {
		backward, err = patches.Backward("0001_initial", idx)
		require.NoError(t, err)
		reverted, err = schema.Apply(backward, reverted)
		require.NoError(t, err)
	}
	assert.Empty(t, reverted)

	_, err = patches.Backward("0002_headline", 1)
	assert.Error(t, err)
	_, err = patches.Backward("0003_missing", 0)
	assert.Error(t, err)
}

func TestFormatPlanDowngradeOrder(t *testing.T) {
	plan := &Plan{Direction: Down, Target: "0000_empty", Migrations: []*Migration{initialMigration()}}
	out := FormatPlan(plan)
	assert.Contains(t, out, "=== Downgrade to 0000_empty ===")
	assert.Contains(t, out, "Total migrations: 1")

	create := strings.Index(out, "2. ")
	first := strings.Index(out, "1. ")
	require.True(t, create >= 0 && first >= 0)
	assert.Less(t, create, first, "actions are listed in reverting order")
}
