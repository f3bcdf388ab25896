package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/docmigrate/docerr"
)

func graphOf(ms ...*Migration) *Graph {
	g := NewGraph()
	for _, m := range ms {
		g.Add(m)
	}
	return g
}

func names(ms []*Migration) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Name)
	}
	return out
}

// diamond: a <- b, a <- c, {b, c} <- d
func diamond() *Graph {
	return graphOf(
		&Migration{Name: "a"},
		&Migration{Name: "b", Dependencies: []string{"a"}},
		&Migration{Name: "c", Dependencies: []string{"a"}},
		&Migration{Name: "d", Dependencies: []string{"b", "c"}},
	)
}

func TestGraphInitialLast(t *testing.T) {
	g := NewGraph()
	assert.Nil(t, g.Initial())
	assert.Nil(t, g.Last())

	g = diamond()
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, "a", g.Initial().Name)
	assert.Equal(t, "d", g.Last().Name)
	assert.NoError(t, g.Verify())
}

func TestGraphAddOrderIndependent(t *testing.T) {
	// children added before their dependencies are linked all the same
	g := graphOf(
		&Migration{Name: "d", Dependencies: []string{"b", "c"}},
		&Migration{Name: "c", Dependencies: []string{"a"}},
		&Migration{Name: "b", Dependencies: []string{"a"}},
		&Migration{Name: "a"},
	)
	require.NoError(t, g.Verify())
	assert.Equal(t, "a", g.Initial().Name)
	assert.Equal(t, "d", g.Last().Name)

	walked, err := g.WalkDown(g.Initial(), false)
	require.NoError(t, err)
	assert.Len(t, walked, 4)
	assert.Equal(t, "a", walked[0].Name)
	assert.Equal(t, "d", walked[3].Name)
}

func TestGraphAddReplaces(t *testing.T) {
	g := diamond()
	g.Add(&Migration{Name: "d", Dependencies: []string{"c"}})
	assert.Equal(t, 4, g.Len())

	err := g.Verify()
	require.Error(t, err)
	assert.True(t, docerr.IsGraph(err))
	assert.Contains(t, err.Error(), "several last migrations")
}

func TestGraphVerify(t *testing.T) {
	tests := []struct {
		name    string
		graph   *Graph
		message string
	}{
		{
			name: "unknown dependency",
			graph: graphOf(
				&Migration{Name: "a"},
				&Migration{Name: "b", Dependencies: []string{"a", "x"}},
			),
			message: "unknown dependencies in migration \\\"b\\\": x",
		},
		{
			name: "self dependency",
			graph: graphOf(
				&Migration{Name: "a"},
				&Migration{Name: "b", Dependencies: []string{"a", "b"}},
			),
			message: "depends on itself",
		},
		{
			name: "disconnected",
			graph: graphOf(
				&Migration{Name: "a"},
				&Migration{Name: "b", Dependencies: []string{"a"}},
				&Migration{Name: "x"},
				&Migration{Name: "y", Dependencies: []string{"x"}},
			),
			message: "disconnected",
		},
		{
			name: "several initial",
			graph: graphOf(
				&Migration{Name: "a"},
				&Migration{Name: "b"},
				&Migration{Name: "c", Dependencies: []string{"a", "b"}},
			),
			message: "several initial migrations",
		},
		{
			name: "several last",
			graph: graphOf(
				&Migration{Name: "a"},
				&Migration{Name: "b", Dependencies: []string{"a"}},
				&Migration{Name: "c", Dependencies: []string{"a"}},
			),
			message: "several last migrations",
		},
		{
			name: "cycle",
			graph: graphOf(
				&Migration{Name: "a"},
				&Migration{Name: "b", Dependencies: []string{"a", "c"}},
				&Migration{Name: "c", Dependencies: []string{"b"}},
			),
			message: "no initial or last migration",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.graph.Verify()
			require.Error(t, err)
			assert.True(t, docerr.IsGraph(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestGraphWalkDown(t *testing.T) {
	g := diamond()

	walked, err := g.WalkDown(g.Initial(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, names(walked))

	g.migrations["a"].Applied = true
	g.migrations["b"].Applied = true
	walked, err = g.WalkDown(g.Initial(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, names(walked))

	walked, err = g.WalkDown(nil, false)
	require.NoError(t, err)
	assert.Empty(t, walked)
}

func TestGraphWalkUp(t *testing.T) {
	g := diamond()

	walked, err := g.WalkUp(g.Last(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "b", "c", "a"}, names(walked))

	walked, err = g.WalkUp(g.Last(), true)
	require.NoError(t, err)
	assert.Empty(t, walked)

	g.migrations["a"].Applied = true
	g.migrations["c"].Applied = true
	walked, err = g.WalkUp(g.Last(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, names(walked))
}

func TestGraphWalkLinear(t *testing.T) {
	g := graphOf(
		&Migration{Name: "0001"},
		&Migration{Name: "0002", Dependencies: []string{"0001"}},
		&Migration{Name: "0003", Dependencies: []string{"0002"}},
	)
	down, err := g.WalkDown(g.Initial(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001", "0002", "0003"}, names(down))

	up, err := g.WalkUp(g.Last(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0003", "0002", "0001"}, names(up))
}
