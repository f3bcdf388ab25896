package migration

import (
	"sort"
	"strings"

	"github.com/dan-strohschein/docmigrate/docerr"
)

// Graph is the dependency digraph of migrations. Edges go from a
// dependency (parent) to the migration depending on it (child).
type Graph struct {
	migrations map[string]*Migration
	order      []string
	parents    map[string][]*Migration
	children   map[string][]*Migration
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		migrations: make(map[string]*Migration),
		parents:    make(map[string][]*Migration),
		children:   make(map[string][]*Migration),
	}
}

// Add links m to the migrations already in the graph. A migration with
// the same name is replaced.
func (g *Graph) Add(m *Migration) {
	if _, ok := g.migrations[m.Name]; ok {
		g.unlink(m.Name)
	} else {
		g.order = append(g.order, m.Name)
	}
	g.parents[m.Name] = nil
	g.children[m.Name] = nil

	for _, name := range g.order {
		partner, ok := g.migrations[name]
		if !ok || name == m.Name {
			continue
		}
		if contains(m.Dependencies, partner.Name) {
			g.parents[m.Name] = append(g.parents[m.Name], partner)
			g.children[partner.Name] = append(g.children[partner.Name], m)
		}
		if contains(partner.Dependencies, m.Name) {
			g.children[m.Name] = append(g.children[m.Name], partner)
			g.parents[partner.Name] = append(g.parents[partner.Name], m)
		}
	}
	g.migrations[m.Name] = m
}

func (g *Graph) unlink(name string) {
	for other, list := range g.parents {
		g.parents[other] = without(list, name)
	}
	for other, list := range g.children {
		g.children[other] = without(list, name)
	}
}

// Get returns the named migration.
func (g *Graph) Get(name string) (*Migration, bool) {
	m, ok := g.migrations[name]
	return m, ok
}

// Len returns the number of migrations.
func (g *Graph) Len() int { return len(g.migrations) }

// Migrations returns every migration in insertion order.
func (g *Graph) Migrations() []*Migration {
	out := make([]*Migration, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.migrations[name])
	}
	return out
}

// Initial returns the first migration without dependencies, nil for an
// empty graph.
func (g *Graph) Initial() *Migration {
	for _, name := range g.order {
		if len(g.parents[name]) == 0 {
			return g.migrations[name]
		}
	}
	return nil
}

// Last returns the first migration nothing depends on, nil for an empty
// graph.
func (g *Graph) Last() *Migration {
	for _, name := range g.order {
		if len(g.children[name]) == 0 {
			return g.migrations[name]
		}
	}
	return nil
}

// Verify checks that the graph is a single connected history with one
// initial and one last migration.
func (g *Graph) Verify() error {
	var initials, lasts []string
	for _, name := range g.order {
		m := g.migrations[name]
		if len(g.parents[name]) == 0 {
			initials = append(initials, name)
		}
		if len(g.children[name]) == 0 {
			lasts = append(lasts, name)
		}
		if contains(m.Dependencies, name) {
			return docerr.Graph("migration %q depends on itself", name)
		}
		if len(m.Dependencies) > len(g.parents[name]) {
			var unknown []string
			for _, dep := range m.Dependencies {
				if _, ok := g.migrations[dep]; !ok {
					unknown = append(unknown, dep)
				}
			}
			sort.Strings(unknown)
			return docerr.Graph("unknown dependencies in migration %q: %s", name, strings.Join(unknown, ", "))
		}
	}

	switch {
	case len(initials) == len(lasts) && len(initials) > 1:
		return docerr.Graph("migrations graph is disconnected, history segments start on %v and end on %v", initials, lasts)
	case len(initials) > 1:
		return docerr.Graph("several initial migrations found: %v", initials)
	case len(lasts) > 1:
		return docerr.Graph("several last migrations found: %v", lasts)
	case len(initials) == 0 || len(lasts) == 0:
		return docerr.Graph("no initial or last migration found")
	}
	return nil
}

// WalkDown returns migrations in the order they must be applied,
// starting at from. Every migration is returned only after all of its
// parents. Applied migrations are skipped when unappliedOnly is set.
//
// The walk is a depth-first search where a node is entered only when it
// has been reached from every parent. Reaching a node once more after
// that means a closed cycle.
func (g *Graph) WalkDown(from *Migration, unappliedOnly bool) ([]*Migration, error) {
	var out []*Migration
	err := g.walk(from, g.parents, g.children, map[string]int{}, func(m *Migration) {
		if !(m.Applied && unappliedOnly) {
			out = append(out, m)
		}
	})
	return out, err
}

// WalkUp returns migrations in the order they must be reverted, starting
// at from. Every migration is returned only after all of its children.
// Unapplied migrations are skipped when appliedOnly is set.
func (g *Graph) WalkUp(from *Migration, appliedOnly bool) ([]*Migration, error) {
	var out []*Migration
	err := g.walk(from, g.children, g.parents, map[string]int{}, func(m *Migration) {
		if m.Applied || !appliedOnly {
			out = append(out, m)
		}
	})
	return out, err
}

// walk enters a node once it has been reached through every in-edge.
func (g *Graph) walk(node *Migration, in, out map[string][]*Migration, counters map[string]int, visit func(*Migration)) error {
	if node == nil {
		return nil
	}
	if _, ok := counters[node.Name]; !ok {
		n := len(in[node.Name])
		if n == 0 {
			n = 1
		}
		counters[node.Name] = n
	}
	counters[node.Name]--

	switch c := counters[node.Name]; {
	case c > 0:
		return nil
	case c < 0:
		return docerr.Graph("found closed cycle in migration graph, %q is repeated twice", node.Name)
	}

	visit(node)
	for _, next := range out[node.Name] {
		if err := g.walk(next, in, out, counters, visit); err != nil {
			return err
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func without(list []*Migration, name string) []*Migration {
	out := list[:0]
	for _, m := range list {
		if m.Name != name {
			out = append(out, m)
		}
	}
	return out
}
