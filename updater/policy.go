package updater

import "fmt"

// Policy decides what happens when live data does not conform to the
// schema a migration expects.
type Policy string

const (
	// PolicyStrict aborts on inconsistent data
	PolicyStrict Policy = "strict"

	// PolicyRelaxed skips values that cannot be processed
	PolicyRelaxed Policy = "relaxed"
)

// ParsePolicy converts a policy name. An empty name means strict.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyRelaxed:
		return PolicyRelaxed, nil
	}
	return "", fmt.Errorf("unknown migration policy %q (want %q or %q)", s, PolicyStrict, PolicyRelaxed)
}

func (p Policy) String() string { return string(p) }

// Strict reports whether inconsistencies must abort the migration.
func (p Policy) Strict() bool { return p != PolicyRelaxed }
