// Package resolvers implements the resolver engine: an ordered,
// dependency-aware batch of parameterized SQL lookups run against the
// authenticated upstream connection, each result folded into the
// connection's session-variable map before SET ROLE and the injection
// query are built (spec.md §4.4).
package resolvers

import (
	"fmt"
	"time"
)

// Definition is one resolver: a named SQL lookup with ordered parameter
// bindings (session-variable names substituted into the SQL's $1-style
// placeholders), a result-column-to-session-variable injection map, and
// the dependency/required/unique/cache flags spec.md §3 "Resolver
// definition" names.
type Definition struct {
	Name string
	// SQL contains $1, $2, ... placeholders, one per entry in Params, in
	// order. Placeholders are substituted with escaped literals, never
	// bound as extended-protocol parameters (spec.md §4.4).
	SQL string
	// Params names, in order, the session-variable keys whose current
	// values become $1, $2, ...
	Params []string
	// Inject maps a result column name to the session-variable name its
	// value is assigned to.
	Inject map[string]string
	// Required fails the connection if the query returns zero rows.
	Required bool
	// Unique fails the connection (rather than silently taking the first
	// row) if the query returns more than one row.
	Unique bool
	// CacheTTL is the cache lifetime for this resolver's results; zero
	// means never cached.
	CacheTTL time.Duration
	// DependsOn names other resolvers that must run, and have their
	// injected variables available, before this one.
	DependsOn []string
}

// TopoSort orders defs so that every resolver appears after everything it
// depends on, aborting with an error if a dependency name is unknown or a
// cycle exists (spec.md §4.4: "the engine topologically sorts them once
// at startup and aborts if a cycle or an unknown dependency is detected").
func TopoSort(defs []Definition) ([]Definition, error) {
	byName := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("resolvers: duplicate resolver name %q", d.Name)
		}
		byName[d.Name] = d
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("resolvers: %q depends on unknown resolver %q", d.Name, dep)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(defs))
	ordered := make([]Definition, 0, len(defs))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("resolvers: dependency cycle detected at %q", name)
		}
		state[name] = visiting
		d := byName[name]
		for _, dep := range d.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = visited
		ordered = append(ordered, d)
		return nil
	}

	for _, d := range defs {
		if err := visit(d.Name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
