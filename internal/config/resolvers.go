package config

import (
	"time"

	"github.com/pgvpd/pgvpd/internal/resolvers"
)

// ToDefinition converts a decoded [[resolver]] table into the
// resolvers.Definition shape the engine operates on.
func (r ResolverConfig) ToDefinition() resolvers.Definition {
	return resolvers.Definition{
		Name:      r.Name,
		SQL:       r.SQL,
		Params:    r.Params,
		Inject:    r.Inject,
		Required:  r.Required,
		Unique:    r.Unique,
		CacheTTL:  time.Duration(r.CacheTTL) * time.Second,
		DependsOn: r.DependsOn,
	}
}

// ResolverDefinitions converts every configured resolver into the
// engine's Definition shape and topologically sorts them, aborting at
// startup if a dependency cycle or unknown reference exists (spec.md
// §4.4).
func ResolverDefinitions(cfgs []ResolverConfig) ([]resolvers.Definition, error) {
	defs := make([]resolvers.Definition, len(cfgs))
	for i, c := range cfgs {
		defs[i] = c.ToDefinition()
	}
	return resolvers.TopoSort(defs)
}
