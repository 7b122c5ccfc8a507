package handler

import (
	"fmt"
	"strings"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// buildInjectionSQL assembles the single simple-query batch INJECTING
// sends upstream: one SET per session variable in insertion order,
// followed by SET ROLE (spec.md §6 "Injection wire format", §4.3
// INJECTING "context vars (declaration order) -> resolver-injected vars
// (topological order) -> SET ROLE").
//
// h.contextVars already holds both groups in the right order: identity
// parsing seeds it with the context variables, and resolvers.Engine.Run
// appends each Inject mapping directly into the same OrderedParams as
// each resolver runs, so no separate merge step is needed here.
func buildInjectionSQL(h *Handler) (string, error) {
	var sb strings.Builder
	for _, name := range h.contextVars.Keys() {
		value, _ := h.contextVars.Get(name)
		stmt, err := buildSetStatement(name, value)
		if err != nil {
			return "", err
		}
		sb.WriteString(stmt)
	}

	role, err := wire.EscapeIdentifier(h.effectiveRole)
	if err != nil {
		return "", fmt.Errorf("effective role %q: %w", h.effectiveRole, err)
	}
	sb.WriteString("SET ROLE ")
	sb.WriteString(role)
	sb.WriteString(";")
	return sb.String(), nil
}

// buildSetStatement renders one `SET name = 'value';` statement. The
// variable name is never identifier-escaped: it comes from trusted
// configuration (context_variables, a resolver's Inject targets), never from
// client input, and PostgreSQL's SET grammar accepts a dotted
// custom-GUC name unquoted — spec.md §6's own worked example emits
// `SET app.current_tenant_id = 'acme';` bare despite the dot, and
// wire.EscapeIdentifier's identifier pattern cannot accept a dot in the
// first place. Only the value crosses a trust boundary and is escaped.
func buildSetStatement(name, value string) (string, error) {
	lit, err := wire.EscapeLiteral(value)
	if err != nil {
		return "", fmt.Errorf("session variable %q: %w", name, err)
	}
	return fmt.Sprintf("SET %s = %s;", name, lit), nil
}
