package wire

import (
	"fmt"
	"regexp"
	"strings"
)

// Identity is the parsed result of splitting a startup message's `user`
// parameter on the configured tenant separator (spec.md §3 "Identity
// payload", §6 "Username grammar").
type Identity struct {
	// Bypass is true when the raw username matched the superuser-bypass
	// list; in that case Role/Values are zero and the raw username must
	// be forwarded unchanged.
	Bypass bool
	// Raw is the original, unparsed `user` parameter value.
	Raw string
	// Role is the effective login role: the prefix before the first
	// tenant_separator.
	Role string
	// Values are the positional context values, split on value_separator,
	// mapped 1:1 onto the configured context_variables in order.
	Values []string
}

// ParseIdentity splits raw on sep into role and payload, then splits the
// payload on valueSep into exactly wantValues positional values. Per
// spec.md §3: the separator must be found at least once, exactly N
// values are required, and none may be empty.
func ParseIdentity(raw string, sep, valueSep byte, wantValues int) (Identity, error) {
	idx := strings.IndexByte(raw, sep)
	if idx < 0 {
		return Identity{}, fmt.Errorf("wire: username %q does not contain tenant separator %q", raw, string(sep))
	}
	role := raw[:idx]
	if role == "" {
		return Identity{}, fmt.Errorf("wire: username %q has an empty role before the separator", raw)
	}
	payload := raw[idx+1:]
	values := strings.Split(payload, string(valueSep))
	if len(values) != wantValues {
		return Identity{}, fmt.Errorf("wire: username %q yields %d value(s), want %d", raw, len(values), wantValues)
	}
	for i, v := range values {
		if v == "" {
			return Identity{}, fmt.Errorf("wire: username %q has an empty value at position %d", raw, i)
		}
	}
	return Identity{Raw: raw, Role: role, Values: values}, nil
}

// IsBypass reports whether raw exactly matches one of the configured
// superuser-bypass usernames.
func IsBypass(raw string, bypassList []string) bool {
	for _, b := range bypassList {
		if raw == b {
			return true
		}
	}
	return false
}

var (
	literalPattern    = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// EscapeLiteral single-quotes s for use as a SQL string literal, doubling
// internal single quotes. Per spec.md §4.1, s must match
// ^[A-Za-z0-9_\-.]+$ — anything else is a fatal configuration error
// because it implies either an attack or a misconfigured resolver, and
// the regex makes the doubling step unreachable in practice (none of the
// allowed characters is a quote), but the doubling is still performed so
// that the escaper remains correct if the allowed character class is
// ever loosened.
func EscapeLiteral(s string) (string, error) {
	if !literalPattern.MatchString(s) {
		return "", fmt.Errorf("wire: value %q is not a safe SQL literal (must match %s)", s, literalPattern.String())
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
}

// EscapeIdentifier double-quotes s for use as a SQL identifier. Per
// spec.md §4.1, s must match ^[A-Za-z0-9_]+$.
func EscapeIdentifier(s string) (string, error) {
	if !identifierPattern.MatchString(s) {
		return "", fmt.Errorf("wire: identifier %q is not safe (must match %s)", s, identifierPattern.String())
	}
	return `"` + s + `"`, nil
}
