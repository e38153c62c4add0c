package sqlguard

import "strings"

// Guard is the cheap prefilter that runs before the full validator: a
// keyword gate plus a schema.table allowlist. A statement touching any table
// outside the allowlist is rejected before alias resolution is attempted.
type Guard struct {
	allowedTables map[string]struct{}
}

// NewGuard creates a guard for the given allowed tables. Names are
// schema.table, compared case-insensitively. An empty allowlist permits no
// tables: default-deny.
func NewGuard(allowedTables []string) *Guard {
	allowed := make(map[string]struct{}, len(allowedTables))
	for _, t := range allowedTables {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Guard{allowedTables: allowed}
}

// AllowedTables returns the configured table names, for descriptor wiring.
func (g *Guard) AllowedTables() []string {
	out := make([]string, 0, len(g.allowedTables))
	for t := range g.allowedTables {
		out = append(out, t)
	}
	return out
}

// IsTableAllowed reports whether a schema.table name is in the allowlist.
func (g *Guard) IsTableAllowed(name string) bool {
	_, ok := g.allowedTables[strings.ToLower(name)]
	return ok
}

// Check runs the prefilter: the normalization pass (keywords, comments,
// quoting) and the table allowlist. It does not validate ORDER BY; that is
// the full validator's job.
func (g *Guard) Check(statement string) Result {
	if res := normalize(statement); !res.Valid {
		return res
	}

	tables, res := extractTables(statement)
	if !res.Valid {
		return res
	}

	for _, ref := range tables {
		if !g.IsTableAllowed(ref.Name) {
			return reject(ReasonTableNotAllowed)
		}
	}
	return accept()
}
