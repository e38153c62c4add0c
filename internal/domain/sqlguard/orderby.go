package sqlguard

import (
	"regexp"
	"strings"
)

// Maximum number of sort keys in an ORDER BY clause.
const maxSortKeys = 2

var (
	// orderKeyPattern matches a single sort key: a dotted path of two or
	// three identifier components followed by an explicit direction.
	orderKeyPattern = regexp.MustCompile(
		`(?i)^([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*){1,2})\s+(ASC|DESC)$`)

	// orderByTailPattern cuts the ORDER BY clause off at LIMIT, OFFSET,
	// FETCH, FOR, or a trailing semicolon.
	orderByTailPattern = regexp.MustCompile(`(?i)\b(?:LIMIT|OFFSET|FETCH|FOR)\b|;`)

	nullsPattern = regexp.MustCompile(`(?i)\bNULLS\b`)
)

// validateOrderBy applies the ORDER BY sub-validator:
//
//   - at most one top-level ORDER BY (any second occurrence rejects, even in
//     a position a parser might consider nested; false positives are fine)
//   - no parentheses anywhere inside the clause
//   - at most two sort keys
//   - each key is qualifier.column with the qualifier bound in FROM/JOIN
//   - each key carries an explicit ASC or DESC
//   - NULLS FIRST/LAST, functions, arithmetic, CASE, numeric positions, and
//     SELECT-list aliases are all rejected by the key grammar
//   - the resolved schema.table.column must be in the caller's allowlist;
//     the rejection does not disclose whether the column exists
func validateOrderBy(statement string, tables []TableRef, allowedOrderBy map[string]struct{}) Result {
	locs := orderByPattern.FindAllStringIndex(statement, -1)
	if len(locs) == 0 {
		return accept()
	}
	if len(locs) > 1 {
		return reject(ReasonOrderByMultiple)
	}

	clause := statement[locs[0][1]:]
	if tail := orderByTailPattern.FindStringIndex(clause); tail != nil {
		clause = clause[:tail[0]]
	}
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return reject(ReasonOrderBySyntax)
	}

	if strings.ContainsAny(clause, "()") {
		return reject(ReasonOrderByParens)
	}
	if nullsPattern.MatchString(clause) {
		return reject(ReasonOrderBySyntax)
	}

	keys := strings.Split(clause, ",")
	if len(keys) > maxSortKeys {
		return reject(ReasonOrderByTooManyKeys)
	}

	byAlias, byName := bindTables(tables)

	for _, key := range keys {
		key = strings.TrimSpace(key)
		m := orderKeyPattern.FindStringSubmatch(key)
		if m == nil {
			// Bare columns, numeric positions, functions, arithmetic, CASE,
			// and implicit direction all land here.
			return reject(ReasonOrderBySyntax)
		}

		path := strings.ToLower(m[1])
		parts := strings.Split(path, ".")

		var qualified string
		switch len(parts) {
		case 2:
			// alias.column: the alias must be bound in FROM/JOIN.
			table, ok := byAlias[parts[0]]
			if !ok {
				return reject(ReasonOrderByUnboundQualifier)
			}
			qualified = table + "." + parts[1]
		case 3:
			// schema.table.column: the table must be bound in FROM/JOIN.
			table := parts[0] + "." + parts[1]
			if _, ok := byName[table]; !ok {
				return reject(ReasonOrderByUnboundQualifier)
			}
			qualified = table + "." + parts[2]
		default:
			return reject(ReasonOrderBySyntax)
		}

		if _, ok := allowedOrderBy[qualified]; !ok {
			return reject(ReasonOrderByNotAllowed)
		}
	}

	return accept()
}

// bindTables indexes table references by alias and by lowercased full name.
// Only schema-qualified (two-part) names participate in ORDER BY resolution;
// an unqualified reference can never resolve to an allowlisted
// schema.table.column and so fails closed.
func bindTables(tables []TableRef) (byAlias, byName map[string]string) {
	byAlias = make(map[string]string, len(tables))
	byName = make(map[string]string, len(tables))
	for _, ref := range tables {
		name := strings.ToLower(ref.Name)
		if strings.Count(name, ".") != 1 {
			continue
		}
		byName[name] = name
		if ref.Alias != "" {
			byAlias[ref.Alias] = name
		}
	}
	return byAlias, byName
}
