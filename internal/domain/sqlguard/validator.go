package sqlguard

import (
	"regexp"
	"strings"
)

// deniedKeywords is the statement deny list. Presence of any of these as a
// word rejects the statement regardless of position.
var deniedKeywords = []string{
	"DROP", "ALTER", "DELETE", "INSERT", "UPDATE", "CREATE",
	"GRANT", "REVOKE", "EXEC", "UNION", "INTO",
}

var (
	deniedKeywordPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(deniedKeywords, "|") + `)\b`)

	selectPrefixPattern = regexp.MustCompile(`(?i)^\s*SELECT\b`)

	// digitIdentifierPattern matches identifiers that start with a digit
	// (e.g. 1users, 2fa.code). Plain numeric literals do not match.
	digitIdentifierPattern = regexp.MustCompile(`\b\d+[A-Za-z_][A-Za-z0-9_]*`)

	// overQualifiedPattern matches dotted paths with four or more components.
	overQualifiedPattern = regexp.MustCompile(`\b(?:[A-Za-z_][A-Za-z0-9_]*\.){3,}[A-Za-z_][A-Za-z0-9_]*`)

	// badIdentifierCharPattern matches characters that can never appear in a
	// statement built from the supported grammar.
	badIdentifierCharPattern = regexp.MustCompile(`[\[\]{}$@!?\\|&^~]`)

	// tableRefPattern extracts table references and optional aliases from
	// FROM and JOIN clauses.
	tableRefPattern = regexp.MustCompile(
		`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)` +
			`(?:\s+(?:AS\s+)?([A-Za-z_][A-Za-z0-9_]*))?`)

	orderByPattern = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
)

// reservedAfterTable lists keywords that the alias capture in tableRefPattern
// must not swallow.
var reservedAfterTable = map[string]struct{}{
	"WHERE": {}, "ORDER": {}, "GROUP": {}, "HAVING": {}, "LIMIT": {},
	"OFFSET": {}, "JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {},
	"FULL": {}, "CROSS": {}, "OUTER": {}, "ON": {}, "USING": {},
	"AND": {}, "OR": {}, "NOT": {}, "AS": {}, "FOR": {}, "FETCH": {},
}

// TableRef is a table reference extracted from a FROM or JOIN clause.
type TableRef struct {
	// Name is the reference as written, e.g. "public.users".
	Name string
	// Alias is the bound alias, lowercased, or "" when absent.
	Alias string
}

// Validator is the static gate over a single SELECT statement.
// It is stateless apart from an optional result cache; validation of the
// same input is deterministic across runs.
type Validator struct {
	cache *resultCache
}

// NewValidator creates a validator with a bounded result cache.
// cacheSize <= 0 disables caching.
func NewValidator(cacheSize int) *Validator {
	v := &Validator{}
	if cacheSize > 0 {
		v.cache = newResultCache(cacheSize)
	}
	return v
}

// Validate checks a statement against the full rule set. allowedOrderBy is
// the tool-declared set of fully qualified columns (schema.table.column,
// lowercase) that may appear in ORDER BY. The statement is fully accepted or
// fully rejected; the reason never echoes the input.
func (v *Validator) Validate(statement string, allowedOrderBy map[string]struct{}) Result {
	if v.cache != nil {
		key := cacheKey(statement, allowedOrderBy)
		if res, ok := v.cache.get(key); ok {
			return res
		}
		res := validate(statement, allowedOrderBy)
		v.cache.put(key, res)
		return res
	}
	return validate(statement, allowedOrderBy)
}

func validate(statement string, allowedOrderBy map[string]struct{}) Result {
	if res := normalize(statement); !res.Valid {
		return res
	}

	tables, res := extractTables(statement)
	if !res.Valid {
		return res
	}

	return validateOrderBy(statement, tables, allowedOrderBy)
}

// normalize applies the reject-only normalization pass: comments,
// multi-statement, quoting, deny keywords, and identifier grammar.
// Nothing is rewritten; any deviation rejects.
func normalize(statement string) Result {
	trimmed := strings.TrimSpace(statement)
	if trimmed == "" || !selectPrefixPattern.MatchString(trimmed) {
		return reject(ReasonNotSelect)
	}

	if strings.Contains(trimmed, "--") || strings.Contains(trimmed, "/*") ||
		strings.Contains(trimmed, "*/") || strings.Contains(trimmed, "#") {
		return reject(ReasonComment)
	}

	if strings.ContainsRune(trimmed, '`') {
		return reject(ReasonBacktick)
	}

	if strings.Count(trimmed, "'")%2 != 0 || strings.Count(trimmed, `"`)%2 != 0 {
		return reject(ReasonUnbalancedQuotes)
	}

	// Multi-statement: a semicolon followed by anything but whitespace.
	if idx := strings.Index(trimmed, ";"); idx >= 0 {
		if strings.TrimSpace(trimmed[idx+1:]) != "" {
			return reject(ReasonMultiStatement)
		}
	}

	if deniedKeywordPattern.MatchString(trimmed) {
		return reject(ReasonDeniedKeyword)
	}

	if digitIdentifierPattern.MatchString(trimmed) {
		return reject(ReasonBadIdentifier)
	}
	if overQualifiedPattern.MatchString(trimmed) {
		return reject(ReasonBadIdentifier)
	}
	if badIdentifierCharPattern.MatchString(trimmed) {
		return reject(ReasonBadIdentifier)
	}

	return accept()
}

// extractTables scans the explicit FROM and JOIN clauses and records each
// table reference with its optional alias. Duplicate aliases, compared
// case-insensitively, reject with ALIAS_CONFLICT.
func extractTables(statement string) ([]TableRef, Result) {
	matches := tableRefPattern.FindAllStringSubmatch(statement, -1)
	if len(matches) == 0 {
		return nil, reject(ReasonNoTables)
	}

	refs := make([]TableRef, 0, len(matches))
	seenAliases := make(map[string]struct{})
	for _, m := range matches {
		ref := TableRef{Name: m[1]}
		if alias := m[2]; alias != "" {
			upper := strings.ToUpper(alias)
			if _, reserved := reservedAfterTable[upper]; !reserved {
				lower := strings.ToLower(alias)
				if _, dup := seenAliases[lower]; dup {
					return nil, reject(ReasonAliasConflict)
				}
				seenAliases[lower] = struct{}{}
				ref.Alias = lower
			}
		}
		refs = append(refs, ref)
	}
	return refs, accept()
}

// cacheKey folds the statement and the allowlist into a stable hash key.
// Validation is deterministic, so caching by input is sound.
func cacheKey(statement string, allowedOrderBy map[string]struct{}) uint64 {
	return hashInputs(statement, allowedOrderBy)
}
