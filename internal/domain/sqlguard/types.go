// Package sqlguard implements the static SQL gate: a regex-based, parser-free
// validator for single SELECT statements, plus the schema/keyword prefilter
// that runs before it.
//
// The validator sits at the fail-closed end of the design space on purpose:
// false positives are tolerated, false negatives are not. Statements are
// either fully accepted or fully rejected; reasons are sanitized categories
// that never echo the input.
package sqlguard

// Result is the outcome of validating a statement.
type Result struct {
	Valid  bool
	Reason string
}

// Sanitized rejection categories. These are the only reasons the validator
// ever reports; none of them reveal anything about the statement's content
// or the backing schema.
const (
	ReasonOK = "OK"

	// ReasonComment covers --, /* */ and # comment markers.
	ReasonComment = "REJECT_COMMENT"
	// ReasonMultiStatement covers a ; followed by non-whitespace.
	ReasonMultiStatement = "REJECT_MULTI_STATEMENT"
	// ReasonUnbalancedQuotes covers odd quote counts.
	ReasonUnbalancedQuotes = "REJECT_UNBALANCED_QUOTES"
	// ReasonBacktick covers backtick-quoted identifiers.
	ReasonBacktick = "REJECT_BACKTICK"
	// ReasonNotSelect covers statements that are not a single SELECT.
	ReasonNotSelect = "REJECT_NOT_SELECT"
	// ReasonDeniedKeyword covers the keyword deny list.
	ReasonDeniedKeyword = "REJECT_DENIED_KEYWORD"
	// ReasonBadIdentifier covers digit-leading identifiers and identifiers
	// outside the [A-Za-z_][A-Za-z0-9_]* grammar or with >3 dotted parts.
	ReasonBadIdentifier = "REJECT_BAD_IDENTIFIER"
	// ReasonNoTables means no table reference could be extracted from
	// FROM/JOIN clauses.
	ReasonNoTables = "REJECT_NO_TABLES"
	// ReasonAliasConflict covers duplicate aliases (case-insensitive).
	ReasonAliasConflict = "ALIAS_CONFLICT"
	// ReasonTableNotAllowed means a referenced table is outside the
	// configured schema allowlist.
	ReasonTableNotAllowed = "REJECT_TABLE_NOT_ALLOWED"

	// ReasonOrderByMultiple covers more than one ORDER BY.
	ReasonOrderByMultiple = "REJECT_ORDER_BY_MULTIPLE"
	// ReasonOrderByParens covers parentheses anywhere inside ORDER BY.
	ReasonOrderByParens = "REJECT_ORDER_BY_PARENS"
	// ReasonOrderByTooManyKeys covers more than two sort keys.
	ReasonOrderByTooManyKeys = "REJECT_ORDER_BY_TOO_MANY_KEYS"
	// ReasonOrderBySyntax covers bare columns, numeric positions, functions,
	// arithmetic, CASE, NULLS FIRST/LAST, and implicit direction.
	ReasonOrderBySyntax = "REJECT_ORDER_BY_SYNTAX"
	// ReasonOrderByUnboundQualifier covers qualifiers not bound in FROM/JOIN.
	ReasonOrderByUnboundQualifier = "REJECT_ORDER_BY_UNBOUND_QUALIFIER"
	// ReasonOrderByNotAllowed covers sort columns outside the allowlist.
	// Deliberately identical for unknown and known-but-forbidden columns so
	// the response does not disclose whether the column exists.
	ReasonOrderByNotAllowed = "REJECT_ORDER_BY_NOT_ALLOWED"
)

// reject is shorthand for an invalid result.
func reject(reason string) Result {
	return Result{Valid: false, Reason: reason}
}

// accept is the single valid result.
func accept() Result {
	return Result{Valid: true, Reason: ReasonOK}
}
