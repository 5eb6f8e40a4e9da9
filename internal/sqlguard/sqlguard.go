// Package sqlguard validates and rewrites ad-hoc read queries before they
// can reach any backend. The pipeline is pure: no connectivity, no state.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
)

const defaultRowLimit = 1000

// AllowedTables is the fixed whitelist of queryable tables.
var AllowedTables = map[string]struct{}{
	"facturas":           {},
	"ventas":             {},
	"facturas_generadas": {},
	"uploads":            {},
}

// tenantColumns maps tenant-scoped tables to the column holding the owner id.
var tenantColumns = map[string]string{
	"facturas_generadas": "created_by",
	"uploads":            "user_id",
}

var (
	mutatingKeywords = regexp.MustCompile(`(?i)\b(DROP|DELETE|UPDATE|INSERT|ALTER|CREATE|TRUNCATE|GRANT|REVOKE|EXEC|EXECUTE)\b`)
	fromTable        = regexp.MustCompile(`(?i)\bFROM\s+(\w+)`)
)

// clauseBoundaries are the keywords a WHERE clause must be inserted before.
var clauseBoundaries = []string{"GROUP BY", "ORDER BY", "HAVING", "LIMIT"}

// Validate checks a candidate query against the read-only policy.
// It returns (false, reason) on rejection and (true, "") when the query may
// proceed to rewriting.
func Validate(query string) (bool, string) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return false, "empty query"
	}
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return false, "only SELECT statements are allowed"
	}
	if mutatingKeywords.MatchString(trimmed) {
		return false, "query contains forbidden mutating keywords"
	}
	table := PrimaryTable(trimmed)
	if table == "" {
		return false, "query does not reference a table"
	}
	if _, ok := AllowedTables[table]; !ok {
		return false, fmt.Sprintf("table %q is not in the allowed table list", table)
	}
	return true, ""
}

// PrimaryTable extracts the first FROM target, lowercased. Empty when absent.
func PrimaryTable(query string) string {
	m := fromTable.FindStringSubmatch(query)
	if len(m) < 2 {
		return ""
	}
	return strings.ToLower(m[1])
}

// EnsureRowLimit appends a LIMIT clause when the query has none. Queries that
// already carry a LIMIT are returned unchanged.
func EnsureRowLimit(query string, limit int) string {
	if limit <= 0 {
		limit = defaultRowLimit
	}
	if strings.Contains(strings.ToUpper(query), "LIMIT") {
		return query
	}
	return fmt.Sprintf("%s LIMIT %d", strings.TrimRight(strings.TrimSpace(query), ";"), limit)
}

// AddUserFilter injects a tenant equality filter into the query's WHERE
// clause when the table is tenant-scoped. The filter is conjoined with AND
// when a WHERE already exists and is created otherwise, always before any
// grouping, ordering or limiting clauses. Re-applying the same filter is a
// no-op.
func AddUserFilter(query string, userID string, table string) string {
	userID = strings.TrimSpace(userID)
	column, scoped := tenantColumns[strings.ToLower(strings.TrimSpace(table))]
	if userID == "" || !scoped {
		return query
	}

	filter := fmt.Sprintf("%s = '%s'", column, escapeLiteral(userID))
	if strings.Contains(strings.ToLower(query), strings.ToLower(filter)) {
		return query
	}

	upper := strings.ToUpper(query)
	end := len(query)
	start := strings.Index(upper, "WHERE")
	for _, kw := range clauseBoundaries {
		from := 0
		if start >= 0 {
			from = start
		}
		if pos := strings.Index(upper[from:], kw); pos >= 0 && from+pos < end {
			end = from + pos
		}
	}

	if start >= 0 {
		head := query[:start+len("WHERE")]
		cond := strings.TrimSpace(query[start+len("WHERE") : end])
		rest := query[end:]
		if cond == "" {
			return fmt.Sprintf("%s %s %s", head, filter, rest)
		}
		return fmt.Sprintf("%s %s AND %s %s", head, cond, filter, rest)
	}

	head := strings.TrimRight(query[:end], " ")
	rest := query[end:]
	if rest == "" {
		return fmt.Sprintf("%s WHERE %s", head, filter)
	}
	return fmt.Sprintf("%s WHERE %s %s", head, filter, rest)
}

// Rewrite runs the full pipeline: validation, row-limit injection and tenant
// scoping. It returns the rewritten query, or (false, reason) when the query
// is rejected.
func Rewrite(query string, userID string) (string, bool, string) {
	ok, reason := Validate(query)
	if !ok {
		return "", false, reason
	}
	out := EnsureRowLimit(strings.TrimSpace(query), defaultRowLimit)
	out = AddUserFilter(out, userID, PrimaryTable(out))
	return out, true, ""
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
