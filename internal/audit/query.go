// internal/audit/query.go
//
// Query shapes and per-shape tenant-filter detection.
//
/*
Context
--------
Data access reaches the auditor in one of three shapes, modeled as a
sealed sum type so the decision logic dispatches exhaustively instead of
sniffing at runtime:

  • Structured — a built query object whose filter clause is directly
    inspectable.  Detection walks the equality filters.
  • Param — parameterised SQL text plus its bound arguments.  Detection
    is textual, but a positional placeholder only counts when the bound
    arguments actually contain the current tenant id.
  • Raw — a bare SQL string with no binding information.  Detection is
    purely textual.

"Filter present" means an equality comparison on the tenant column
against a literal equal to the current tenant id, a named parameter, or
a positional placeholder bound to it.  A tenant-scoped statement with no
WHERE clause at all is always filter-absent.
*/
package audit

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// TenantColumn is the isolation column on every tenant-scoped table.
const TenantColumn = "tenant_id"

//
// Sum type
//

// Query is the sealed set of auditable shapes.
type Query interface{ isQuery() }

// Op is the statement verb of a Structured query.
type Op string

const (
	OpSelect Op = "select"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Filter is one equality comparison from a structured filter clause.
// Value may be a concrete value, a NamedParam, or a Placeholder.
type Filter struct {
	Column string
	Value  any
}

// NamedParam marks a value bound later under a parameter name.
type NamedParam string

// Placeholder marks a positional '?' whose binding is carried in
// Structured.Args order.
type Placeholder struct{}

// Structured is a built query object with an inspectable filter clause.
// For inserts, Filters carries the column assignments.
type Structured struct {
	Op      Op
	Table   string
	Filters []Filter
	Args    []any // positional bindings, aligned with Placeholder filters
}

// Param is parameterised SQL text with its bound arguments.
type Param struct {
	SQL  string
	Args []any
}

// Raw is an unparameterised SQL string.
type Raw struct {
	SQL string
}

func (Structured) isQuery() {}
func (Param) isQuery()      {}
func (Raw) isQuery()        {}

//
// Text analysis
//

var (
	// tenant_id = ? | :name | @name | 'literal' | bare token
	tenantEqRe = regexp.MustCompile(`(?i)\b` + TenantColumn + `\s*=\s*(\?|:\w+|@\w+|'[^']*'|"[^"]*"|[\w-]+)`)

	whereRe = regexp.MustCompile(`(?i)\bwhere\b`)

	// FROM x | INTO x | UPDATE x — first hit names the target table.
	tableRe = regexp.MustCompile("(?i)\\b(?:from|into|update)\\s+[`\"]?(\\w+)[`\"]?")

	verbRe = regexp.MustCompile(`(?i)^\s*(select|insert|update|delete)\b`)

	insertColsRe = regexp.MustCompile(`(?i)\binsert\s+into\s+[` + "`" + `"]?\w+[` + "`" + `"]?\s*\(([^)]*)\)`)
)

// tableOf extracts the target table from SQL text.  Empty means the
// statement shape is unanalyzable.
func tableOf(sql string) string {
	m := tableRe.FindStringSubmatch(sql)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// textFilterPresent reports whether SQL text carries a tenant filter.
// args is nil for Raw statements; for Param statements a positional
// placeholder match is confirmed against the bound arguments.
func textFilterPresent(sql string, args []any, tenantID uuid.UUID) bool {
	if verb := strings.ToLower(verbRe.FindString(strings.TrimSpace(sql))); verb != "" {
		v := strings.TrimSpace(verb)
		if v == "insert" {
			return insertCarriesTenant(sql)
		}
		// select/update/delete with no WHERE at all is always absent.
		if !whereRe.MatchString(sql) {
			return false
		}
	}

	m := tenantEqRe.FindStringSubmatch(sql)
	if m == nil {
		return false
	}
	rhs := m[1]
	switch {
	case rhs == "?":
		// Positional placeholders only count when we can see a binding
		// equal to the current tenant id.
		return args != nil && argsContainTenant(args, tenantID)
	case strings.HasPrefix(rhs, ":") || strings.HasPrefix(rhs, "@"):
		return true
	case strings.HasPrefix(rhs, "'") || strings.HasPrefix(rhs, `"`):
		lit := strings.Trim(rhs, `'"`)
		return strings.EqualFold(lit, tenantID.String())
	default:
		return strings.EqualFold(rhs, tenantID.String())
	}
}

// insertCarriesTenant reports whether an INSERT names the tenant column.
func insertCarriesTenant(sql string) bool {
	if m := insertColsRe.FindStringSubmatch(sql); m != nil {
		for _, col := range strings.Split(m[1], ",") {
			if strings.EqualFold(strings.TrimSpace(strings.Trim(strings.TrimSpace(col), "`\"")), TenantColumn) {
				return true
			}
		}
		return false
	}
	// INSERT ... SET tenant_id = … (MySQL extension).
	return tenantEqRe.MatchString(sql)
}

// argsContainTenant scans positional bindings for the tenant id, either
// as uuid.UUID or its string form.
func argsContainTenant(args []any, tenantID uuid.UUID) bool {
	for _, a := range args {
		switch v := a.(type) {
		case uuid.UUID:
			if v == tenantID {
				return true
			}
		case string:
			if strings.EqualFold(v, tenantID.String()) {
				return true
			}
		case []byte:
			if strings.EqualFold(string(v), tenantID.String()) {
				return true
			}
		}
	}
	return false
}

// structuredFilterPresent walks the filter clause of a Structured query.
func structuredFilterPresent(q Structured, tenantID uuid.UUID) bool {
	for _, f := range q.Filters {
		if !strings.EqualFold(f.Column, TenantColumn) {
			continue
		}
		switch v := f.Value.(type) {
		case NamedParam:
			return true
		case Placeholder:
			return argsContainTenant(q.Args, tenantID)
		case uuid.UUID:
			if v == tenantID {
				return true
			}
		case string:
			if strings.EqualFold(v, tenantID.String()) {
				return true
			}
		}
	}
	return false
}
