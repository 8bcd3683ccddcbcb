// internal/audit/audit.go
//
// Tenant-boundary query auditor.
//
/*
Context
--------
Every outgoing data-access operation passes through Validate before it
reaches a driver.  The decision table is deliberate about where it fails
open and where it fails closed:

  table classification    filter   environment  enforce  result
  ---------------------   ------   -----------  -------  ------
  global/tenant-agnostic    n/a    any          any      allow
  tenant-scoped             yes    any          any      allow
  tenant-scoped             no     development  any      allow + warn
  tenant-scoped             no     production   off      allow + warn
  tenant-scoped             no     production   on       DENY
  unanalyzable shape        n/a    any          any      allow + warn

The only fail-open branches are the explicitly named ones: statements
whose shape cannot be analyzed, and non-enforcing environments.  A
recognized tenant-scoped statement with a missing filter is never
allowed silently.

Bypass is an opt-in, auditable escape hatch: requesting it when the
configuration does not permit bypass is itself a security error.

Denials log the table name, the truncated statement text, and the tenant
id at error severity; the caller gets only a generic SecurityError.
*/
package audit

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quartzerp/quartz/internal/config"
	"github.com/quartzerp/quartz/internal/metrics"
	"github.com/quartzerp/quartz/internal/tenant"
)

// globalTables is the fixed allow-list of tenant-agnostic tables.
// Everything not listed here defaults to tenant-scoped.
var globalTables = map[string]struct{}{
	"tenant":            {}, // tenant directory
	"tenant_connection": {}, // routing metadata
	"tenant_module":     {}, // tenant-to-module activation
	"system_config":     {},
}

// Decision is the ephemeral result of evaluating one query.
type Decision struct {
	Allowed              bool
	Reason               string
	Table                string
	TenantFilterDetected bool
}

// Auditor evaluates queries against the decision table.  Stateless and
// safe for concurrent use.
type Auditor struct {
	enforce     bool
	allowBypass bool
	production  bool
	extraGlobal map[string]struct{}
}

// New builds an Auditor from the injected configuration.  extraGlobal
// lets a deployment register additional tenant-agnostic tables beyond
// the fixed allow-list.
func New(cfg *config.Config, extraGlobal ...string) *Auditor {
	extra := make(map[string]struct{}, len(extraGlobal))
	for _, t := range extraGlobal {
		extra[strings.ToLower(t)] = struct{}{}
	}
	return &Auditor{
		enforce:     cfg.Audit.Enforce,
		allowBypass: cfg.Audit.AllowBypass,
		production:  cfg.Tenancy.IsProduction(),
		extraGlobal: extra,
	}
}

// Validate applies the decision table to one query.  tableHint overrides
// textual table extraction when the caller already knows the target.
// When tenantID is the zero UUID the current tenant is read from ctx.
// A denied query (or an unauthorized bypass request) returns a
// *SecurityError; every other outcome returns a nil error.
func (a *Auditor) Validate(ctx context.Context, q Query, tableHint string, tenantID uuid.UUID, allowBypass bool) (Decision, error) {
	if tenantID == uuid.Nil {
		if tc, ok := tenant.FromContext(ctx); ok {
			tenantID = tc.TenantID
		}
	}

	if allowBypass {
		if !a.allowBypass {
			d := Decision{Allowed: false, Reason: "bypass requested but not permitted", Table: tableHint}
			metrics.AuditDecisionsTotal.WithLabelValues("denied").Inc()
			zap.S().Errorw("unauthorized query-audit bypass request",
				"table", tableHint, "tenant_id", tenantID)
			return d, &SecurityError{Table: tableHint, Reason: d.Reason}
		}
		metrics.AuditDecisionsTotal.WithLabelValues("bypassed").Inc()
		zap.S().Warnw("query audit bypassed by explicit request",
			"table", tableHint, "tenant_id", tenantID, "query", truncate(textOf(q), 120))
		return Decision{Allowed: true, Reason: "explicit bypass", Table: tableHint}, nil
	}

	table, filterPresent, analyzable := a.inspect(q, tableHint, tenantID)

	if !analyzable {
		metrics.AuditDecisionsTotal.WithLabelValues("warned").Inc()
		zap.S().Warnw("unanalyzable query shape, allowing",
			"tenant_id", tenantID, "query", truncate(textOf(q), 120))
		return Decision{Allowed: true, Reason: "unanalyzable query shape", Table: table}, nil
	}

	if a.isGlobal(table) {
		metrics.AuditDecisionsTotal.WithLabelValues("allowed").Inc()
		return Decision{Allowed: true, Reason: "global table", Table: table, TenantFilterDetected: filterPresent}, nil
	}

	if filterPresent {
		metrics.AuditDecisionsTotal.WithLabelValues("allowed").Inc()
		return Decision{Allowed: true, Reason: "tenant filter present", Table: table, TenantFilterDetected: true}, nil
	}

	// Tenant-scoped, filter absent.
	if a.production && a.enforce {
		d := Decision{Allowed: false, Reason: "tenant-scoped table without tenant filter", Table: table}
		metrics.AuditDecisionsTotal.WithLabelValues("denied").Inc()
		zap.S().Errorw("query denied: missing tenant filter",
			"table", table, "tenant_id", tenantID, "query", truncate(textOf(q), 120))
		return d, &SecurityError{Table: table, Reason: d.Reason}
	}

	metrics.AuditDecisionsTotal.WithLabelValues("warned").Inc()
	zap.S().Warnw("tenant-scoped query without tenant filter, allowing",
		"table", table, "tenant_id", tenantID,
		"production", a.production, "enforce", a.enforce,
		"query", truncate(textOf(q), 120))
	return Decision{Allowed: true, Reason: "missing tenant filter (non-enforcing)", Table: table}, nil
}

//
// Shape dispatch
//

// inspect classifies one query: target table, filter presence, and
// whether the shape was analyzable at all.
func (a *Auditor) inspect(q Query, tableHint string, tenantID uuid.UUID) (table string, filterPresent, analyzable bool) {
	switch qq := q.(type) {
	case Structured:
		table = strings.ToLower(qq.Table)
		if table == "" {
			table = strings.ToLower(tableHint)
		}
		if table == "" {
			return "", false, false
		}
		return table, structuredFilterPresent(qq, tenantID), true

	case Param:
		table = strings.ToLower(tableHint)
		if table == "" {
			table = tableOf(qq.SQL)
		}
		if table == "" {
			return "", false, false
		}
		return table, textFilterPresent(qq.SQL, qq.Args, tenantID), true

	case Raw:
		table = strings.ToLower(tableHint)
		if table == "" {
			table = tableOf(qq.SQL)
		}
		if table == "" {
			return "", false, false
		}
		// Raw strings carry no bindings, so a bare positional
		// placeholder can never be confirmed and does not count.
		return table, textFilterPresent(qq.SQL, nil, tenantID), true

	default:
		return "", false, false
	}
}

func (a *Auditor) isGlobal(table string) bool {
	if _, ok := globalTables[table]; ok {
		return true
	}
	_, ok := a.extraGlobal[table]
	return ok
}

//
// Helpers
//

// textOf renders a query for log lines.
func textOf(q Query) string {
	switch qq := q.(type) {
	case Structured:
		return string(qq.Op) + " " + qq.Table
	case Param:
		return qq.SQL
	case Raw:
		return qq.SQL
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
