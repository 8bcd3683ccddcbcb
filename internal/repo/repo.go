// internal/repo/repo.go
//
// Audited data-access executor.
//
/*
Context
--------
Entity repositories do not talk to sqlx directly; they go through a
Querier bound to the pool the current tenant is routed to.  Every call
takes the resolved tenant id explicitly—defense in depth, it is never
inferred deep inside a repository—and every statement passes the query
auditor before it reaches the driver.  The ambient tenant context still
serves as the auditor's verification source when a caller passes the
zero UUID.

The Unscoped variants request the auditor's bypass escape hatch and are
for tenant-agnostic maintenance paths only; whether bypass is permitted
at all is a deployment decision, not the caller's.
*/
package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quartzerp/quartz/internal/audit"
)

// Querier executes audited statements on one pool.
type Querier struct {
	db  *sqlx.DB
	aud *audit.Auditor
}

// New binds a pool (typically connmeta.Entry.DB) to the auditor.
func New(db *sqlx.DB, aud *audit.Auditor) *Querier {
	return &Querier{db: db, aud: aud}
}

// Select runs an audited multi-row query.
func (q *Querier) Select(ctx context.Context, dest any, table, query string, tenantID uuid.UUID, args ...any) error {
	if _, err := q.aud.Validate(ctx, audit.Param{SQL: query, Args: args}, table, tenantID, false); err != nil {
		return err
	}
	return q.db.SelectContext(ctx, dest, query, args...)
}

// Get runs an audited single-row query.
func (q *Querier) Get(ctx context.Context, dest any, table, query string, tenantID uuid.UUID, args ...any) error {
	if _, err := q.aud.Validate(ctx, audit.Param{SQL: query, Args: args}, table, tenantID, false); err != nil {
		return err
	}
	return q.db.GetContext(ctx, dest, query, args...)
}

// Exec runs an audited mutation.
func (q *Querier) Exec(ctx context.Context, table, query string, tenantID uuid.UUID, args ...any) (sql.Result, error) {
	if _, err := q.aud.Validate(ctx, audit.Param{SQL: query, Args: args}, table, tenantID, false); err != nil {
		return nil, err
	}
	return q.db.ExecContext(ctx, query, args...)
}

// SelectUnscoped requests an explicit audit bypass for a multi-row query.
func (q *Querier) SelectUnscoped(ctx context.Context, dest any, table, query string, args ...any) error {
	if _, err := q.aud.Validate(ctx, audit.Param{SQL: query, Args: args}, table, uuid.Nil, true); err != nil {
		return err
	}
	return q.db.SelectContext(ctx, dest, query, args...)
}

// ExecUnscoped requests an explicit audit bypass for a mutation.
func (q *Querier) ExecUnscoped(ctx context.Context, table, query string, args ...any) (sql.Result, error) {
	if _, err := q.aud.Validate(ctx, audit.Param{SQL: query, Args: args}, table, uuid.Nil, true); err != nil {
		return nil, err
	}
	return q.db.ExecContext(ctx, query, args...)
}
