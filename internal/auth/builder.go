// internal/auth/builder.go
//
// Minimal auth-context builder.
//
/*
Context
--------
Build resolves "is this credential a valid, active principal of this
tenant" into an AuthContext, deliberately separate from loading a full
user/business object.  The principal lookup depends on the deployment
mode of the tenant's database:

  • DEDICATED — the database already implies single-tenant scope, so the
    lookup is not additionally filtered by tenant.  A stored tenant id
    that is null is corrected to the request's resolved tenant rather
    than trusted as-is; a stored tenant id that CONTRADICTS the request
    tenant is refused outright.

  • SHARED — the lookup filters by tenant.  When nothing matches, a
    narrow, explicitly-logged fallback retries without the filter; the
    result is honored only if role aggregation proves the principal is a
    designated super principal.  Regular principals never travel this
    path.

Unknown or inactive principals yield (nil, nil): "no context" means
unauthenticated, not an exception.

The role model lives beside the principal rows:

	role           (id PK, name, access_level, enabled)
	principal_role (principal_id, role_id)

A principal is super only when it holds the system role at the maximum
access level.
*/
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/quartzerp/quartz/internal/tenant"
)

const (
	// SystemRoleName is the top-level system role.
	SystemRoleName = "system"
	// MaxAccessLevel is the ceiling of the access-level scale.
	MaxAccessLevel = 100
)

// principalRow mirrors the columns Build needs from `principal`.
type principalRow struct {
	ID       uuid.UUID     `db:"id"`
	TenantID uuid.NullUUID `db:"tenant_id"`
	Active   bool          `db:"active"`
}

type roleRow struct {
	Name        string `db:"name"`
	AccessLevel int    `db:"access_level"`
}

// Builder resolves principal names into AuthContexts.  Stateless; the
// tenant-routed pool is supplied per call because it differs by tenant.
type Builder struct{}

// NewBuilder returns a Builder.
func NewBuilder() *Builder { return &Builder{} }

// Build looks the principal up once and aggregates its roles.  db must
// be the pool the current tenant is routed to.  It returns (nil, nil)
// when the principal does not exist or is inactive.
func (b *Builder) Build(ctx context.Context, db *sqlx.DB, principalName string, requestTenantID uuid.UUID, mode tenant.DatabaseMode) (*AuthContext, error) {
	row, fellBack, err := b.lookup(ctx, db, principalName, requestTenantID, mode)
	if err != nil {
		return nil, err
	}
	if row == nil || !row.Active {
		return nil, nil
	}

	roles, maxLevel, super, err := b.aggregateRoles(ctx, db, row.ID)
	if err != nil {
		return nil, fmt.Errorf("aggregate roles for %s: %w", row.ID, err)
	}

	if fellBack && !super {
		// The unfiltered retry exists only for cross-tenant system
		// principals; a regular principal landing here is refused.
		zap.S().Warnw("cross-tenant principal fallback matched a non-super principal, refusing",
			"principal", principalName, "tenant_id", requestTenantID)
		return nil, nil
	}

	tenantID := requestTenantID
	switch {
	case row.TenantID.Valid && row.TenantID.UUID != uuid.Nil:
		tenantID = row.TenantID.UUID
	case super:
		tenantID = uuid.Nil
	case mode == tenant.ModeDedicated:
		// Null tenant id on a dedicated database: correct it to the
		// resolved tenant instead of trusting the stored value.
		zap.S().Debugw("correcting null principal tenant id to resolved tenant",
			"principal_id", row.ID, "tenant_id", requestTenantID)
	}

	if !super && tenantID != requestTenantID {
		zap.S().Warnw("principal tenant does not match resolved tenant, refusing",
			"principal_id", row.ID, "principal_tenant", tenantID, "request_tenant", requestTenantID)
		return nil, nil
	}

	return &AuthContext{
		PrincipalID: row.ID,
		TenantID:    tenantID,
		Active:      true,
		Super:       super,
		AccessLevel: maxLevel,
		Roles:       roles,
	}, nil
}

//
// Lookup
//

func (b *Builder) lookup(ctx context.Context, db *sqlx.DB, name string, tenantID uuid.UUID, mode tenant.DatabaseMode) (row *principalRow, fellBack bool, err error) {
	const unfiltered = `
        SELECT id, tenant_id, active
        FROM   principal
        WHERE  name = ?
        LIMIT  1`
	const filtered = `
        SELECT id, tenant_id, active
        FROM   principal
        WHERE  name = ? AND tenant_id = ?
        LIMIT  1`

	var r principalRow
	if mode == tenant.ModeDedicated {
		if err := db.GetContext(ctx, &r, unfiltered, name); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, false, nil
			}
			return nil, false, err
		}
		return &r, false, nil
	}

	err = db.GetContext(ctx, &r, filtered, name, tenantID.String())
	if err == nil {
		return &r, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	// Narrow fallback for designated cross-tenant system principals.
	zap.S().Infow("principal not found under tenant filter, retrying unfiltered",
		"principal", name, "tenant_id", tenantID)
	if err := db.GetContext(ctx, &r, unfiltered, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &r, true, nil
}

//
// Role aggregation
//

// aggregateRoles returns the active role names, the single maximal
// access level across them, and the super flag.
func (b *Builder) aggregateRoles(ctx context.Context, db *sqlx.DB, principalID uuid.UUID) (names []string, maxLevel int, super bool, err error) {
	const q = `
        SELECT r.name, r.access_level
        FROM   principal_role pr
        JOIN   role r ON r.id = pr.role_id
        WHERE  pr.principal_id = ?
          AND  r.enabled = TRUE`

	var rows []roleRow
	if err := db.SelectContext(ctx, &rows, q, principalID.String()); err != nil {
		return nil, 0, false, err
	}

	names = make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Name)
		if r.AccessLevel > maxLevel {
			maxLevel = r.AccessLevel
		}
		if strings.EqualFold(r.Name, SystemRoleName) && r.AccessLevel == MaxAccessLevel {
			super = true
		}
	}
	return names, maxLevel, super, nil
}
