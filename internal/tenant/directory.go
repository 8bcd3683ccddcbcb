// internal/tenant/directory.go
//
// Tenant-directory lookups against the system of record.
//
// Context
// -------
// The **tenant** table is the control-plane source of truth mapping a
// subdomain to a tenant.  It is one of the few global (tenant-agnostic)
// tables in the schema and is always queried through the administrative
// pool, which never depends on tenant context—that is what breaks the
// circular-resolution knot.
//
// Schema reference (2026-07-12)
//
//	CREATE TABLE tenant (
//	    id                CHAR(36)      PRIMARY KEY,
//	    code              VARCHAR(32)   NOT NULL UNIQUE,
//	    subdomain         VARCHAR(63)   NOT NULL UNIQUE,
//	    name              VARCHAR(256)  NOT NULL,
//	    installation_kind VARCHAR(32)   NOT NULL DEFAULT 'cloud_shared',
//	    suspended_at      TIMESTAMP NULL,
//	    deleted_at        TIMESTAMP NULL,
//	    created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
//	    updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
//	);
//
// Operational state is captured by two nullable timestamps: SuspendedAt
// (temporarily disabled, e.g., billing) and DeletedAt (permanently
// removed).  Either being non-NULL excludes the row at SQL level, so
// callers never see a dead tenant.
//
// Notes
// -----
//   • Column list matches the fields in `Record`; update both together.
//   • Oxford commas, two spaces after periods.

package tenant

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Record mirrors one row in the `tenant` table.
type Record struct {
	ID               uuid.UUID        `db:"id"`
	Code             string           `db:"code"`
	Subdomain        string           `db:"subdomain"`
	Name             string           `db:"name"`
	InstallationKind InstallationKind `db:"installation_kind"`
	SuspendedAt      *time.Time       `db:"suspended_at"`
	DeletedAt        *time.Time       `db:"deleted_at"`
	CreatedAt        time.Time        `db:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}

// Directory provides read-only tenant lookups on the admin pool.
type Directory struct {
	db *sqlx.DB
}

// NewDirectory wraps the administrative pool.
func NewDirectory(db *sqlx.DB) *Directory {
	return &Directory{db: db}
}

// BySubdomain fetches the active tenant registered under subdomain.
// Returns ErrNotFound when no live row matches.
func (d *Directory) BySubdomain(ctx context.Context, subdomain string) (*Record, error) {
	const q = `
        SELECT id, code, subdomain, name, installation_kind,
               suspended_at, deleted_at, created_at, updated_at
        FROM   tenant
        WHERE  subdomain = ?
          AND  suspended_at IS NULL
          AND  deleted_at   IS NULL
        LIMIT  1`
	var rec Record
	if err := d.db.GetContext(ctx, &rec, q, subdomain); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ExistsActive reports whether an active tenant is registered under
// subdomain.  Used to confirm subdomains recovered from Origin or
// Referer headers before they are trusted.
func (d *Directory) ExistsActive(ctx context.Context, subdomain string) (bool, error) {
	const q = `
        SELECT 1
        FROM   tenant
        WHERE  subdomain = ?
          AND  suspended_at IS NULL
          AND  deleted_at   IS NULL
        LIMIT  1`
	var dummy int
	err := d.db.GetContext(ctx, &dummy, q, subdomain)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AllActive returns every live tenant.  Intended for admin dashboards or
// batch operations, not the HTTP bootstrap path.
func (d *Directory) AllActive(ctx context.Context) ([]Record, error) {
	const q = `
        SELECT id, code, subdomain, name, installation_kind,
               suspended_at, deleted_at, created_at, updated_at
        FROM   tenant
        WHERE  suspended_at IS NULL
          AND  deleted_at   IS NULL`
	var rows []Record
	if err := d.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}
	return rows, nil
}
