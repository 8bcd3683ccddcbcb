// internal/connmeta/repository.go
//
// Connection-metadata row access.
//
// Context
// -------
// The **tenant_connection** table is the control-plane source of truth
// for per-tenant routing.  Like the tenant directory it is read through
// the administrative pool, never through a tenant-routed one.
//
// Schema reference (2026-07-12)
//
//	CREATE TABLE tenant_connection (
//	    tenant_id             CHAR(36)     PRIMARY KEY,
//	    database_mode         VARCHAR(16)  NOT NULL DEFAULT 'shared',
//	    database_name         VARCHAR(64)  NOT NULL,
//	    server_host           VARCHAR(256) NOT NULL DEFAULT '',
//	    server_port           INT          NOT NULL DEFAULT 3306,
//	    db_user               VARCHAR(64)  NOT NULL DEFAULT '',
//	    credential_ciphertext TEXT         NOT NULL,
//	    updated_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
//	);
//
// The credential column holds a Vault Transit ciphertext; plaintext
// never touches the control-plane schema or any cache layer.

package connmeta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quartzerp/quartz/internal/tenant"
)

// Row mirrors one row in the `tenant_connection` table.  JSON tags exist
// for the optional Redis row cache, which stores the row verbatim—still
// ciphertext, never plaintext.
type Row struct {
	TenantID             uuid.UUID           `db:"tenant_id"             json:"tenant_id"`
	DatabaseMode         tenant.DatabaseMode `db:"database_mode"         json:"database_mode"`
	DatabaseName         string              `db:"database_name"         json:"database_name"`
	ServerHost           string              `db:"server_host"           json:"server_host"`
	ServerPort           int                 `db:"server_port"           json:"server_port"`
	DBUser               string              `db:"db_user"               json:"db_user"`
	CredentialCiphertext string              `db:"credential_ciphertext" json:"credential_ciphertext"`
	UpdatedAt            time.Time           `db:"updated_at"            json:"updated_at"`
}

// RowSource yields the metadata row for a tenant.  found is false when
// the tenant has no routing row, which is a normal condition for
// shared-mode tenants.
type RowSource interface {
	ByTenant(ctx context.Context, tenantID uuid.UUID) (row *Row, found bool, err error)
}

// rowInvalidator is implemented by sources with their own cache layer.
type rowInvalidator interface {
	InvalidateRow(ctx context.Context, tenantID uuid.UUID)
}

//
// SQL source
//

// SQLRows reads rows straight from the system of record.
type SQLRows struct {
	db *sqlx.DB
}

// NewSQLRows wraps the administrative pool.
func NewSQLRows(db *sqlx.DB) *SQLRows {
	return &SQLRows{db: db}
}

// ByTenant fetches the routing row for tenantID.
func (s *SQLRows) ByTenant(ctx context.Context, tenantID uuid.UUID) (*Row, bool, error) {
	const q = `
        SELECT tenant_id, database_mode, database_name, server_host,
               server_port, db_user, credential_ciphertext, updated_at
        FROM   tenant_connection
        WHERE  tenant_id = ?
        LIMIT  1`
	var row Row
	if err := s.db.GetContext(ctx, &row, q, tenantID.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &row, true, nil
}

//
// Redis read-through source (optional)
//

// RedisRows layers a shared row cache over another source, so a fleet of
// instances does not hammer the system of record and invalidations
// propagate between them.  Misses fall through; Redis outages degrade to
// the inner source with a warning.
type RedisRows struct {
	inner RowSource
	rdb   *redis.Client
	ttl   time.Duration
}

// NewRedisRows wraps inner with a Redis row cache.
func NewRedisRows(inner RowSource, rdb *redis.Client, ttl time.Duration) *RedisRows {
	return &RedisRows{inner: inner, rdb: rdb, ttl: ttl}
}

func rowKey(tenantID uuid.UUID) string { return "quartz:connmeta:" + tenantID.String() }

// ByTenant consults Redis first, then the inner source.
func (r *RedisRows) ByTenant(ctx context.Context, tenantID uuid.UUID) (*Row, bool, error) {
	key := rowKey(tenantID)

	blob, err := r.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var row Row
		if jerr := json.Unmarshal(blob, &row); jerr == nil {
			return &row, true, nil
		}
		// Corrupt cache value: drop it and fall through.
		_ = r.rdb.Del(ctx, key).Err()
	case !errors.Is(err, redis.Nil):
		zap.S().Warnw("connmeta redis get failed, falling through", "err", err)
	}

	row, found, err := r.inner.ByTenant(ctx, tenantID)
	if err != nil || !found {
		return row, found, err
	}

	if blob, jerr := json.Marshal(row); jerr == nil {
		if serr := r.rdb.Set(ctx, key, blob, r.ttl).Err(); serr != nil {
			zap.S().Warnw("connmeta redis set failed", "err", serr)
		}
	}
	return row, true, nil
}

// InvalidateRow removes the shared cache copy for tenantID.
func (r *RedisRows) InvalidateRow(ctx context.Context, tenantID uuid.UUID) {
	if err := r.rdb.Del(ctx, rowKey(tenantID)).Err(); err != nil {
		zap.S().Warnw("connmeta redis del failed", "tenant_id", tenantID, "err", err)
	}
}
