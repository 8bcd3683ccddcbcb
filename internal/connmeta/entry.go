// internal/connmeta/entry.go
//
// Connection-metadata cache entry.
//
// Context
// -------
// An Entry is the cached routing decision for one tenant: which physical
// database holds its rows and a live pool pointed at it.  Entries are
// immutable snapshots; a refresh builds a new Entry and replaces the old
// one wholesale, so concurrent readers never observe a half-updated
// value.  Dedicated entries own their pool and the evictor closes it on
// removal; shared entries borrow the process-wide shared pool, which the
// cache never closes.

package connmeta

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quartzerp/quartz/internal/tenant"
)

// Entry is one tenant's routing snapshot.  Read-only after construction.
type Entry struct {
	TenantID     uuid.UUID
	Mode         tenant.DatabaseMode
	DatabaseName string
	Host         string
	Port         int

	// NeedsProvisioning marks a tenant whose installation kind demands a
	// dedicated database but for which no usable target exists.  Such a
	// tenant is never silently merged into the shared database; DB is
	// nil and data access must refuse to proceed.
	NeedsProvisioning bool

	// Raw carries any additional routing attributes from the metadata
	// row, for consumers that need more than the typed fields.
	Raw map[string]string

	// DB is the pool to route this tenant's queries to.  Shared entries
	// alias the shared pool; dedicated entries own theirs.
	DB *sqlx.DB

	ownsPool bool
	loadedAt time.Time
	ttl      time.Duration
}

// expired reports whether the snapshot is older than its TTL.
func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.loadedAt) > e.ttl
}

// close releases the pool for entries that own one.
func (e *Entry) close() {
	if e.ownsPool && e.DB != nil {
		_ = e.DB.Close()
	}
}
