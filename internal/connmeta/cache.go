// internal/connmeta/cache.go
//
// Lazy, TTL-bounded cache of per-tenant connection metadata.
//
/*
Context
--------
Get() is on the hot path of every request, so the cache is built for
concurrent readers: entries live in a sync.Map, loads are collapsed with
singleflight, and refreshes replace entries wholesale—copy-on-write, no
locks for readers, no half-updated snapshots.

Routing must never become a single point of total outage, so Get() does
not return an error.  Every failure mode degrades to a well-defined
fallback:

  • no metadata row, installation kind shared  → shared pool,
  • no metadata row, installation kind dedicated → NeedsProvisioning
    entry (NEVER silently merged into the shared database) plus a
    visible warning,
  • lookup/decrypt/connect failure → shared pool, logged at error
    severity, cached briefly so a broken control plane is retried soon
    rather than pinned for the full TTL.

A background evictor closes dedicated pools once their entries expire
and bounds the map under LRU pressure, exactly like a tenant that went
quiet should be: unloaded.
*/
package connmeta

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/quartzerp/quartz/internal/config"
	"github.com/quartzerp/quartz/internal/database"
	"github.com/quartzerp/quartz/internal/metrics"
	"github.com/quartzerp/quartz/internal/secrets"
	"github.com/quartzerp/quartz/internal/tenant"
)

// Static defaults.  Override via Options.
const (
	DefaultMaxEntries    = 250
	DefaultEvictInterval = 5 * time.Minute
	failureTTL           = time.Minute
)

// Options tunes the cache.
type Options struct {
	TTL           time.Duration // snapshot lifetime, required
	MaxEntries    int           // LRU bound, default DefaultMaxEntries
	EvictInterval time.Duration // evictor period, default DefaultEvictInterval
}

type slot struct {
	entry    *Entry
	lastSeen int64 // UnixNano, for LRU
}

// Cache resolves tenant ids to immutable routing Entries.
type Cache struct {
	rows      RowSource
	dec       secrets.Decrypter
	sharedDB  *sqlx.DB
	sharedTpl sharedTarget
	dsnTpl    string

	opts Options
	sfg  singleflight.Group
	m    sync.Map // uuid.UUID → *slot

	stop chan struct{}
	once sync.Once
}

// sharedTarget is the host/port/name triple of the shared instance,
// parsed once from the shared DSN so SHARED entries report where they
// actually point.
type sharedTarget struct {
	host string
	port int
	name string
}

// New constructs a Cache and starts the background evictor.  sharedDB is
// the process-wide shared pool; the cache never closes it.
func New(cfg *config.Config, rows RowSource, dec secrets.Decrypter, sharedDB *sqlx.DB) *Cache {
	opts := Options{
		TTL:           cfg.Database.MetadataTTL,
		MaxEntries:    DefaultMaxEntries,
		EvictInterval: DefaultEvictInterval,
	}
	c := &Cache{
		rows:      rows,
		dec:       dec,
		sharedDB:  sharedDB,
		sharedTpl: parseSharedTarget(cfg.Database.SharedDSN),
		dsnTpl:    cfg.Database.DedicatedDSNTemplate,
		opts:      opts,
		stop:      make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the routing entry for tenantID, loading it on demand.
// kind is the tenant's installation kind from the directory row; it is
// the fallback signal when no metadata row exists.
func (c *Cache) Get(ctx context.Context, tenantID uuid.UUID, kind tenant.InstallationKind) *Entry {
	now := time.Now()
	if v, ok := c.m.Load(tenantID); ok {
		s := v.(*slot)
		if !s.entry.expired(now) {
			atomic.StoreInt64(&s.lastSeen, now.UnixNano())
			return s.entry
		}
	}

	v, _, _ := c.sfg.Do(tenantID.String(), func() (interface{}, error) {
		// Double-check after the singleflight barrier.
		if v, ok := c.m.Load(tenantID); ok {
			s := v.(*slot)
			if !s.entry.expired(time.Now()) {
				return s.entry, nil
			}
		}
		e := c.load(ctx, tenantID, kind)
		c.replace(tenantID, e)
		return e, nil
	})
	return v.(*Entry)
}

// Invalidate drops the cached entry for tenantID, closing any dedicated
// pool it owned.  Call it when a tenant's routing changes.
func (c *Cache) Invalidate(ctx context.Context, tenantID uuid.UUID) {
	if inv, ok := c.rows.(rowInvalidator); ok {
		inv.InvalidateRow(ctx, tenantID)
	}
	if v, ok := c.m.LoadAndDelete(tenantID); ok {
		v.(*slot).entry.close()
		metrics.MetadataEvictTotal.Inc()
		metrics.ActiveMetadataEntries.Dec()
		zap.S().Infow("connection metadata invalidated", "tenant_id", tenantID)
	}
}

// Close stops the evictor and releases every dedicated pool.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
	c.m.Range(func(key, value any) bool {
		value.(*slot).entry.close()
		c.m.Delete(key)
		return true
	})
}

//
// Loading
//

// load builds a fresh Entry, applying the degradation ladder documented
// in the package comment.  It never returns nil.
func (c *Cache) load(ctx context.Context, tenantID uuid.UUID, kind tenant.InstallationKind) *Entry {
	row, found, err := c.rows.ByTenant(ctx, tenantID)
	if err != nil {
		metrics.MetadataLoadErrorsTotal.Inc()
		zap.S().Errorw("connection metadata load failed, degrading to shared database",
			"tenant_id", tenantID, "err", err)
		return c.sharedEntry(tenantID, failureTTL)
	}

	if !found {
		if kind == tenant.KindDedicatedHosted {
			metrics.MetadataLoadErrorsTotal.Inc()
			zap.S().Warnw("dedicated tenant has no connection metadata, marking as unprovisioned",
				"tenant_id", tenantID, "installation_kind", kind)
			return &Entry{
				TenantID:          tenantID,
				Mode:              tenant.ModeDedicated,
				NeedsProvisioning: true,
				loadedAt:          time.Now(),
				ttl:               failureTTL,
			}
		}
		metrics.MetadataLoadTotal.Inc()
		return c.sharedEntry(tenantID, c.opts.TTL)
	}

	if row.DatabaseMode != tenant.ModeDedicated {
		metrics.MetadataLoadTotal.Inc()
		e := c.sharedEntry(tenantID, c.opts.TTL)
		if row.DatabaseName != "" {
			e.DatabaseName = row.DatabaseName
		}
		return e
	}

	e, err := c.dedicatedEntry(ctx, row)
	if err != nil {
		metrics.MetadataLoadErrorsTotal.Inc()
		zap.S().Errorw("dedicated pool unavailable, degrading to shared database",
			"tenant_id", tenantID, "database", row.DatabaseName, "err", err)
		return c.sharedEntry(tenantID, failureTTL)
	}
	metrics.MetadataLoadTotal.Inc()
	return e
}

func (c *Cache) sharedEntry(tenantID uuid.UUID, ttl time.Duration) *Entry {
	return &Entry{
		TenantID:     tenantID,
		Mode:         tenant.ModeShared,
		DatabaseName: c.sharedTpl.name,
		Host:         c.sharedTpl.host,
		Port:         c.sharedTpl.port,
		DB:           c.sharedDB,
		loadedAt:     time.Now(),
		ttl:          ttl,
	}
}

// dedicatedEntry decrypts the stored credential and opens a small pool
// on the tenant's own database.
func (c *Cache) dedicatedEntry(ctx context.Context, row *Row) (*Entry, error) {
	pw, err := c.dec.Decrypt(ctx, row.CredentialCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}

	dsn := fmt.Sprintf(c.dsnTpl, row.DBUser, pw,
		fmt.Sprintf("%s:%d", row.ServerHost, row.ServerPort), row.DatabaseName)

	db, err := database.OpenWithOptions(ctx, dsn, database.Options{
		MaxOpenConns: 5,
		MaxIdleConns: 2,
		Retries:      2,
	})
	if err != nil {
		return nil, fmt.Errorf("open dedicated pool: %w", err)
	}

	return &Entry{
		TenantID:     row.TenantID,
		Mode:         tenant.ModeDedicated,
		DatabaseName: row.DatabaseName,
		Host:         row.ServerHost,
		Port:         row.ServerPort,
		DB:           db,
		ownsPool:     true,
		loadedAt:     time.Now(),
		ttl:          c.opts.TTL,
	}, nil
}

// replace swaps the slot wholesale and closes the pool the previous
// snapshot owned.
func (c *Cache) replace(tenantID uuid.UUID, e *Entry) {
	s := &slot{entry: e, lastSeen: time.Now().UnixNano()}
	if prev, loaded := c.m.Swap(tenantID, s); loaded {
		prev.(*slot).entry.close()
	} else {
		metrics.ActiveMetadataEntries.Inc()
	}
}

//
// Eviction
//

func (c *Cache) evictLoop() {
	ticker := time.NewTicker(c.opts.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		now := time.Now()
		var count int

		// Expiry pass: drop stale snapshots so idle tenants release
		// their dedicated pools instead of lingering until LRU pressure.
		c.m.Range(func(key, value any) bool {
			count++
			s := value.(*slot)
			if s.entry.expired(now) {
				s.entry.close()
				c.m.Delete(key)
				count--
				metrics.MetadataEvictTotal.Inc()
				metrics.ActiveMetadataEntries.Dec()
				zap.S().Debugw("connection metadata evicted", "tenant_id", key)
			}
			return true
		})

		// LRU pass.
		if c.opts.MaxEntries > 0 && count > c.opts.MaxEntries {
			type kv struct {
				key uuid.UUID
				at  int64
			}
			var all []kv
			c.m.Range(func(key, value any) bool {
				s := value.(*slot)
				all = append(all, kv{key: key.(uuid.UUID), at: atomic.LoadInt64(&s.lastSeen)})
				return true
			})
			sort.Slice(all, func(i, j int) bool { return all[i].at < all[j].at })
			for i := 0; i < count-c.opts.MaxEntries && i < len(all); i++ {
				if v, ok := c.m.LoadAndDelete(all[i].key); ok {
					v.(*slot).entry.close()
					metrics.MetadataEvictTotal.Inc()
					metrics.ActiveMetadataEntries.Dec()
					zap.S().Debugw("connection metadata evicted under pressure",
						"tenant_id", all[i].key)
				}
			}
		}
	}
}

//
// Shared-DSN parsing
//

// parseSharedTarget extracts host, port, and database name from a MySQL
// DSN of the canonical `user:pw@tcp(host:port)/name?params` shape.
// Unparseable DSNs yield zero values; entries then simply omit the
// target details.
func parseSharedTarget(dsn string) sharedTarget {
	var t sharedTarget
	open := strings.IndexByte(dsn, '(')
	closeP := strings.IndexByte(dsn, ')')
	if open != -1 && closeP > open {
		hostPort := dsn[open+1 : closeP]
		if i := strings.IndexByte(hostPort, ':'); i != -1 {
			t.host = hostPort[:i]
			fmt.Sscanf(hostPort[i+1:], "%d", &t.port)
		} else {
			t.host = hostPort
			t.port = 3306
		}
	}
	if slash := strings.LastIndexByte(dsn, '/'); slash != -1 {
		name := dsn[slash+1:]
		if q := strings.IndexByte(name, '?'); q != -1 {
			name = name[:q]
		}
		t.name = name
	}
	return t
}
