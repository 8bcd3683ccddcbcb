// cmd/web/main.go
//
// Quartz – HTTP entry point.
//
// Request life-cycle
// ------------------
//
//  1. Load env vars (jail-wide file → .env fallback).
//
//  2. Load typed configuration (koanf: .env → global.yaml → QUARTZ_*).
//
//  3. Start the rotating JSON logger (tees to console on a TTY).
//
//  4. Connect Vault, resolve any vault: config references, open the
//     administrative and shared control-plane pools, and log the
//     active-tenant count as an early sanity check.
//
//  5. Build the connection-metadata cache (lazy per-tenant routing) and
//     the host → tenant resolver.
//
//  6. Wire the middleware chain: request-info enrichment → security
//     headers → tenant interceptor.  /metrics and /healthz sit outside
//     the interceptor so probes never need a tenant.
//
//  7. Serve with hardened timeouts; drain gracefully on SIGINT/SIGTERM.
//
// Large comment blocks are framed by blank “//” lines; inline comments use
// a single “//”.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quartzerp/quartz/internal/audit"
	"github.com/quartzerp/quartz/internal/config"
	"github.com/quartzerp/quartz/internal/connmeta"
	"github.com/quartzerp/quartz/internal/database"
	"github.com/quartzerp/quartz/internal/logger"
	"github.com/quartzerp/quartz/internal/middleware"
	"github.com/quartzerp/quartz/internal/repo"
	"github.com/quartzerp/quartz/internal/requestinfo"
	"github.com/quartzerp/quartz/internal/secrets"
	"github.com/quartzerp/quartz/internal/server"
	"github.com/quartzerp/quartz/internal/tenant"
)

const serverEnvPath = "/usr/local/etc/quartz/global.env"

// loadEnv prefers the jail-wide env file; on dev it falls back to .env.
func loadEnv() {
	if _, err := os.Stat(serverEnvPath); err == nil {
		_ = godotenv.Load(serverEnvPath)
		return
	}
	_ = godotenv.Load()
}

// runningInTTY returns true when stdout is a character device.
func runningInTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func init() { loadEnv() }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logOut, err := logger.New(cfg.Paths.Root, runningInTTY())
	if err != nil {
		log.Fatalf("start logger: %v", err)
	}

	//
	// ── 1.  Control-plane pools and Vault ───────────────────────────────
	//
	vaultCli, err := secrets.New(ctx, cfg.Vault.TransitKey)
	if err != nil {
		logOut.Fatalw("connect vault", "err", err)
	}

	// Control-plane DSNs may be stored in Vault rather than on disk.
	adminDSN, err := vaultCli.Resolve(ctx, cfg.Database.AdminDSN)
	if err != nil {
		logOut.Fatalw("resolve admin DSN", "err", err)
	}
	sharedDSN, err := vaultCli.Resolve(ctx, cfg.Database.SharedDSN)
	if err != nil {
		logOut.Fatalw("resolve shared DSN", "err", err)
	}
	// Downstream consumers (the metadata cache parses the shared DSN for
	// its routing entries) see only resolved values.
	cfg.Database.AdminDSN, cfg.Database.SharedDSN = adminDSN, sharedDSN

	adminDB, err := database.Open(ctx, adminDSN)
	if err != nil {
		logOut.Fatalw("connect admin DB", "err", err)
	}
	defer adminDB.Close()

	sharedDB, err := database.Open(ctx, sharedDSN)
	if err != nil {
		logOut.Fatalw("connect shared DB", "err", err)
	}
	defer sharedDB.Close()

	dir := tenant.NewDirectory(adminDB)

	// Log active-tenant count as an early sanity check.
	if tenants, err := dir.AllActive(ctx); err == nil {
		logOut.Infow("tenant directory online", "active_tenants", len(tenants))
	} else {
		logOut.Warnw("tenant directory count failed", "err", err)
	}

	//
	// ── 2.  Connection-metadata cache (lazy routing loader) ─────────────
	//
	var rows connmeta.RowSource = connmeta.NewSQLRows(adminDB)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rows = connmeta.NewRedisRows(rows, rdb, cfg.Database.MetadataTTL)
		logOut.Infow("connmeta redis row cache enabled", "addr", cfg.Redis.Addr)
	}
	meta := connmeta.New(cfg, rows, vaultCli, sharedDB)
	defer meta.Close()

	//
	// ── 3.  Resolver, auditor, and middleware chain ─────────────────────
	//
	resolver, err := tenant.NewResolver(cfg.Tenancy, dir)
	if err != nil {
		logOut.Fatalw("build resolver", "err", err)
	}

	enricher, err := requestinfo.New(cfg.GeoIP.Path)
	if err != nil {
		logOut.Fatalw("open geoip database", "err", err)
	}
	defer enricher.Close()

	auditor := audit.New(cfg)
	adminQ := repo.New(adminDB, auditor)

	interceptor := middleware.NewInterceptor(resolver, meta)

	root := chi.NewRouter()
	root.Handle("/metrics", promhttp.Handler())
	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	root.Group(func(r chi.Router) {
		r.Use(enricher.Enrich)
		r.Use(middleware.Security)
		r.Use(interceptor.Handler)

		// Minimal tenant introspection for the routed surface; entity
		// repositories mount their routers in this group.
		r.Get("/api/tenant", func(w http.ResponseWriter, req *http.Request) {
			tc, ok := tenant.FromContext(req.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusInternalServerError),
					http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"tenant_id":   tc.TenantID,
				"tenant_code": tc.TenantCode,
				"subdomain":   tc.Subdomain,
				"db_mode":     tc.DatabaseMode,
			})
		})

		// Tenant-to-module activation, read from the control plane
		// through the audited executor.
		r.Get("/api/tenant/modules", func(w http.ResponseWriter, req *http.Request) {
			tc, ok := tenant.FromContext(req.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusInternalServerError),
					http.StatusInternalServerError)
				return
			}
			var modules []struct {
				Module  string `db:"module" json:"module"`
				Enabled bool   `db:"enabled" json:"enabled"`
			}
			err := adminQ.Select(req.Context(), &modules, "tenant_module",
				`SELECT module, enabled FROM tenant_module WHERE tenant_id = ?`,
				tc.TenantID, tc.TenantID.String())
			if err != nil {
				logOut.Errorw("tenant module lookup failed", "tenant_id", tc.TenantID, "err", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError),
					http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(modules)
		})
	})

	var handler http.Handler = root
	if cfg.HTTP.ForceHTTPS {
		handler = middleware.ForceHTTPS(cfg.Tenancy.BaseDomain, handler)
	}

	//
	// ── 4.  Serve and drain ─────────────────────────────────────────────
	//
	srv := server.New(cfg.HTTP.ListenAddr, handler)

	logOut.Infow("listening", "addr", cfg.HTTP.ListenAddr)
	if err := server.Run(ctx, srv, 15*time.Second); err != nil {
		logOut.Fatalw("http server", "err", err)
	}
	logOut.Infow("shutdown complete")
}
