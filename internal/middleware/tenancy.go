// internal/middleware/tenancy.go
//
// Tenant interception middleware.
//
/*
Context
--------
This is the single point where a request acquires its tenant identity.
Per request the pipeline is:

	START → HOST_RESOLVED → TENANT_RESOLVED → METADATA_LOADED
	      → CONTEXT_ATTACHED → handler → CONTEXT_DETACHED → END

Any failure before CONTEXT_ATTACHED short-circuits with a JSON error
body `{"detail": …}` and the handler never runs: 400 for an
untrustworthy host, 404 for an unknown tenant, 500 for anything
unexpected.  Failing closed beats guessing a tenant.

The context itself rides on request-scoped context.Context, so teardown
is structural: the value cannot outlive the request or leak into a
reused worker.  The deferred block below exists to guarantee the
CONTEXT_DETACHED forensic log fires on every exit path, panics included.

Each transition logs tenant id, database mode, resolved database name,
and request path, with client IP/UA/geo folded in when the requestinfo
middleware ran first.  Error bodies stay generic; never reveal which
tenants exist.
*/
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quartzerp/quartz/internal/connmeta"
	"github.com/quartzerp/quartz/internal/metrics"
	"github.com/quartzerp/quartz/internal/requestinfo"
	"github.com/quartzerp/quartz/internal/tenant"
)

//
// Collaborator interfaces
//

// TenantResolver is the slice of tenant.Resolver the interceptor needs.
type TenantResolver interface {
	Resolve(ctx context.Context, host, origin, referer string) (*tenant.Resolution, error)
}

// MetadataSource is the slice of connmeta.Cache the interceptor needs.
type MetadataSource interface {
	Get(ctx context.Context, tenantID uuid.UUID, kind tenant.InstallationKind) *connmeta.Entry
}

//
// Interceptor
//

// Interceptor wraps every inbound request with tenant resolution and
// context attachment.
type Interceptor struct {
	resolver TenantResolver
	meta     MetadataSource
}

// NewInterceptor wires the resolver and metadata cache.
func NewInterceptor(resolver TenantResolver, meta MetadataSource) *Interceptor {
	return &Interceptor{resolver: resolver, meta: meta}
}

// Handler is the chi-compatible middleware.
func (i *Interceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := requestLogger(ctx, r)

		res, err := i.resolver.Resolve(ctx, r.Host, r.Header.Get("Origin"), r.Header.Get("Referer"))
		if err != nil {
			i.reject(w, r, log, err)
			return
		}
		log.Debugw("tenant resolved",
			"tenant_id", res.TenantID, "subdomain", res.Subdomain)

		entry := i.meta.Get(ctx, res.TenantID, res.InstallationKind)
		if entry.NeedsProvisioning {
			log.Warnw("tenant requires dedicated-database provisioning",
				"tenant_id", res.TenantID)
		}
		log.Debugw("connection metadata loaded",
			"tenant_id", res.TenantID, "db_mode", entry.Mode, "db_name", entry.DatabaseName)

		tc := &tenant.Context{
			TenantID:         res.TenantID,
			Subdomain:        res.Subdomain,
			TenantCode:       res.TenantCode,
			DatabaseMode:     entry.Mode,
			DatabaseName:     entry.DatabaseName,
			ServerHost:       entry.Host,
			ServerPort:       entry.Port,
			InstallationKind: res.InstallationKind,
			RawMetadata:      entry.Raw,
		}
		ctx = tenant.WithContext(ctx, tc)

		log.Infow("tenant context attached",
			"tenant_id", tc.TenantID,
			"tenant_code", tc.TenantCode,
			"db_mode", tc.DatabaseMode,
			"db_name", tc.DatabaseName,
			"path", r.URL.Path,
		)

		// The value dies with the request context; this defer guarantees
		// the detach transition is recorded even when the handler panics.
		defer func() {
			p := recover()
			log.Debugw("tenant context detached",
				"tenant_id", tc.TenantID, "path", r.URL.Path, "panicked", p != nil)
			if p != nil {
				panic(p)
			}
		}()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

//
// Rejection
//

// reject maps resolver failures onto generic JSON error responses and
// records the forensic detail server-side only.
func (i *Interceptor) reject(w http.ResponseWriter, r *http.Request, log *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, tenant.ErrInvalidHost):
		metrics.ResolveFailuresTotal.WithLabelValues("invalid_host").Inc()
		log.Warnw("tenant resolution rejected: invalid host",
			"host", r.Host, "path", r.URL.Path, "err", err)
		writeDetail(w, http.StatusBadRequest, "invalid host")

	case errors.Is(err, tenant.ErrNotFound):
		metrics.ResolveFailuresTotal.WithLabelValues("not_found").Inc()
		log.Warnw("tenant resolution rejected: tenant not found",
			"host", r.Host, "path", r.URL.Path)
		writeDetail(w, http.StatusNotFound, "tenant not found")

	default:
		metrics.ResolveFailuresTotal.WithLabelValues("internal").Inc()
		log.Errorw("tenant resolution failed",
			"host", r.Host, "path", r.URL.Path, "err", err)
		writeDetail(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeDetail emits the `{"detail": …}` error body.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": msg})
}

// requestLogger folds client forensics into every log line when the
// requestinfo middleware ran earlier in the chain.
func requestLogger(ctx context.Context, r *http.Request) *zap.SugaredLogger {
	log := zap.S()
	if info := requestinfo.FromContext(ctx); info != nil {
		log = log.With(
			"client_ip", info.IP.String(),
			"country", info.CountryISO,
			"browser", info.Browser,
			"bot", info.IsBot,
		)
	}
	return log
}
