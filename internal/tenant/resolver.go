// internal/tenant/resolver.go
//
// Host → tenant resolution.
//
/*
Context
--------
The resolver answers one question per request: which tenant does this
Host header belong to?  Its trust rules differ by environment:

  • Production trusts ONLY the Host header.  A host that is missing,
    loopback, private, or outside the base domain is rejected with
    ErrInvalidHost before any handler runs.  Origin and Referer are
    never consulted.

  • Development additionally supports local reverse-proxy setups: when
    the host is loopback or one of the reserved infrastructure
    subdomains, the resolver may recover a tenant subdomain from the
    Origin header, then the Referer header.  A subdomain recovered this
    way is trusted only after the directory confirms it names an active
    tenant; otherwise resolution falls back to the default tenant and
    logs a warning.  It never silently trusts an unconfirmed subdomain.

Reserved names (api, www, cdn, …) always resolve to the default tenant,
never to a directory lookup, even if a tenant registered the same name.
A bare base-domain host is not an error; it is the designed route to the
default/system tenant.

Failure modes are fail-closed: an unknown subdomain is ErrNotFound, and
any unexpected directory error propagates so the interceptor answers 500
instead of guessing a tenant.

Notes
-----
  • Loopback/private detection is purely syntactic (literal IPs and
    localhost names); the resolver never performs DNS lookups on the
    request path.
  • Oxford commas, two spaces after periods.
*/
package tenant

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quartzerp/quartz/internal/config"
)

//
// Collaborator interface
//

// DirectoryLookup is the slice of Directory the resolver needs.  Tests
// substitute a stub.
type DirectoryLookup interface {
	BySubdomain(ctx context.Context, subdomain string) (*Record, error)
	ExistsActive(ctx context.Context, subdomain string) (bool, error)
}

//
// Resolution result
//

// Resolution identifies the tenant a request belongs to, before any
// connection metadata is attached.
type Resolution struct {
	TenantID         uuid.UUID
	TenantCode       string
	Subdomain        string // empty for the default tenant
	InstallationKind InstallationKind
}

//
// Resolver
//

// Resolver maps Host (and, in development, Origin/Referer) headers to a
// Resolution.  It is stateless and safe for concurrent use.
type Resolver struct {
	cfg       config.Tenancy
	dir       DirectoryLookup
	reserved  map[string]struct{}
	defaultID uuid.UUID
}

// NewResolver validates the configured default tenant id and builds the
// reserved-subdomain set.
func NewResolver(cfg config.Tenancy, dir DirectoryLookup) (*Resolver, error) {
	id, err := uuid.Parse(cfg.DefaultTenantID)
	if err != nil {
		return nil, fmt.Errorf("default tenant id: %w", err)
	}
	reserved := make(map[string]struct{}, len(cfg.ReservedSubdomains))
	for _, s := range cfg.ReservedSubdomains {
		reserved[strings.ToLower(s)] = struct{}{}
	}
	return &Resolver{cfg: cfg, dir: dir, reserved: reserved, defaultID: id}, nil
}

// Resolve implements the trust rules above.  host is the raw Host header
// (port allowed); origin and referer may be empty.
func (r *Resolver) Resolve(ctx context.Context, host, origin, referer string) (*Resolution, error) {
	h := strings.ToLower(stripPort(host))
	base := strings.ToLower(r.cfg.BaseDomain)

	if h == "" {
		if r.cfg.IsProduction() {
			return nil, fmt.Errorf("%w: missing host header", ErrInvalidHost)
		}
		return r.devFallback(ctx, origin, referer)
	}

	sub, onBase := subdomainOf(h, base)
	switch {
	case onBase && sub == "":
		// Bare base domain: designed fallback, not an error.
		return r.defaultResolution(""), nil

	case onBase && sub == strings.ToLower(r.cfg.SuperSubdomain):
		return r.defaultResolution(sub), nil

	case onBase:
		if _, ok := r.reserved[sub]; ok {
			if !r.cfg.IsProduction() {
				// Local proxies often front the app through an infra
				// name; give Origin/Referer a chance to name a tenant.
				return r.devFallback(ctx, origin, referer)
			}
			return r.defaultResolution(""), nil
		}
		return r.lookup(ctx, sub)

	case isLocalHost(h):
		if r.cfg.IsProduction() {
			return nil, fmt.Errorf("%w: loopback or private host %q", ErrInvalidHost, h)
		}
		return r.devFallback(ctx, origin, referer)

	default:
		// Host outside the base domain entirely.  Fail closed in every
		// environment; serving a guessed tenant is worse than a 400.
		return nil, fmt.Errorf("%w: host %q is not under %q", ErrInvalidHost, h, base)
	}
}

//
// Internals
//

// lookup resolves a candidate subdomain through the directory.
func (r *Resolver) lookup(ctx context.Context, sub string) (*Resolution, error) {
	rec, err := r.dir.BySubdomain(ctx, sub)
	if err != nil {
		return nil, err // ErrNotFound or an internal directory failure
	}
	return &Resolution{
		TenantID:         rec.ID,
		TenantCode:       rec.Code,
		Subdomain:        rec.Subdomain,
		InstallationKind: rec.InstallationKind,
	}, nil
}

// devFallback recovers a tenant subdomain from Origin, then Referer.
// Only ever called outside production.
func (r *Resolver) devFallback(ctx context.Context, origin, referer string) (*Resolution, error) {
	base := strings.ToLower(r.cfg.BaseDomain)

	for _, hdr := range []struct{ name, value string }{
		{"origin", origin},
		{"referer", referer},
	} {
		if hdr.value == "" {
			continue
		}
		u, err := url.Parse(hdr.value)
		if err != nil || u.Hostname() == "" {
			continue
		}
		sub, onBase := subdomainOf(strings.ToLower(u.Hostname()), base)
		if !onBase || sub == "" {
			continue
		}
		if sub == strings.ToLower(r.cfg.SuperSubdomain) {
			return r.defaultResolution(sub), nil
		}
		if _, ok := r.reserved[sub]; ok {
			continue
		}

		// A header-recovered subdomain is attacker-controlled input
		// even on a developer box; confirm before trusting.
		ok, err := r.dir.ExistsActive(ctx, sub)
		if err != nil {
			return nil, err
		}
		if !ok {
			zap.S().Warnw("unconfirmed subdomain from header, using default tenant",
				"header", hdr.name, "subdomain", sub)
			return r.defaultResolution(""), nil
		}
		return r.lookup(ctx, sub)
	}

	return r.defaultResolution(""), nil
}

func (r *Resolver) defaultResolution(sub string) *Resolution {
	return &Resolution{
		TenantID:         r.defaultID,
		TenantCode:       r.cfg.DefaultTenantCode,
		Subdomain:        sub,
		InstallationKind: KindCloudShared,
	}
}

//
// Host parsing helpers
//

// stripPort removes any “:port” suffix from the Host header.
func stripPort(h string) string {
	if i := strings.IndexByte(h, ':'); i != -1 {
		return h[:i]
	}
	return h
}

// subdomainOf reports the tenant-boundary label of host relative to
// base.  For "a.b.quartz.app" under "quartz.app" the boundary label is
// "b", the one adjacent to the base domain.  onBase is false when host
// is not the base domain or one of its children.
func subdomainOf(host, base string) (sub string, onBase bool) {
	if host == base {
		return "", true
	}
	if !strings.HasSuffix(host, "."+base) {
		return "", false
	}
	rest := strings.TrimSuffix(host, "."+base)
	labels := strings.Split(rest, ".")
	return labels[len(labels)-1], true
}

// isLocalHost reports whether host is a loopback or private address in
// literal form, or a conventional local name.
func isLocalHost(host string) bool {
	if host == "localhost" ||
		strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast()
}
