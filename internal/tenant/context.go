// internal/tenant/context.go
//
// Request-scoped tenant context.
//
// Context
// -------
// Every request that survives the interceptor carries exactly one
// *tenant.Context in its request context.  The value is built once by
// the interceptor, read by every downstream data-access call, and dies
// with the request; concurrent requests for different tenants never
// observe each other's value because propagation rides on the stdlib
// context.Context, not on process-wide state.
//
// Notes
// -----
// • Treat Context as read-only after construction.  RawMetadata is
//   copied on construction so later mutation of the source map cannot
//   bleed into an attached context.
// • The context key is an unexported struct type to avoid collisions.
// • Oxford commas, two spaces after periods.

package tenant

import (
	"context"

	"github.com/google/uuid"
)

//
// Enumerations
//

// DatabaseMode says where a tenant's rows physically live.
type DatabaseMode string

const (
	// ModeShared: all tenants in one database, isolated by tenant_id.
	ModeShared DatabaseMode = "shared"
	// ModeDedicated: the tenant owns a physical database of its own.
	ModeDedicated DatabaseMode = "dedicated"
)

// InstallationKind is the deployment flavor recorded on the directory
// row.  It is the fallback routing signal when no connection metadata
// exists for a tenant.
type InstallationKind string

const (
	KindCloudShared     InstallationKind = "cloud_shared"
	KindDedicatedHosted InstallationKind = "dedicated_hosted"
)

//
// Context value
//

// Context is the immutable per-request tenant decision.  TenantID is
// never the zero UUID while the value is attached.
type Context struct {
	TenantID         uuid.UUID
	Subdomain        string // empty means default/system tenant
	TenantCode       string
	DatabaseMode     DatabaseMode
	DatabaseName     string
	ServerHost       string
	ServerPort       int
	InstallationKind InstallationKind
	RawMetadata      map[string]string // extra routing attributes, read-only
}

// ckey is unexported to avoid context-key collisions.
type ckey struct{}

// WithContext returns a child context carrying tc.  RawMetadata is
// copied so the attached value cannot be mutated through the source map.
func WithContext(ctx context.Context, tc *Context) context.Context {
	if tc != nil && tc.RawMetadata != nil {
		cp := make(map[string]string, len(tc.RawMetadata))
		for k, v := range tc.RawMetadata {
			cp[k] = v
		}
		dup := *tc
		dup.RawMetadata = cp
		tc = &dup
	}
	return context.WithValue(ctx, ckey{}, tc)
}

// FromContext extracts the tenant context.  It returns (nil, false) when
// the interceptor has not run, which downstream callers must treat as
// "no tenant", never as the default tenant.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(ckey{}).(*Context)
	if !ok || tc == nil {
		return nil, false
	}
	return tc, true
}
