// internal/tenant/errors.go
//
// Sentinel errors shared by the resolver and the interceptor.  The
// interceptor maps them onto HTTP statuses; everything that is not one
// of these sentinels is treated as an internal resolution failure and
// surfaced as a generic 500 so no tenant information leaks.

package tenant

import "errors"

var (
	// ErrInvalidHost means the Host header is missing, loopback, or
	// otherwise untrustworthy in a production environment.  Mapped to 400.
	ErrInvalidHost = errors.New("invalid host")

	// ErrNotFound means the subdomain does not map to an active tenant.
	// Mapped to 404.
	ErrNotFound = errors.New("tenant not found")
)
