// internal/auth/context.go
//
// Request-scoped auth context.
//
// Usage
// -----
//     // Attach the built AuthContext after authentication.
//     ctx = auth.WithContext(ctx, ac)
//
//     // Downstream code retrieves it.
//     ac, ok := auth.FromContext(ctx)
//
// Notes
// -----
// • The value is owned by the authentication step of the current request
//   and is never cached across requests.
// • Oxford commas, two spaces after periods.

package auth

import (
	"context"

	"github.com/google/uuid"
)

// AuthContext is the small, cheap-to-compute record of "who is the
// caller and what tenant do they belong to".  TenantID is the zero UUID
// only for a super principal.
type AuthContext struct {
	PrincipalID uuid.UUID
	TenantID    uuid.UUID
	Active      bool
	Super       bool
	AccessLevel int
	Roles       []string
}

// ckey is unexported to avoid context-key collisions.
type ckey struct{}

// WithContext returns a new context carrying ac.
func WithContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, ckey{}, ac)
}

// FromContext extracts the AuthContext.  It returns (nil, false) when
// the request is unauthenticated.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(ckey{}).(*AuthContext)
	if !ok || ac == nil {
		return nil, false
	}
	return ac, true
}
