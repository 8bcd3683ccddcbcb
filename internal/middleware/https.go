// internal/middleware/https.go
//
// HTTPS enforcement.

package middleware

import (
	"net/http"
	"strings"
)

// ForceHTTPS redirects plain-HTTP requests for hosts under baseDomain to
// their HTTPS equivalent with a 308, preserving method and body.  TLS
// requests and localhost pass through untouched, and so does any host
// outside the base domain; the resolver rejects those on its own terms,
// which keeps the redirect from acting as a host oracle.
func ForceHTTPS(baseDomain string, next http.Handler) http.Handler {
	base := strings.ToLower(baseDomain)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil {
			next.ServeHTTP(w, r)
			return
		}

		host := strings.ToLower(hostOnly(r.Host))
		switch {
		case host == "localhost", strings.HasSuffix(host, ".localhost"):
			next.ServeHTTP(w, r)
		case host == base, strings.HasSuffix(host, "."+base):
			http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(),
				http.StatusPermanentRedirect)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func hostOnly(h string) string {
	if i := strings.IndexByte(h, ':'); i != -1 {
		return h[:i]
	}
	return h
}
