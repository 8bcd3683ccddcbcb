//
//  internal/requestinfo/requestinfo.go
//
//  Per-request client forensics: parsed user agent, client IP, and
//  best-effort geolocation.  The tenant interceptor folds these fields
//  into every security log line, so an incident responder can tie a
//  resolution failure or audit denial to a concrete client.
//
//  The structs are inert—no database handles, no large buffers—so they
//  are safe to log or JSON-encode.
//
//  Dependencies
//  • github.com/avct/uasurfer          (UA parsing)
//  • github.com/oschwald/geoip2-golang (MaxMind lookup)
//

package requestinfo

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/avct/uasurfer"
	"github.com/oschwald/geoip2-golang"
)

//
//  -----------------------------
//  Struct definitions
//  -----------------------------
//

// Info is the forensic snapshot of one request's client.
type Info struct {
	IP         net.IP
	CountryISO string // "US", "CA", "FR", … best-effort
	City       string
	Browser    string // "Chrome", "Firefox", …
	OS         string
	Device     string // "Desktop", "Phone", "Tablet", …
	IsBot      bool
	Timestamp  time.Time
}

//
//  -----------------------------
//  Enricher
//  -----------------------------
//

// Enricher parses client details; the geo reader is optional.  Safe for
// concurrent use—MaxMind readers support concurrent reads, which is all
// we ever perform.
type Enricher struct {
	geo *geoip2.Reader
}

// New builds an Enricher.  geoDBPath may be empty to disable geolocation.
func New(geoDBPath string) (*Enricher, error) {
	e := &Enricher{}
	if geoDBPath != "" {
		r, err := geoip2.Open(geoDBPath)
		if err != nil {
			return nil, err
		}
		e.geo = r
	}
	return e, nil
}

// Close releases the MaxMind handle, if any.
func (e *Enricher) Close() error {
	if e.geo != nil {
		return e.geo.Close()
	}
	return nil
}

// Collect builds the Info snapshot for one request.
func (e *Enricher) Collect(r *http.Request) *Info {
	ip := clientIP(r)
	info := &Info{
		IP:        ip,
		Timestamp: time.Now(),
	}

	if ua := r.Header.Get("User-Agent"); ua != "" {
		parsed := uasurfer.Parse(ua)
		info.Browser = strings.TrimPrefix(parsed.Browser.Name.String(), "Browser")
		info.OS = strings.TrimPrefix(parsed.OS.Name.String(), "OS")
		info.Device = deviceTypeToString(parsed.DeviceType)
		info.IsBot = parsed.IsBot()
	}

	if e.geo != nil && ip != nil {
		if rec, err := e.geo.City(ip); err == nil {
			info.CountryISO = rec.Country.IsoCode
			info.City = rec.City.Names["en"]
		}
	}
	return info
}

//
//  -----------------------------
//  Context plumbing
//  -----------------------------
//

type ctxKey struct{} // unexported, collision-proof

// Enrich is middleware that stores *Info in the request context.
func (e *Enricher) Enrich(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxKey{}, e.Collect(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the pointer previously stored by Enrich, or nil if
// the middleware has not run.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(ctxKey{}).(*Info)
	return v
}

//
//  -----------------------------
//  Internal helpers
//  -----------------------------
//

// clientIP extracts the left-most public client address from
// X-Forwarded-For or X-Real-IP, falling back to RemoteAddr.
func clientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
				return ip
			}
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		if ip := net.ParseIP(strings.TrimSpace(xr)); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// deviceTypeToString maps uasurfer.DeviceType to a user-friendly string.
func deviceTypeToString(dt uasurfer.DeviceType) string {
	switch dt {
	case uasurfer.DeviceComputer:
		return "Desktop"
	case uasurfer.DevicePhone:
		return "Phone"
	case uasurfer.DeviceTablet:
		return "Tablet"
	case uasurfer.DeviceConsole:
		return "Console"
	case uasurfer.DeviceWearable:
		return "Wearable"
	case uasurfer.DeviceTV:
		return "TV"
	default:
		return "Unknown"
	}
}
