// internal/config/model.go
//
// Typed configuration model for Quartz.
//
// Context
// -------
// These structs define the shape of the configuration tree that
// `internal/config/loader.go` builds from three overlay layers:
//
//   • optional `.env`                          – dotenv values,
//   • `conf/global.yaml`                       – primary static file,
//   • `QUARTZ_`-prefixed environment overrides – highest precedence.
//
// The resulting Config is constructed exactly once at startup and passed
// by reference into the tenant resolver, the request interceptor, the
// connection-metadata cache, and the query auditor.  Nothing in the
// code base reaches for configuration through a package-level accessor;
// every consumer receives the pointer it was handed at construction.
//
// Validation happens immediately after unmarshal; the app fails fast if
// required fields are missing.
//
// Notes
// -----
//   • Struct tags use `koanf:"…"`, not `yaml:"…"`—Koanf ignores `yaml` tags
//     unless configured otherwise.
//   • The `Paths` block is filled at runtime; YAML must not try to set it.
//   • Oxford commas, two spaces after periods.  No em-dash.

package config

import "time"

//
// Environment names
//

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

//
// HTTP section
//

// HTTP holds web-server tunables.
type HTTP struct {
	ListenAddr string `koanf:"listen_addr" validate:"required,hostname_port"`
	ForceHTTPS bool   `koanf:"force_https"`
}

//
// Tenancy section
//

// Tenancy controls how a request's Host header is mapped to a tenant.
//
// `BaseDomain` is the apex under which every tenant subdomain lives
// (e.g., `quartz.app` for `acme.quartz.app`).  `SuperSubdomain` is the
// reserved name that maps straight to the system tenant.  Subdomains in
// `ReservedSubdomains` are infrastructure names (api, www, cdn, …) that
// always resolve to the default tenant, never to a directory lookup.
type Tenancy struct {
	Environment        string   `koanf:"environment"         validate:"required,oneof=development production"`
	BaseDomain         string   `koanf:"base_domain"         validate:"required,fqdn"`
	SuperSubdomain     string   `koanf:"super_subdomain"`
	DefaultTenantID    string   `koanf:"default_tenant_id"   validate:"required,uuid"`
	DefaultTenantCode  string   `koanf:"default_tenant_code" validate:"required"`
	ReservedSubdomains []string `koanf:"reserved_subdomains"`
}

// IsProduction reports whether the resolver must trust only the Host
// header and reject loopback or private hosts outright.
func (t Tenancy) IsProduction() bool { return t.Environment == EnvProduction }

//
// Audit section
//

// Audit controls the query auditor's decision table.
//
// With `Enforce` off the auditor only warns; with it on, a tenant-scoped
// statement lacking a tenant filter is rejected in production.
// `AllowBypass` gates the explicit per-call bypass escape hatch; when it
// is false, merely *requesting* a bypass is itself a security error.
type Audit struct {
	Enforce     bool `koanf:"enforce"`
	AllowBypass bool `koanf:"allow_bypass"`
}

//
// Database section
//

// Database holds DSN templates and routing-cache tunables.
//
// `AdminDSN` connects to the control-plane schema holding the tenant
// directory and connection-metadata tables; it never depends on tenant
// context, which is what breaks the circular-resolution knot.
// `SharedDSN` is the pool every SHARED-mode tenant is routed to.
// `DedicatedDSNTemplate` carries four verbs—user, password, host:port,
// and database name—filled from decrypted connection metadata.
type Database struct {
	AdminDSN             string        `koanf:"admin_dsn"  validate:"required"`
	SharedDSN            string        `koanf:"shared_dsn" validate:"required"`
	DedicatedDSNTemplate string        `koanf:"dedicated_dsn_template"`
	MetadataTTL          time.Duration `koanf:"metadata_ttl"`
}

//
// Vault section
//

// Vault names the transit key used to decrypt stored tenant credentials.
// Address and token come from the standard VAULT_* environment variables.
type Vault struct {
	TransitKey string `koanf:"transit_key"`
}

//
// Redis section (optional)
//

// Redis, when Addr is non-empty, enables the shared connection-metadata
// cache backend so invalidations propagate across instances.
type Redis struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

//
// GeoIP section (optional)
//

// GeoIP points at a MaxMind City database used to enrich security log
// lines with best-effort client geolocation.  Empty path disables it.
type GeoIP struct {
	Path string `koanf:"path"`
}

//
// Paths section (runtime only)
//

// Paths is resolved at runtime—never set in YAML or env.  The loader
// discovers `Root` (repo root or QUARTZ_ROOT override) so later code can
// build absolute file paths.
type Paths struct {
	Root string // QUARTZ_ROOT or discovered parent
}

//
// Root aggregate
//

// Config is the immutable aggregate returned by Load().  It is injected
// into every component that needs it and never mutated after startup.
type Config struct {
	HTTP     HTTP     `koanf:"http"`
	Tenancy  Tenancy  `koanf:"tenancy"`
	Audit    Audit    `koanf:"audit"`
	Database Database `koanf:"database"`
	Vault    Vault    `koanf:"vault"`
	Redis    Redis    `koanf:"redis"`
	GeoIP    GeoIP    `koanf:"geoip"`
	Paths    Paths    `koanf:"-"` // not loaded from config files
}
