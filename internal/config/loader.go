// internal/config/loader.go
//
// Configuration loader.
//
/*
Context
--------
Load() assembles one immutable Config from three layers, later layers
winning:

  1. conf/.env, when present (godotenv; secrets live here, not in YAML).
  2. conf/global.yaml, the primary static file.
  3. QUARTZ_-prefixed environment variables, where a double underscore
     maps to a tree dot: QUARTZ_TENANCY__BASE_DOMAIN → tenancy.base_domain.

The merged tree is unmarshalled into the typed model, defaulted, and
validated.  The resulting pointer belongs to main(), which injects it
into the resolver, the interceptor, the metadata cache, and the auditor.
There is no package-level accessor on purpose: configuration reads are
explicit dependencies, visible in every constructor signature.

Early boot logs go through zap's global sugared logger, so problems
surface on the bootstrap console before the file logger is installed.
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

const (
	envPrefix  = "QUARTZ_"
	configFile = "conf/global.yaml"
)

// Load reads all three layers and returns the validated Config.
func Load() (*Config, error) {
	root := discoverRoot()
	zap.S().Debugw("config root resolved", "root", root)

	// Layer 1: optional dotenv, feeding the env overlay below.
	_ = godotenv.Load(filepath.Join(root, "conf", ".env"))

	k := koanf.New(".")

	// Layer 2: the static YAML file is required.
	yamlPath := filepath.Join(root, configFile)
	if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read %s: %w", yamlPath, err)
	}

	// Layer 3: environment overrides.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyToPath), nil); err != nil {
		return nil, fmt.Errorf("environment overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Paths.Root = root

	applyDefaults(&cfg)
	if err := validateStruct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	zap.S().Infow("config loaded",
		"listen_addr", cfg.HTTP.ListenAddr,
		"environment", cfg.Tenancy.Environment,
		"base_domain", cfg.Tenancy.BaseDomain,
		"audit_enforce", cfg.Audit.Enforce,
		"root", root,
	)
	return &cfg, nil
}

// envKeyToPath maps QUARTZ_TENANCY__BASE_DOMAIN to tenancy.base_domain.
func envKeyToPath(key string) string {
	trimmed := strings.TrimPrefix(key, envPrefix)
	return strings.ToLower(strings.ReplaceAll(trimmed, "__", "."))
}

// discoverRoot honors QUARTZ_ROOT, then climbs from the working
// directory until conf/global.yaml appears, so `go run ./cmd/web` works
// from any subdirectory.  A bin/-adjacent executable falls back to its
// parent, matching the production install layout.
func discoverRoot() string {
	if r := os.Getenv("QUARTZ_ROOT"); r != "" {
		return r
	}

	wd, _ := os.Getwd()
	for dir := wd; ; {
		if _, err := os.Stat(filepath.Join(dir, configFile)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if exe, err := os.Executable(); err == nil {
		if filepath.Base(filepath.Dir(exe)) == "bin" {
			return filepath.Dir(filepath.Dir(exe))
		}
	}
	return wd
}

// applyDefaults fills the optional knobs so downstream code never has to
// nil- or zero-check them.
func applyDefaults(c *Config) {
	if c.Tenancy.SuperSubdomain == "" {
		c.Tenancy.SuperSubdomain = "system"
	}
	if len(c.Tenancy.ReservedSubdomains) == 0 {
		c.Tenancy.ReservedSubdomains = []string{
			"api", "www", "admin", "static", "cdn", "assets",
		}
	}
	if c.Database.MetadataTTL <= 0 {
		c.Database.MetadataTTL = 10 * time.Minute
	}
	if c.Database.DedicatedDSNTemplate == "" {
		c.Database.DedicatedDSNTemplate = "%s:%s@tcp(%s)/%s?parseTime=true&loc=Local"
	}
	if c.Vault.TransitKey == "" {
		c.Vault.TransitKey = "tenant-db-credentials"
	}
}
