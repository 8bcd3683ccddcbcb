// internal/secrets/vault.go
//
// Vault-backed credential capabilities.
//
/*
Context
--------
Dedicated tenants store their database credential on the
tenant_connection row as a Vault Transit ciphertext.  The routing layer
must be able to turn that ciphertext into a usable password, but nothing
else in the code base should know how; everything downstream of boot
depends only on the one-method Decrypter interface, so tests substitute
a stub and never talk to Vault.

Connection settings come from the standard VAULT_ADDR / VAULT_TOKEN
environment (with the ~/.vault-token fallback the SDK applies).  A
background watcher keeps the token renewed for the life of the process;
renewal failures degrade to periodic retries rather than killing the
server, since an expired token surfaces as a decrypt error on the next
dedicated-tenant load anyway.

KV-v2 reads exist for boot-time secrets (DSN passwords and the like) and
carry an optional per-key TTL cache, so a config value consulted on a
hot path does not turn into a Vault round trip.
*/
package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// Decrypter is the opaque credential-decryption capability consumed by the
// connection-metadata cache.  *Client satisfies it.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Client wraps the Vault SDK.  Construct once at boot with New; safe for
// concurrent use.
type Client struct {
	api        *vault.Client
	transitKey string
	kvCache    sync.Map // "path#key" → kvEntry
}

type kvEntry struct {
	value   string
	expires time.Time
}

// New builds the client from the VAULT_* environment and starts the
// token-renewal watcher, which runs until ctx is canceled.
func New(ctx context.Context, transitKey string) (*Client, error) {
	vcfg := vault.DefaultConfig()
	if err := vcfg.ReadEnvironment(); err != nil {
		return nil, fmt.Errorf("vault environment: %w", err)
	}
	api, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if tok := os.Getenv("VAULT_TOKEN"); tok != "" {
		api.SetToken(tok)
	}

	c := &Client{api: api, transitKey: transitKey}
	go c.keepTokenFresh(ctx)
	return c, nil
}

//
// Transit decrypt
//

// Decrypt runs ciphertext (the "vault:v1:…" form written by the
// provisioning tooling) through the Transit engine and returns the
// plaintext credential.  The plaintext is returned to exactly one
// caller; nothing here retains or logs it.
func (c *Client) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", errors.New("empty ciphertext")
	}

	resp, err := c.api.Logical().WriteWithContext(ctx,
		"transit/decrypt/"+c.transitKey,
		map[string]any{"ciphertext": ciphertext})
	if err != nil {
		return "", fmt.Errorf("transit decrypt: %w", err)
	}
	if resp == nil || resp.Data == nil {
		return "", errors.New("transit decrypt: empty response")
	}
	encoded, _ := resp.Data["plaintext"].(string)
	if encoded == "" {
		return "", errors.New("transit decrypt: no plaintext in response")
	}

	plain, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("transit decrypt: %w", err)
	}
	return string(plain), nil
}

//
// KV-v2 reads
//

// GetKV reads one key of a KV-v2 secret.  secretPath is
// "<mount>/<path…>".  With ttl > 0 the value is served from a per-key
// cache until it expires.
func (c *Client) GetKV(ctx context.Context, secretPath, key string, ttl time.Duration) (string, error) {
	if secretPath == "" || key == "" {
		return "", errors.New("secret path and key required")
	}
	cacheKey := secretPath + "#" + key

	if ttl > 0 {
		if v, ok := c.kvCache.Load(cacheKey); ok {
			if e := v.(kvEntry); time.Now().Before(e.expires) {
				return e.value, nil
			}
			c.kvCache.Delete(cacheKey)
		}
	}

	mount, rel, ok := strings.Cut(secretPath, "/")
	if !ok {
		return "", fmt.Errorf("secret path %q has no mount prefix", secretPath)
	}
	sec, err := c.api.KVv2(mount).Get(ctx, rel)
	if err != nil {
		return "", fmt.Errorf("kv read %s: %w", secretPath, err)
	}
	value, ok := sec.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("kv read %s: key %q missing or not a string", secretPath, key)
	}

	if ttl > 0 {
		c.kvCache.Store(cacheKey, kvEntry{value: value, expires: time.Now().Add(ttl)})
	}
	return value, nil
}

// Resolve materializes one config reference.  A value of the form
// "vault:<mount/path>#<key>" is fetched from KV-v2; any other value is
// returned unchanged, so plain strings and Vault references mix freely
// in the same config file.
func (c *Client) Resolve(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "vault:") {
		return ref, nil
	}
	path, key, ok := strings.Cut(strings.TrimPrefix(ref, "vault:"), "#")
	if !ok || path == "" || key == "" {
		return "", fmt.Errorf("vault reference %q must look like vault:<mount/path>#<key>", ref)
	}
	return c.GetKV(ctx, path, key, 0)
}

//
// Token renewal
//

// keepTokenFresh renews the client token for the process lifetime.  A
// non-renewable token (root, or one issued without renewal) is probed
// hourly in case it is replaced out of band.
func (c *Client) keepTokenFresh(ctx context.Context) {
	for ctx.Err() == nil {
		self, err := c.api.Auth().Token().RenewSelfWithContext(ctx, 0)
		if err != nil {
			zap.S().Warnw("vault token renew failed, retrying", "err", err)
			sleepOrDone(ctx, 30*time.Second)
			continue
		}
		if self == nil || self.Auth == nil || !self.Auth.Renewable {
			sleepOrDone(ctx, time.Hour)
			continue
		}

		watcher, err := c.api.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
			Secret: self,
			Grace:  15 * time.Second,
		})
		if err != nil {
			zap.S().Warnw("vault lifetime watcher failed", "err", err)
			sleepOrDone(ctx, 30*time.Second)
			continue
		}
		go watcher.Start()
		c.watch(ctx, watcher)
	}
}

// watch drains one watcher until it finishes or ctx ends.
func (c *Client) watch(ctx context.Context, w *vault.LifetimeWatcher) {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-w.DoneCh():
			if err != nil {
				zap.S().Warnw("vault token renewal ended", "err", err)
			}
			sleepOrDone(ctx, 15*time.Second)
			return
		case ev := <-w.RenewCh():
			if ev != nil && ev.Secret != nil && ev.Secret.Auth != nil {
				zap.S().Debugw("vault token renewed",
					"lease_seconds", ev.Secret.Auth.LeaseDuration)
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
