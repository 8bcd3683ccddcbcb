package connmeta

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartzerp/quartz/internal/config"
	"github.com/quartzerp/quartz/internal/tenant"
)

var (
	acmeID   = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	globexID = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

//
// Stubs
//

// stubRows is a scriptable RowSource that counts lookups and records
// invalidations.
type stubRows struct {
	row   *Row
	found bool
	err   error
	delay time.Duration

	calls       int64
	invalidated int64
}

func (s *stubRows) ByTenant(_ context.Context, _ uuid.UUID) (*Row, bool, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.row, s.found, s.err
}

func (s *stubRows) InvalidateRow(_ context.Context, _ uuid.UUID) {
	atomic.AddInt64(&s.invalidated, 1)
}

type stubDecrypter struct {
	plaintext string
	err       error
	calls     int64
}

func (s *stubDecrypter) Decrypt(_ context.Context, _ string) (string, error) {
	atomic.AddInt64(&s.calls, 1)
	return s.plaintext, s.err
}

func newCache(t *testing.T, rows RowSource, ttl time.Duration) *Cache {
	t.Helper()
	cfg := &config.Config{Database: config.Database{
		SharedDSN:            "quartz:pw@tcp(shared-db.internal:3306)/quartz_shared?parseTime=true",
		DedicatedDSNTemplate: "%s:%s@tcp(%s)/%s?parseTime=true&loc=Local",
		MetadataTTL:          ttl,
	}}
	c := New(cfg, rows, &stubDecrypter{plaintext: "pw"}, nil)
	t.Cleanup(c.Close)
	return c
}

//
// Degradation ladder
//

func TestGetSharedTenantWithoutRow(t *testing.T) {
	rows := &stubRows{found: false}
	c := newCache(t, rows, time.Minute)

	e := c.Get(context.Background(), acmeID, tenant.KindCloudShared)
	require.NotNil(t, e)
	assert.Equal(t, tenant.ModeShared, e.Mode)
	assert.Equal(t, "quartz_shared", e.DatabaseName)
	assert.Equal(t, "shared-db.internal", e.Host)
	assert.Equal(t, 3306, e.Port)
	assert.False(t, e.NeedsProvisioning)
}

func TestGetDedicatedTenantWithoutRowNeedsProvisioning(t *testing.T) {
	rows := &stubRows{found: false}
	c := newCache(t, rows, time.Minute)

	e := c.Get(context.Background(), acmeID, tenant.KindDedicatedHosted)
	require.NotNil(t, e)
	assert.Equal(t, tenant.ModeDedicated, e.Mode)
	assert.True(t, e.NeedsProvisioning)
	assert.Nil(t, e.DB)
}

func TestGetDegradesToSharedOnLookupError(t *testing.T) {
	rows := &stubRows{err: errors.New("admin db down")}
	c := newCache(t, rows, time.Minute)

	e := c.Get(context.Background(), acmeID, tenant.KindCloudShared)
	require.NotNil(t, e)
	assert.Equal(t, tenant.ModeShared, e.Mode)
	// Failure entries carry the short retry TTL, not the full snapshot
	// lifetime.
	assert.Equal(t, failureTTL, e.ttl)
}

func TestGetDegradesToSharedOnDecryptError(t *testing.T) {
	rows := &stubRows{
		found: true,
		row: &Row{
			TenantID:             acmeID,
			DatabaseMode:         tenant.ModeDedicated,
			DatabaseName:         "quartz_acme",
			ServerHost:           "acme-db.internal",
			ServerPort:           3306,
			DBUser:               "acme",
			CredentialCiphertext: "vault:v1:garbage",
		},
	}
	cfg := &config.Config{Database: config.Database{
		SharedDSN:            "quartz:pw@tcp(shared-db.internal:3306)/quartz_shared",
		DedicatedDSNTemplate: "%s:%s@tcp(%s)/%s",
		MetadataTTL:          time.Minute,
	}}
	c := New(cfg, rows, &stubDecrypter{err: errors.New("permission denied")}, nil)
	t.Cleanup(c.Close)

	e := c.Get(context.Background(), acmeID, tenant.KindDedicatedHosted)
	require.NotNil(t, e)
	assert.Equal(t, tenant.ModeShared, e.Mode)
	assert.Equal(t, failureTTL, e.ttl)
}

//
// Caching behavior
//

func TestGetIsCachedWithinTTL(t *testing.T) {
	rows := &stubRows{found: false}
	c := newCache(t, rows, time.Minute)

	first := c.Get(context.Background(), acmeID, tenant.KindCloudShared)
	second := c.Get(context.Background(), acmeID, tenant.KindCloudShared)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt64(&rows.calls))
}

func TestGetReloadsAfterExpiry(t *testing.T) {
	rows := &stubRows{found: false}
	c := newCache(t, rows, 10*time.Millisecond)

	c.Get(context.Background(), acmeID, tenant.KindCloudShared)
	time.Sleep(25 * time.Millisecond)
	c.Get(context.Background(), acmeID, tenant.KindCloudShared)

	assert.EqualValues(t, 2, atomic.LoadInt64(&rows.calls))
}

func TestGetCollapsesConcurrentLoads(t *testing.T) {
	rows := &stubRows{found: false, delay: 20 * time.Millisecond}
	c := newCache(t, rows, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Get(context.Background(), acmeID, tenant.KindCloudShared)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&rows.calls))
}

func TestGetKeysByTenant(t *testing.T) {
	rows := &stubRows{found: false}
	c := newCache(t, rows, time.Minute)

	a := c.Get(context.Background(), acmeID, tenant.KindCloudShared)
	b := c.Get(context.Background(), globexID, tenant.KindCloudShared)

	assert.Equal(t, acmeID, a.TenantID)
	assert.Equal(t, globexID, b.TenantID)
	assert.EqualValues(t, 2, atomic.LoadInt64(&rows.calls))
}

//
// Invalidation
//

func TestInvalidateForcesReloadAndPropagates(t *testing.T) {
	rows := &stubRows{found: false}
	c := newCache(t, rows, time.Minute)

	c.Get(context.Background(), acmeID, tenant.KindCloudShared)
	c.Invalidate(context.Background(), acmeID)
	c.Get(context.Background(), acmeID, tenant.KindCloudShared)

	assert.EqualValues(t, 2, atomic.LoadInt64(&rows.calls))
	assert.EqualValues(t, 1, atomic.LoadInt64(&rows.invalidated))
}

//
// Shared-DSN parsing
//

func TestParseSharedTarget(t *testing.T) {
	cases := []struct {
		name string
		dsn  string
		want sharedTarget
	}{
		{
			name: "canonical",
			dsn:  "user:pw@tcp(db.internal:3307)/quartz?parseTime=true",
			want: sharedTarget{host: "db.internal", port: 3307, name: "quartz"},
		},
		{
			name: "no port defaults to 3306",
			dsn:  "user:pw@tcp(db.internal)/quartz",
			want: sharedTarget{host: "db.internal", port: 3306, name: "quartz"},
		},
		{
			name: "no params",
			dsn:  "user:pw@tcp(localhost:3306)/quartz_shared",
			want: sharedTarget{host: "localhost", port: 3306, name: "quartz_shared"},
		},
		{
			name: "unparseable yields zero values",
			dsn:  "not a dsn",
			want: sharedTarget{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseSharedTarget(tc.dsn))
		})
	}
}
