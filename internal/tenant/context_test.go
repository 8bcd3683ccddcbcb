package tenant

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	tc := &Context{
		TenantID:     uuid.New(),
		TenantCode:   "ACME",
		DatabaseMode: ModeShared,
	}
	ctx := WithContext(context.Background(), tc)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, tc.TenantID, got.TenantID)
	assert.Equal(t, "ACME", got.TenantCode)
}

func TestFromContextAbsent(t *testing.T) {
	got, ok := FromContext(context.Background())
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestContextRawMetadataIsCopied(t *testing.T) {
	src := map[string]string{"region": "us-east"}
	tc := &Context{TenantID: uuid.New(), RawMetadata: src}
	ctx := WithContext(context.Background(), tc)

	// Mutating the source map after attachment must not bleed into the
	// attached value.
	src["region"] = "tampered"

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "us-east", got.RawMetadata["region"])
}

// Concurrent requests for different tenants must never observe each
// other's context.
func TestContextIsolationAcrossGoroutines(t *testing.T) {
	const workers = 64

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			ctx := WithContext(context.Background(), &Context{TenantID: id})
			for j := 0; j < 100; j++ {
				got, ok := FromContext(ctx)
				if !ok || got.TenantID != id {
					t.Errorf("context leaked: want %s, got %+v", id, got)
					return
				}
			}
		}()
	}
	wg.Wait()
}
