package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartzerp/quartz/internal/connmeta"
	"github.com/quartzerp/quartz/internal/tenant"
)

//
// Stubs
//

type stubResolver struct {
	res *tenant.Resolution
	err error
}

func (s *stubResolver) Resolve(_ context.Context, _, _, _ string) (*tenant.Resolution, error) {
	return s.res, s.err
}

// hostResolver maps Host header values to resolutions, for the
// concurrency test.
type hostResolver struct {
	byHost map[string]*tenant.Resolution
}

func (h *hostResolver) Resolve(_ context.Context, host, _, _ string) (*tenant.Resolution, error) {
	if r, ok := h.byHost[host]; ok {
		return r, nil
	}
	return nil, tenant.ErrNotFound
}

type stubMeta struct {
	entry *connmeta.Entry
}

func (s *stubMeta) Get(_ context.Context, tenantID uuid.UUID, _ tenant.InstallationKind) *connmeta.Entry {
	if s.entry != nil {
		return s.entry
	}
	return &connmeta.Entry{
		TenantID:     tenantID,
		Mode:         tenant.ModeShared,
		DatabaseName: "quartz_shared",
		Host:         "db.internal",
		Port:         3306,
	}
}

func acmeResolution() *tenant.Resolution {
	return &tenant.Resolution{
		TenantID:         uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		TenantCode:       "ACME",
		Subdomain:        "acme",
		InstallationKind: tenant.KindCloudShared,
	}
}

func detailOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["detail"]
}

//
// Attach path
//

func TestHandlerAttachesTenantContext(t *testing.T) {
	ic := NewInterceptor(&stubResolver{res: acmeResolution()}, &stubMeta{})

	var seen *tenant.Context
	h := ic.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = tenant.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://acme.quartz.example/dash", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "ACME", seen.TenantCode)
	assert.Equal(t, tenant.ModeShared, seen.DatabaseMode)
	assert.Equal(t, "quartz_shared", seen.DatabaseName)
	assert.Equal(t, "db.internal", seen.ServerHost)
	assert.Equal(t, 3306, seen.ServerPort)
}

func TestHandlerPassesProvisioningEntryThrough(t *testing.T) {
	acme := acmeResolution()
	entry := &connmeta.Entry{
		TenantID:          acme.TenantID,
		Mode:              tenant.ModeDedicated,
		NeedsProvisioning: true,
	}
	ic := NewInterceptor(&stubResolver{res: acme}, &stubMeta{entry: entry})

	var seen *tenant.Context
	h := ic.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = tenant.FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://acme.quartz.example/", nil))

	require.NotNil(t, seen)
	assert.Equal(t, tenant.ModeDedicated, seen.DatabaseMode)
	assert.Empty(t, seen.DatabaseName)
}

//
// Rejection path
//

func TestHandlerRejectsInvalidHost(t *testing.T) {
	ic := NewInterceptor(&stubResolver{err: tenant.ErrInvalidHost}, &stubMeta{})

	handlerRan := false
	h := ic.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		handlerRan = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://127.0.0.1/", nil))

	assert.False(t, handlerRan)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "invalid host", detailOf(t, rec))
}

func TestHandlerRejectsUnknownTenant(t *testing.T) {
	ic := NewInterceptor(&stubResolver{err: tenant.ErrNotFound}, &stubMeta{})

	h := ic.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://ghost.quartz.example/", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	// The body never confirms or denies tenant existence beyond the
	// generic message.
	assert.Equal(t, "tenant not found", detailOf(t, rec))
}

func TestHandlerRejectsUnexpectedErrorAsInternal(t *testing.T) {
	ic := NewInterceptor(&stubResolver{err: context.DeadlineExceeded}, &stubMeta{})

	h := ic.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://acme.quartz.example/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", detailOf(t, rec))
}

//
// Teardown
//

func TestHandlerRepanicsAfterDetach(t *testing.T) {
	ic := NewInterceptor(&stubResolver{res: acmeResolution()}, &stubMeta{})

	h := ic.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	assert.PanicsWithValue(t, "boom", func() {
		h.ServeHTTP(httptest.NewRecorder(),
			httptest.NewRequest(http.MethodGet, "http://acme.quartz.example/", nil))
	})
}

func TestContextDoesNotLeakAcrossRequests(t *testing.T) {
	acme := acmeResolution()
	globex := &tenant.Resolution{
		TenantID:         uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		TenantCode:       "GLOBEX",
		Subdomain:        "globex",
		InstallationKind: tenant.KindCloudShared,
	}
	ic := NewInterceptor(&hostResolver{byHost: map[string]*tenant.Resolution{
		"acme.quartz.example":   acme,
		"globex.quartz.example": globex,
	}}, &stubMeta{})

	h := ic.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, ok := tenant.FromContext(r.Context())
		if !ok {
			http.Error(w, "no tenant", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(tc.TenantCode))
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for host, want := range map[string]string{
			"acme.quartz.example":   "ACME",
			"globex.quartz.example": "GLOBEX",
		} {
			wg.Add(1)
			go func(host, want string) {
				defer wg.Done()
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://"+host+"/", nil))
				assert.Equal(t, want, rec.Body.String())
			}(host, want)
		}
	}
	wg.Wait()
}
