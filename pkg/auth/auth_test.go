package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keySpec = "sekrit-admin:admin:alice,ops-key:operator:bob:acme,view-key:viewer:carol:acme:read"

func TestAuthenticatePlaintextKeys(t *testing.T) {
	r := NewRegistry(keySpec, true)

	p, err := r.Authenticate("sekrit-admin")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Actor)
	assert.Equal(t, RoleAdmin, p.Role)
	assert.Equal(t, "sekr", p.KeyPrefix)

	p, err = r.Authenticate("view-key")
	require.NoError(t, err)
	assert.Equal(t, "acme", p.TenantID)
	assert.Equal(t, "read", p.Scopes)

	_, err = r.Authenticate("wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = r.Authenticate("")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateBcryptKey(t *testing.T) {
	hash, err := HashKey("hunter2")
	require.NoError(t, err)

	r := NewRegistry(hash+":operator:dave", true)
	p, err := r.Authenticate("hunter2")
	require.NoError(t, err)
	assert.Equal(t, "dave", p.Actor)

	_, err = r.Authenticate("hunter3")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateNotRequired(t *testing.T) {
	r := NewRegistry("", false)
	p, err := r.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, p.Role)
	assert.Equal(t, "anonymous", p.Actor)
}

func TestRegistrySkipsMalformedEntries(t *testing.T) {
	r := NewRegistry("justakey,key-only:role", true)
	_, err := r.Authenticate("justakey")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRoleHierarchy(t *testing.T) {
	assert.True(t, Principal{Role: RoleAdmin}.Allows(RoleViewer))
	assert.True(t, Principal{Role: RoleOperator}.Allows(RoleOperator))
	assert.False(t, Principal{Role: RoleViewer}.Allows(RoleOperator))
	assert.False(t, Principal{Role: "ghost"}.Allows(RoleViewer))
}

func TestAuthorizeChecksRoleFloor(t *testing.T) {
	r := NewRegistry(keySpec, true)

	_, err := r.Authorize("view-key", RoleOperator)
	assert.ErrorIs(t, err, ErrForbidden)

	p, err := r.Authorize("ops-key", RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Actor)
}

func TestEnforceTenant(t *testing.T) {
	bound := Principal{Role: RoleOperator, TenantID: "acme"}

	tid, err := EnforceTenant("", bound)
	require.NoError(t, err)
	assert.Equal(t, "acme", tid)

	_, err = EnforceTenant("globex", bound)
	assert.ErrorIs(t, err, ErrForbidden)

	admin := Principal{Role: RoleAdmin, TenantID: "acme"}
	tid, err = EnforceTenant("globex", admin)
	require.NoError(t, err)
	assert.Equal(t, "globex", tid)

	_, err = EnforceTenant("", Principal{Role: RoleAdmin})
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestMiddleware(t *testing.T) {
	r := NewRegistry(keySpec, true)
	var seen Principal
	handler := Middleware(r, RoleOperator)(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			seen, _ = FromContext(req.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/intents", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/intents", nil)
	req.Header.Set(APIKeyHeader, "view-key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/intents", nil)
	req.Header.Set(APIKeyHeader, "ops-key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", seen.Actor)
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	handler := rl.Middleware(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(http.StatusOK) }))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRequestIDReusesClientHeader(t *testing.T) {
	var got string
	handler := RequestID(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			got = GetRequestID(req.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", got)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
