package router

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/raskol/internal/admission"
	"github.com/org/raskol/internal/identity"
	"github.com/org/raskol/internal/store"
	"github.com/org/raskol/internal/upstream"
	"github.com/org/raskol/pkg/logger"
)

func testDeps(t *testing.T, upstreamURL string) Deps {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "data.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log, err := logger.New("error")
	require.NoError(t, err)

	host := strings.TrimPrefix(upstreamURL, "https://")
	return Deps{
		Verifier: identity.NewVerifier(identity.Config{Secret: "s", Audience: "aud", Issuer: "iss"}),
		Store:    s,
		Upstream: upstream.NewClient(upstream.Config{TargetAddress: host, TargetAuthToken: "pooled", Timeout: 5 * time.Second, InsecureSkipVerify: true}),
		Limits:   admission.Limits{MinHitInterval: 0, MaxTokensPerDay: 0},
		Logger:   log,
	}
}

func token(t *testing.T, deps Deps, uid string, role identity.Role) string {
	t.Helper()
	tok, err := deps.Verifier.Mint(uid, role, time.Minute)
	require.NoError(t, err)
	return tok
}

func TestHealthRequiresNoAuth(t *testing.T) {
	deps := testDeps(t, "https://unused.test")
	r := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyRejectsMissingAuth(t *testing.T) {
	deps := testDeps(t, "https://unused.test")
	r := New(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPingRequiresDiagnoseRole(t *testing.T) {
	deps := testDeps(t, "https://unused.test")
	r := New(deps)

	tok := token(t, deps, "alice", identity.RoleUser)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPingAllowsHacker(t *testing.T) {
	deps := testDeps(t, "https://unused.test")
	r := New(deps)

	tok := token(t, deps, "alice", identity.RoleHacker)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestTotalStatsRequiresAdmin(t *testing.T) {
	deps := testDeps(t, "https://unused.test")
	r := New(deps)

	tok := token(t, deps, "alice", identity.RoleHacker)
	req := httptest.NewRequest(http.MethodGet, "/total-stats", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProxyForwardsAndAccountsTokens(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"usage":{"total_tokens":10}}`))
	}))
	defer upstream.Close()

	deps := testDeps(t, upstream.URL)
	r := New(deps)

	tok := token(t, deps, "alice", identity.RoleHacker)
	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	used, err := deps.Store.TokensUsedToday(req.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), used)
}

func TestProxyRejectsUserRole(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	deps := testDeps(t, upstream.URL)
	r := New(deps)

	tok := token(t, deps, "alice", identity.RoleUser)
	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProxyRejectsSecondHitWithinRateLimit(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	deps := testDeps(t, upstream.URL)
	deps.Limits.MinHitInterval = time.Minute
	r := New(deps)

	tok := token(t, deps, "alice", identity.RoleHacker)

	req1 := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{}"))
	req1.Header.Set("Authorization", "Bearer "+tok)
	rec1 := httptest.NewRecorder()
	r.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{}"))
	req2.Header.Set("Authorization", "Bearer "+tok)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}
