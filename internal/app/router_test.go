package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soledgic/soledgic/internal/gate"
	"github.com/soledgic/soledgic/internal/observability"
	_ "github.com/soledgic/soledgic/testing"
)

func newTestRouter(cfg *Config, g *gate.Gate) http.Handler {
	return NewRouter(RouterParams{
		Config:  cfg,
		Gate:    g,
		Metrics: observability.NewMetrics(),
	})
}

func TestHealthzCarriesSecurityHeaders(t *testing.T) {
	router := newTestRouter(&Config{AppEnv: "test"}, nil)

	req := httptest.NewRequest(http.MethodGet, HealthPath, nil)
	req.Header.Set(HeaderRequestID, "client-chosen")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	id := rec.Header().Get(HeaderRequestID)
	assert.NotEqual(t, "client-chosen", id)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestRequestIDsAreUnique(t *testing.T) {
	router := newTestRouter(&Config{AppEnv: "test"}, nil)
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))
		id := rec.Header().Get(HeaderRequestID)
		assert.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}

func TestMaintenanceSparesHealth(t *testing.T) {
	g := gate.New(gate.Config{Maintenance: true, HealthPath: HealthPath}, nil, nil, nil, nil)
	router := newTestRouter(&Config{AppEnv: "test"}, g)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "maintenance")
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	g.SetMaintenance(false)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "soledgic_http_requests_total"))
}

func TestCORSPreflightForAllowedOrigin(t *testing.T) {
	cfg := &Config{AppEnv: "test", AllowedOrigins: []string{"https://app.example.com"}}
	router := newTestRouter(cfg, gate.New(gate.Config{}, nil, nil, nil, nil))

	req := httptest.NewRequest(http.MethodOptions, "/v1/record-sale", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/record-sale", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInTestModeFromTestingPackage(t *testing.T) {
	assert.True(t, InTestMode())
}
