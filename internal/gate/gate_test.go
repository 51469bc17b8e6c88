package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soledgic/soledgic/internal/audit"
	"github.com/soledgic/soledgic/internal/platform/httpx"
	"github.com/soledgic/soledgic/internal/ratelimit"
	"github.com/soledgic/soledgic/internal/shared"
	_ "github.com/soledgic/soledgic/testing"
)

const testKey = "sk_live_abcdef0123456789"

type stubStore struct {
	tenants map[string]shared.Tenant
	byID    map[uuid.UUID]shared.Tenant
	err     error
	calls   int
}

func (s *stubStore) LedgerByKeyHash(ctx context.Context, hash string) (shared.Tenant, error) {
	s.calls++
	if s.err != nil {
		return shared.Tenant{}, s.err
	}
	t, ok := s.tenants[hash]
	if !ok {
		return shared.Tenant{}, shared.ErrInvalidCredentials
	}
	return t, nil
}

func (s *stubStore) LedgerByID(ctx context.Context, id uuid.UUID) (shared.Tenant, error) {
	s.calls++
	t, ok := s.byID[id]
	if !ok {
		return shared.Tenant{}, shared.ErrNotFound
	}
	return t, nil
}

type stubLimiter struct {
	preAuth  ratelimit.Decision
	decision ratelimit.Decision
	subjects []string
}

func (s *stubLimiter) Allow(ctx context.Context, subject, endpoint string) ratelimit.Decision {
	s.subjects = append(s.subjects, subject)
	return s.decision
}

func (s *stubLimiter) AllowPreAuth(ctx context.Context, ip string) ratelimit.Decision {
	return s.preAuth
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (e *eventLog) Security(ctx context.Context, evt audit.SecurityEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *eventLog) types() []audit.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audit.EventType, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Type)
	}
	return out
}

type fixture struct {
	gate    *Gate
	store   *stubStore
	limiter *stubLimiter
	events  *eventLog
	ledger  uuid.UUID
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ledger := uuid.New()
	active := shared.Tenant{LedgerID: ledger, Status: "active", Mode: "marketplace", Actor: shared.ActorAPIKey}
	store := &stubStore{
		tenants: map[string]shared.Tenant{HashAPIKey(testKey): active},
		byID:    map[uuid.UUID]shared.Tenant{ledger: {LedgerID: ledger, Status: "active", Actor: shared.ActorInternal}},
	}
	limiter := &stubLimiter{
		preAuth:  ratelimit.Decision{Allowed: true, Source: ratelimit.SourcePrimary},
		decision: ratelimit.Decision{Allowed: true, Source: ratelimit.SourcePrimary},
	}
	events := &eventLog{}
	if cfg.InternalToken == "" {
		cfg.InternalToken = "internal-secret"
	}
	return &fixture{
		gate:    New(cfg, store, limiter, events, nil),
		store:   store,
		limiter: limiter,
		events:  events,
		ledger:  ledger,
	}
}

func (f *fixture) serve(route Route, req *http.Request) *httptest.ResponseRecorder {
	handler := f.gate.Protect(route)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, _ := shared.TenantFromContext(r.Context())
		var body map[string]any
		if r.Body != nil && r.ContentLength > 0 {
			if err := httpx.DecodeJSON(r, &body); err != nil {
				httpx.Error(w, r, http.StatusBadRequest, "bad json")
				return
			}
		}
		httpx.Success(w, http.StatusOK, map[string]any{"ledger_id": tenant.LedgerID.String()})
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func newRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/record-sale", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:5123"
	req.Header.Set(HeaderAPIKey, testKey)
	return req
}

var saleRoute = Route{Name: ratelimit.EndpointRecordSale}

func TestProtectAuthenticatesAPIKey(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.serve(saleRoute, newRequest(`{"amount":100}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), f.ledger.String())
	assert.Equal(t, []string{f.ledger.String()}, f.limiter.subjects)
	assert.Empty(t, f.events.types())
}

func TestProtectRejectsUnknownKeyGenerically(t *testing.T) {
	f := newFixture(t, Config{})
	req := newRequest(`{}`)
	req.Header.Set(HeaderAPIKey, "sk_live_wrong")
	rec := f.serve(saleRoute, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"Unauthorized"`)
	assert.Equal(t, []audit.EventType{audit.EventAuthFailure}, f.events.types())

	req = newRequest(`{}`)
	req.Header.Del(HeaderAPIKey)
	rec = f.serve(saleRoute, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectMaintenance(t *testing.T) {
	f := newFixture(t, Config{Maintenance: true, HealthPath: "/healthz"})
	rec := f.serve(saleRoute, newRequest(`{}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, f.store.calls)

	health := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	out := httptest.NewRecorder()
	f.gate.Maintenance(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(out, health)
	assert.Equal(t, http.StatusNoContent, out.Code)

	f.gate.SetMaintenance(false)
	assert.Equal(t, http.StatusOK, f.serve(saleRoute, newRequest(`{}`)).Code)
}

func TestProtectBlocklists(t *testing.T) {
	f := newFixture(t, Config{BlockedIPs: []string{"198.51.100.0/24", "203.0.113.7", "not-an-ip"}, BlockedCountries: []string{"kp"}})

	rec := f.serve(saleRoute, newRequest(`{}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := newRequest(`{}`)
	req.RemoteAddr = "198.51.100.20:443"
	assert.Equal(t, http.StatusForbidden, f.serve(saleRoute, req).Code)

	req = newRequest(`{}`)
	req.RemoteAddr = "192.0.2.1:443"
	req.Header.Set("CF-IPCountry", "KP")
	assert.Equal(t, http.StatusForbidden, f.serve(saleRoute, req).Code)

	assert.Equal(t, []audit.EventType{audit.EventBlockedIP, audit.EventBlockedIP, audit.EventBlockedCountry}, f.events.types())
	assert.Equal(t, 0, f.store.calls)
}

func TestProtectOriginOnlyForBrowsers(t *testing.T) {
	f := newFixture(t, Config{AllowedOrigins: []string{"https://app.soledgic.com"}})

	req := newRequest(`{}`)
	req.Header.Set("Origin", "https://evil.example")
	assert.Equal(t, http.StatusForbidden, f.serve(saleRoute, req).Code)

	req = newRequest(`{}`)
	req.Header.Set("Origin", "https://app.soledgic.com")
	assert.Equal(t, http.StatusOK, f.serve(saleRoute, req).Code)

	assert.Equal(t, http.StatusOK, f.serve(saleRoute, newRequest(`{}`)).Code)
}

func TestProtectPreAuthLimitBeforeKeyLookup(t *testing.T) {
	f := newFixture(t, Config{})
	f.limiter.preAuth = ratelimit.Decision{Allowed: false, ResetIn: 42 * time.Second, Source: ratelimit.SourcePrimary}

	rec := f.serve(saleRoute, newRequest(`{}`))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, 0, f.store.calls)
	assert.Equal(t, []audit.EventType{audit.EventPreAuthRateLimit}, f.events.types())
}

func TestProtectAllowlistMode(t *testing.T) {
	f := newFixture(t, Config{AllowlistMode: true, AllowedKeyHashes: []string{HashAPIKey("sk_other")}})
	assert.Equal(t, http.StatusForbidden, f.serve(saleRoute, newRequest(`{}`)).Code)
	assert.Equal(t, 0, f.store.calls)

	f = newFixture(t, Config{AllowlistMode: true, AllowedKeyHashes: []string{strings.ToUpper(HashAPIKey(testKey))}})
	assert.Equal(t, http.StatusOK, f.serve(saleRoute, newRequest(`{}`)).Code)
}

func TestProtectInternalToken(t *testing.T) {
	f := newFixture(t, Config{})

	req := newRequest(`{}`)
	req.Header.Del(HeaderAPIKey)
	req.Header.Set(HeaderInternalToken, "internal-secret")
	req.Header.Set(HeaderLedgerID, f.ledger.String())
	assert.Equal(t, http.StatusOK, f.serve(saleRoute, req).Code)

	req = newRequest(`{}`)
	req.Header.Set(HeaderInternalToken, "internal-secreT")
	req.Header.Set(HeaderLedgerID, f.ledger.String())
	assert.Equal(t, http.StatusUnauthorized, f.serve(saleRoute, req).Code)

	req = newRequest(`{}`)
	req.Header.Set(HeaderInternalToken, "internal-secret")
	assert.Equal(t, http.StatusUnauthorized, f.serve(saleRoute, req).Code, "tenant route needs x-ledger-id")

	inbox := Route{Name: ratelimit.EndpointProcessorInbox, Access: AccessInternal}
	req = newRequest(`{}`)
	req.Header.Del(HeaderAPIKey)
	req.Header.Set(HeaderInternalToken, "internal-secret")
	assert.Equal(t, http.StatusOK, f.serve(inbox, req).Code)
	assert.Equal(t, "203.0.113.7", f.limiter.subjects[len(f.limiter.subjects)-1])

	assert.Equal(t, http.StatusForbidden, f.serve(inbox, newRequest(`{}`)).Code)
}

func TestProtectInactiveTenant(t *testing.T) {
	f := newFixture(t, Config{})
	tenant := f.store.tenants[HashAPIKey(testKey)]
	tenant.Status = "inactive"
	f.store.tenants[HashAPIKey(testKey)] = tenant

	rec := f.serve(saleRoute, newRequest(`{}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"Forbidden"`)
	assert.Equal(t, []audit.EventType{audit.EventTenantInactive}, f.events.types())
}

func TestProtectStoreOutage(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.err = errors.New("dial tcp 10.0.0.3:5432: connect: connection refused")
	rec := f.serve(saleRoute, newRequest(`{}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
}

func TestProtectPostAuthLimitOutcomes(t *testing.T) {
	f := newFixture(t, Config{})

	f.limiter.decision = ratelimit.Decision{Allowed: false, ResetIn: 10 * time.Second, Source: ratelimit.SourceFallback}
	rec := f.serve(saleRoute, newRequest(`{}`))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"retry_after":10`)

	f.limiter.decision = ratelimit.Decision{Source: ratelimit.SourceNone, Unavailable: true}
	assert.Equal(t, http.StatusServiceUnavailable, f.serve(saleRoute, newRequest(`{}`)).Code)

	f.limiter.decision = ratelimit.Decision{Allowed: true, Source: ratelimit.SourceNone, Bypassed: true}
	assert.Equal(t, http.StatusOK, f.serve(saleRoute, newRequest(`{}`)).Code)

	assert.Equal(t, []audit.EventType{audit.EventRateLimited, audit.EventRateLimitDown, audit.EventRateLimitBypass}, f.events.types())
}

func TestProtectBodyLimit(t *testing.T) {
	f := newFixture(t, Config{BodyLimits: map[string]int64{ratelimit.EndpointRecordSale: 32}})

	big := `{"description":"` + strings.Repeat("x", 64) + `"}`
	rec := f.serve(saleRoute, newRequest(big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// Declared length lies; the actual read still trips the cap.
	req := newRequest(big)
	req.ContentLength = 10
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.serve(saleRoute, req).Code)

	assert.Equal(t, http.StatusOK, f.serve(saleRoute, newRequest(`{"amount":1}`)).Code)
	assert.Equal(t, int64(32), f.gate.MaxBody(saleRoute))
	assert.Equal(t, DefaultMaxBody, f.gate.MaxBody(Route{Name: "other"}))
}

func TestProtectDegradedRateLimiting(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("INSERT INTO rate_limit_fallback").WillReturnError(errors.New("too many connections"))
	}

	limiter := ratelimit.New(ratelimit.Config{
		Primary:  ratelimit.NewRedisTier(client),
		Fallback: ratelimit.NewSQLTier(db),
		Health:   ratelimit.NewHealth(time.Minute),
		Timeout:  time.Second,
	})
	f := newFixture(t, Config{})
	f.gate.limiter = limiter
	mr.SetError("connection refused")

	rec := f.serve(Route{Name: ratelimit.EndpointProcessPayout}, newRequest(`{}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req := newRequest(`{}`)
	rec = f.serve(Route{Name: ratelimit.EndpointGetBalance}, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []audit.EventType{audit.EventRateLimitDown, audit.EventRateLimitBypass}, f.events.types())
	require.NoError(t, mock.ExpectationsWereMet())
}
