// Package gate authenticates callers and applies emergency controls, rate
// limits, and body caps before any handler runs.
package gate

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/audit"
	"github.com/soledgic/soledgic/internal/platform/httpx"
	"github.com/soledgic/soledgic/internal/ratelimit"
	"github.com/soledgic/soledgic/internal/shared"
)

const (
	HeaderAPIKey        = "x-api-key"
	HeaderInternalToken = "x-soledgic-internal-token"
	HeaderLedgerID      = "x-ledger-id"

	// DefaultMaxBody applies when neither the route nor configuration sets a cap.
	DefaultMaxBody int64 = 64 << 10
)

// Access selects how a route authenticates.
type Access int

const (
	// AccessTenant accepts an API key or the internal token with x-ledger-id.
	AccessTenant Access = iota
	// AccessInternal accepts only the internal token; x-ledger-id is optional.
	AccessInternal
	// AccessPublic skips authentication; the handler verifies the caller itself.
	AccessPublic
)

// Route describes one protected endpoint.
type Route struct {
	Name    string
	MaxBody int64
	Access  Access
}

// RateLimiter is the subset of ratelimit.Limiter the gate uses.
type RateLimiter interface {
	Allow(ctx context.Context, subject, endpoint string) ratelimit.Decision
	AllowPreAuth(ctx context.Context, ip string) ratelimit.Decision
}

// SecuritySink receives security events.
type SecuritySink interface {
	Security(ctx context.Context, evt audit.SecurityEvent)
}

// Config holds the emergency controls and credentials.
type Config struct {
	Maintenance      bool
	HealthPath       string
	BlockedIPs       []string
	BlockedCountries []string
	CountryHeader    string
	AllowedOrigins   []string
	AllowlistMode    bool
	// AllowedKeyHashes lists hex SHA-256 digests of approved API keys.
	AllowedKeyHashes []string
	InternalToken    string
	BodyLimits       map[string]int64
}

// Gate is the request pipeline shared by every API route.
type Gate struct {
	maintenance   atomic.Bool
	healthPath    string
	blockedAddrs  map[netip.Addr]struct{}
	blockedNets   []netip.Prefix
	countries     map[string]struct{}
	countryHeader string
	origins       map[string]struct{}
	allowlistMode bool
	allowlist     map[string]struct{}
	internalHash  [32]byte
	hasInternal   bool
	bodyLimits    map[string]int64

	store   TenantStore
	limiter RateLimiter
	events  SecuritySink
	logger  *slog.Logger
}

// New builds a Gate. Invalid blocklist entries are logged and ignored.
func New(cfg Config, store TenantStore, limiter RateLimiter, events SecuritySink, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		healthPath:    cfg.HealthPath,
		blockedAddrs:  make(map[netip.Addr]struct{}),
		countries:     toSet(cfg.BlockedCountries, strings.ToUpper),
		countryHeader: cfg.CountryHeader,
		origins:       toSet(cfg.AllowedOrigins, strings.ToLower),
		allowlistMode: cfg.AllowlistMode,
		allowlist:     toSet(cfg.AllowedKeyHashes, strings.ToLower),
		bodyLimits:    cfg.BodyLimits,
		store:         store,
		limiter:       limiter,
		events:        events,
		logger:        logger,
	}
	if g.countryHeader == "" {
		g.countryHeader = "CF-IPCountry"
	}
	for _, raw := range cfg.BlockedIPs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				logger.Warn("ignoring blocked network", slog.String("value", raw), slog.Any("error", err))
				continue
			}
			g.blockedNets = append(g.blockedNets, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			logger.Warn("ignoring blocked ip", slog.String("value", raw), slog.Any("error", err))
			continue
		}
		g.blockedAddrs[addr.Unmap()] = struct{}{}
	}
	if cfg.InternalToken != "" {
		g.internalHash = sha256.Sum256([]byte(cfg.InternalToken))
		g.hasInternal = true
	}
	g.maintenance.Store(cfg.Maintenance)
	return g
}

// SetMaintenance toggles maintenance mode at runtime.
func (g *Gate) SetMaintenance(on bool) {
	g.maintenance.Store(on)
}

// Maintenance rejects every request except the health path while
// maintenance mode is on.
func (g *Gate) Maintenance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.maintenanceBlocked(w, r, "") {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) maintenanceBlocked(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if !g.maintenance.Load() || (g.healthPath != "" && r.URL.Path == g.healthPath) {
		return false
	}
	g.reject(w, r, http.StatusServiceUnavailable, "Service under maintenance", audit.SecurityEvent{
		Type:     audit.EventMaintenanceBlock,
		Endpoint: endpoint,
	})
	return true
}

// Protect returns the middleware enforcing the full gate for route.
func (g *Gate) Protect(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.maintenanceBlocked(w, r, route.Name) {
				return
			}

			client := g.client(r)
			ctx := shared.ContextWithClient(r.Context(), client)
			r = r.WithContext(ctx)
			addr, addrErr := netip.ParseAddr(client.IP)
			if addrErr == nil && g.ipBlocked(addr) {
				g.reject(w, r, http.StatusForbidden, "Forbidden", audit.SecurityEvent{Type: audit.EventBlockedIP, Endpoint: route.Name})
				return
			}
			if client.Country != "" {
				if _, blocked := g.countries[client.Country]; blocked {
					g.reject(w, r, http.StatusForbidden, "Forbidden", audit.SecurityEvent{
						Type:     audit.EventBlockedCountry,
						Endpoint: route.Name,
						Details:  map[string]any{"country": client.Country},
					})
					return
				}
			}

			if origin := r.Header.Get("Origin"); origin != "" {
				if _, ok := g.origins[strings.ToLower(origin)]; !ok {
					g.reject(w, r, http.StatusForbidden, "Forbidden", audit.SecurityEvent{
						Type:     audit.EventOriginRejected,
						Endpoint: route.Name,
						Details:  map[string]any{"origin": shared.Truncate(origin, 200)},
					})
					return
				}
			}

			if g.limiter != nil {
				if d := g.limiter.AllowPreAuth(ctx, client.IP); !d.Allowed {
					g.securityEvent(r, audit.SecurityEvent{Type: audit.EventPreAuthRateLimit, Endpoint: route.Name})
					httpx.RateLimited(w, r, d.ResetIn)
					return
				}
			}

			tenant, ok := g.authenticate(w, r, route)
			if !ok {
				return
			}
			if tenant.LedgerID != uuid.Nil {
				ctx = shared.ContextWithTenant(ctx, tenant)
				r = r.WithContext(ctx)
			}

			subject := client.IP
			if tenant.LedgerID != uuid.Nil {
				subject = tenant.LedgerID.String()
			}
			if !g.rateLimit(w, r, route, subject, tenant.LedgerID) {
				return
			}

			if !g.limitBody(w, r, route, tenant.LedgerID) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate runs the allowlist, credential and tenant status checks. On
// failure it writes the response and returns false.
func (g *Gate) authenticate(w http.ResponseWriter, r *http.Request, route Route) (shared.Tenant, bool) {
	if route.Access == AccessPublic {
		return shared.Tenant{}, true
	}
	ctx := r.Context()
	token := r.Header.Get(HeaderInternalToken)
	apiKey := r.Header.Get(HeaderAPIKey)

	if token != "" {
		if !g.internalTokenValid(token) {
			g.reject(w, r, http.StatusUnauthorized, "Unauthorized", audit.SecurityEvent{
				Type:     audit.EventAuthFailure,
				Endpoint: route.Name,
				Details:  map[string]any{"method": "internal_token"},
			})
			return shared.Tenant{}, false
		}
		rawLedger := r.Header.Get(HeaderLedgerID)
		if rawLedger == "" {
			if route.Access == AccessInternal {
				return shared.Tenant{Actor: shared.ActorInternal}, true
			}
			g.reject(w, r, http.StatusUnauthorized, "Unauthorized", audit.SecurityEvent{
				Type:     audit.EventAuthFailure,
				Endpoint: route.Name,
				Details:  map[string]any{"method": "internal_token", "reason": "missing_ledger"},
			})
			return shared.Tenant{}, false
		}
		ledgerID, err := uuid.Parse(rawLedger)
		if err != nil {
			g.reject(w, r, http.StatusUnauthorized, "Unauthorized", audit.SecurityEvent{
				Type:     audit.EventAuthFailure,
				Endpoint: route.Name,
				Details:  map[string]any{"method": "internal_token", "reason": "invalid_ledger"},
			})
			return shared.Tenant{}, false
		}
		tenant, err := g.store.LedgerByID(ctx, ledgerID)
		if err != nil {
			return shared.Tenant{}, g.lookupFailed(w, r, route, err, "internal_token")
		}
		return tenant, g.checkStatus(w, r, route, tenant)
	}

	if route.Access == AccessInternal {
		g.reject(w, r, http.StatusForbidden, "Forbidden", audit.SecurityEvent{
			Type:     audit.EventAuthFailure,
			Endpoint: route.Name,
			Details:  map[string]any{"method": "api_key", "reason": "internal_only"},
		})
		return shared.Tenant{}, false
	}
	if apiKey == "" {
		g.reject(w, r, http.StatusUnauthorized, "Unauthorized", audit.SecurityEvent{
			Type:     audit.EventAuthFailure,
			Endpoint: route.Name,
			Details:  map[string]any{"reason": "missing_credentials"},
		})
		return shared.Tenant{}, false
	}
	hash := HashAPIKey(apiKey)
	if g.allowlistMode {
		if _, ok := g.allowlist[hash]; !ok {
			g.reject(w, r, http.StatusForbidden, "Forbidden", audit.SecurityEvent{
				Type:     audit.EventAllowlistRejected,
				Endpoint: route.Name,
				Details:  map[string]any{"key_prefix": hash[:8]},
			})
			return shared.Tenant{}, false
		}
	}
	tenant, err := g.store.LedgerByKeyHash(ctx, hash)
	if err != nil {
		return shared.Tenant{}, g.lookupFailed(w, r, route, err, "api_key")
	}
	return tenant, g.checkStatus(w, r, route, tenant)
}

func (g *Gate) lookupFailed(w http.ResponseWriter, r *http.Request, route Route, err error, method string) bool {
	if errors.Is(err, shared.ErrInvalidCredentials) || errors.Is(err, shared.ErrNotFound) {
		g.reject(w, r, http.StatusUnauthorized, "Unauthorized", audit.SecurityEvent{
			Type:     audit.EventAuthFailure,
			Endpoint: route.Name,
			Details:  map[string]any{"method": method},
		})
		return false
	}
	g.logger.Error("tenant lookup failed", slog.String("endpoint", route.Name), slog.Any("error", err))
	httpx.Error(w, r, http.StatusServiceUnavailable, "Service temporarily unavailable")
	return false
}

func (g *Gate) checkStatus(w http.ResponseWriter, r *http.Request, route Route, tenant shared.Tenant) bool {
	if tenant.Status == "active" {
		return true
	}
	g.reject(w, r, http.StatusForbidden, "Forbidden", audit.SecurityEvent{
		Type:     audit.EventTenantInactive,
		LedgerID: tenant.LedgerID,
		Endpoint: route.Name,
	})
	return false
}

func (g *Gate) internalTokenValid(token string) bool {
	if !g.hasInternal {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(sum[:], g.internalHash[:]) == 1
}

func (g *Gate) rateLimit(w http.ResponseWriter, r *http.Request, route Route, subject string, ledgerID uuid.UUID) bool {
	if g.limiter == nil {
		return true
	}
	d := g.limiter.Allow(r.Context(), subject, route.Name)
	switch {
	case d.Unavailable:
		g.reject(w, r, http.StatusServiceUnavailable, "Service temporarily unavailable", audit.SecurityEvent{
			Type:     audit.EventRateLimitDown,
			LedgerID: ledgerID,
			Endpoint: route.Name,
		})
		return false
	case d.Bypassed:
		g.securityEvent(r, audit.SecurityEvent{Type: audit.EventRateLimitBypass, LedgerID: ledgerID, Endpoint: route.Name})
		return true
	case !d.Allowed:
		g.securityEvent(r, audit.SecurityEvent{
			Type:     audit.EventRateLimited,
			LedgerID: ledgerID,
			Endpoint: route.Name,
			Details:  map[string]any{"source": string(d.Source)},
		})
		httpx.RateLimited(w, r, d.ResetIn)
		return false
	}
	return true
}

func (g *Gate) client(r *http.Request) shared.Client {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if addr, err := netip.ParseAddr(ip); err == nil {
		ip = addr.Unmap().String()
	}
	return shared.Client{
		IP:        ip,
		Country:   strings.ToUpper(strings.TrimSpace(r.Header.Get(g.countryHeader))),
		UserAgent: shared.Truncate(r.UserAgent(), 256),
	}
}

func (g *Gate) ipBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	if _, ok := g.blockedAddrs[addr]; ok {
		return true
	}
	for _, prefix := range g.blockedNets {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, status int, message string, evt audit.SecurityEvent) {
	g.securityEvent(r, evt)
	httpx.Error(w, r, status, message)
}

func (g *Gate) securityEvent(r *http.Request, evt audit.SecurityEvent) {
	if g.events == nil {
		return
	}
	if evt.IP == "" {
		evt.IP = shared.ClientFromContext(r.Context()).IP
		if evt.IP == "" {
			evt.IP = g.client(r).IP
		}
	}
	evt.RequestID = shared.RequestIDFromContext(r.Context())
	g.events.Security(r.Context(), evt)
}

func toSet(values []string, norm func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = norm(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

