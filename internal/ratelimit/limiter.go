package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Source identifies which tier produced a decision.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

// Decision is the outcome of Allow.
type Decision struct {
	Allowed bool
	ResetIn time.Duration
	Source  Source
	// Unavailable is set when both tiers failed on a fail-closed endpoint.
	Unavailable bool
	// Bypassed is set when both tiers failed on a fail-open endpoint.
	Bypassed bool
}

// Observer receives one call per decision.
type Observer interface {
	ObserveRateLimit(endpoint string, source string, allowed bool)
}

// Config wires a Limiter.
type Config struct {
	Primary  Tier
	Fallback Tier
	Policy   *Policy
	Health   *Health
	// Timeout bounds each tier call; an expired call counts as a failure.
	Timeout      time.Duration
	PreAuthQuota Quota
	Observer     Observer
	Logger       *slog.Logger
}

// Limiter applies the primary tier, degrading to the narrowed fallback tier
// while the primary is unhealthy.
type Limiter struct {
	primary  Tier
	fallback Tier
	policy   *Policy
	health   *Health
	timeout  time.Duration
	preAuth  Quota
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Limiter. Health must be shared by every limiter in the
// process that talks to the same primary tier.
func New(cfg Config) *Limiter {
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	health := cfg.Health
	if health == nil {
		health = NewHealth(DefaultCooldown)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	preAuth := cfg.PreAuthQuota
	if preAuth.Requests <= 0 || preAuth.Window <= 0 {
		preAuth = Quota{Requests: 120, Window: time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
		policy:   policy,
		health:   health,
		timeout:  timeout,
		preAuth:  preAuth,
		observer: cfg.Observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Policy exposes the endpoint policy.
func (l *Limiter) Policy() *Policy {
	return l.policy
}

// Allow checks one request for subject (a ledger id or client IP) against
// endpoint's quota.
func (l *Limiter) Allow(ctx context.Context, subject, endpoint string) Decision {
	quota := l.policy.Quota(endpoint)
	key := endpoint + ":" + subject
	now := l.now()

	if l.primary != nil && l.health.Healthy(now) {
		res, err := l.hit(ctx, l.primary, key, quota, now)
		if err == nil {
			l.health.MarkHealthy()
			return l.decide(endpoint, SourcePrimary, res)
		}
		l.health.MarkUnhealthy(now)
		l.logger.Warn("rate limit primary tier failed",
			slog.String("endpoint", endpoint), slog.Any("error", err))
	}

	if l.fallback != nil {
		res, err := l.hit(ctx, l.fallback, key, quota.Narrow(), now)
		if err == nil {
			return l.decide(endpoint, SourceFallback, res)
		}
		l.logger.Error("rate limit fallback tier failed",
			slog.String("endpoint", endpoint), slog.Any("error", err))
	}

	if l.policy.FailClosed(endpoint) {
		l.observe(endpoint, SourceNone, false)
		return Decision{Allowed: false, Source: SourceNone, Unavailable: true}
	}
	l.observe(endpoint, SourceNone, true)
	return Decision{Allowed: true, Source: SourceNone, Bypassed: true}
}

// AllowPreAuth limits unauthenticated traffic by ip. It consults the primary
// tier only and lets the request through on any failure.
func (l *Limiter) AllowPreAuth(ctx context.Context, ip string) Decision {
	now := l.now()
	if l.primary == nil || !l.health.Healthy(now) {
		return Decision{Allowed: true, Source: SourceNone}
	}
	res, err := l.hit(ctx, l.primary, EndpointPreAuth+":"+ip, l.preAuth, now)
	if err != nil {
		l.health.MarkUnhealthy(now)
		l.logger.Warn("pre-auth rate limit unavailable", slog.Any("error", err))
		return Decision{Allowed: true, Source: SourceNone}
	}
	l.health.MarkHealthy()
	return l.decide(EndpointPreAuth, SourcePrimary, res)
}

func (l *Limiter) hit(ctx context.Context, tier Tier, key string, q Quota, now time.Time) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return tier.Hit(ctx, key, q, now)
}

func (l *Limiter) decide(endpoint string, source Source, res Result) Decision {
	l.observe(endpoint, source, res.Allowed)
	return Decision{Allowed: res.Allowed, ResetIn: res.ResetIn, Source: source}
}

func (l *Limiter) observe(endpoint string, source Source, allowed bool) {
	if l.observer != nil {
		l.observer.ObserveRateLimit(endpoint, string(source), allowed)
	}
}
