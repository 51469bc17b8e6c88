package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/shared"
)

// EventType names a security-relevant occurrence.
type EventType string

const (
	EventMaintenanceBlock  EventType = "maintenance_block"
	EventBlockedIP         EventType = "blocked_ip"
	EventBlockedCountry    EventType = "blocked_country"
	EventOriginRejected    EventType = "origin_rejected"
	EventPreAuthRateLimit  EventType = "preauth_rate_limited"
	EventAllowlistRejected EventType = "allowlist_rejected"
	EventAuthFailure       EventType = "auth_failure"
	EventTenantInactive    EventType = "tenant_inactive"
	EventRateLimited       EventType = "rate_limited"
	EventRateLimitBypass   EventType = "rate_limit_bypass"
	EventRateLimitDown     EventType = "rate_limit_unavailable"
	EventBodyTooLarge      EventType = "body_too_large"
	EventSSRFAttempt       EventType = "ssrf_attempt"
	EventSignatureInvalid  EventType = "signature_invalid"
)

var riskScores = map[EventType]int{
	EventMaintenanceBlock:  0,
	EventBlockedIP:         70,
	EventBlockedCountry:    50,
	EventOriginRejected:    40,
	EventPreAuthRateLimit:  60,
	EventAllowlistRejected: 50,
	EventAuthFailure:       40,
	EventTenantInactive:    30,
	EventRateLimited:       30,
	EventRateLimitBypass:   20,
	EventRateLimitDown:     20,
	EventBodyTooLarge:      30,
	EventSSRFAttempt:       90,
	EventSignatureInvalid:  60,
}

// RiskScore returns the default score recorded for t.
func (t EventType) RiskScore() int {
	return riskScores[t]
}

// Entry is one append-only audit record.
type Entry struct {
	LedgerID    uuid.UUID
	Action      string
	ActorType   shared.ActorType
	ActorID     string
	IP          string
	UserAgent   string
	RequestID   string
	EntityType  string
	EntityID    string
	RiskScore   int
	RequestBody map[string]any
	At          time.Time
}

// SecurityEvent describes a rejected or suspicious request.
type SecurityEvent struct {
	Type      EventType
	LedgerID  uuid.UUID
	IP        string
	Endpoint  string
	RequestID string
	Details   map[string]any
}

func (e SecurityEvent) entry() Entry {
	body := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		body[k] = v
	}
	if e.Endpoint != "" {
		body["endpoint"] = e.Endpoint
	}
	return Entry{
		LedgerID:    e.LedgerID,
		Action:      "security." + string(e.Type),
		ActorType:   shared.ActorSystem,
		IP:          e.IP,
		RequestID:   e.RequestID,
		RiskScore:   e.Type.RiskScore(),
		RequestBody: body,
	}
}
