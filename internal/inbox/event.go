// Package inbox turns stored payment-processor webhooks into ledger effects.
package inbox

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/ledger"
)

// Row states.
const (
	StatusPending   = "pending"
	StatusClaimed   = "claimed"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// MaxAttempts is how many claims a row gets before a failure is final.
const MaxAttempts = 5

// Row is one stored processor webhook.
type Row struct {
	ID         int64
	EventID    string
	EventType  string
	LedgerID   uuid.UUID
	Payload    []byte
	Attempts   int
	ReceivedAt time.Time
}

// Kind classifies a processor event.
type Kind string

const (
	KindPayout  Kind = "payout"
	KindRefund  Kind = "refund"
	KindDispute Kind = "dispute"
	KindCharge  Kind = "charge"
	KindUnknown Kind = "unknown"
)

// Tag keys read from the processor's metadata object.
const (
	TagLedgerID  = "soledgic_ledger_id"
	TagPayoutID  = "soledgic_payout_id"
	TagRefundID  = "soledgic_refund_id"
	TagCreatorID = "soledgic_creator_id"
)

// NormalizedEvent is the adapter-independent view of a processor event.
type NormalizedEvent struct {
	EventID    string
	EventType  string
	Kind       Kind
	RawStatus  string
	Amount     int64
	Currency   string
	OccurredAt time.Time
	ResourceID string
	LedgerID   uuid.UUID
	Tags       map[string]string
}

// Tag returns the first non-empty tag among keys.
func (e NormalizedEvent) Tag(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(e.Tags[k]); v != "" {
			return v
		}
	}
	return ""
}

// Effect is the ledger consequence of an event. The concrete types are
// PayoutEffect, RefundEffect, DisputeEffect and RecordOnly.
type Effect interface {
	effect()
}

// PayoutEffect moves a payout along the rail.
type PayoutEffect struct {
	PayoutRef string
	Rail      ledger.RailStatus
}

// RefundEffect moves a refund along the rail.
type RefundEffect struct {
	ResourceID string
	RefundRef  string
	Rail       ledger.RailStatus
}

// DisputePhase is the part of a dispute lifecycle the event reports.
type DisputePhase string

const (
	DisputeOpened DisputePhase = "opened"
	DisputeWon    DisputePhase = "won"
	DisputeLost   DisputePhase = "lost"
	DisputeClosed DisputePhase = "closed"
	DisputeOther  DisputePhase = "other"
)

// DisputeEffect places or releases a hold.
type DisputeEffect struct {
	CreatorID string
	SourceRef string
	Amount    int64
	Phase     DisputePhase
}

// RecordOnly is kept for reconciliation with no ledger change.
type RecordOnly struct{}

func (PayoutEffect) effect()  {}
func (RefundEffect) effect()  {}
func (DisputeEffect) effect() {}
func (RecordOnly) effect()    {}

// Effect derives the ledger consequence from the event's kind.
func (e NormalizedEvent) Effect() Effect {
	switch e.Kind {
	case KindPayout:
		return PayoutEffect{PayoutRef: e.Tag(TagPayoutID, "payout_id"), Rail: RailFor(e.RawStatus)}
	case KindRefund:
		return RefundEffect{
			ResourceID: e.ResourceID,
			RefundRef:  e.Tag(TagRefundID, "refund_id", "external_refund_id"),
			Rail:       RailFor(e.RawStatus),
		}
	case KindDispute:
		return DisputeEffect{
			CreatorID: e.Tag(TagCreatorID, "creator_id"),
			SourceRef: e.ResourceID,
			Amount:    e.Amount,
			Phase:     DisputePhaseFor(e.EventType, e.RawStatus),
		}
	default:
		return RecordOnly{}
	}
}

var railStates = map[string]ledger.RailStatus{
	"pending":         ledger.RailPending,
	"created":         ledger.RailPending,
	"queued":          ledger.RailPending,
	"scheduled":       ledger.RailPending,
	"requires_action": ledger.RailPending,
	"processing":      ledger.RailProcessing,
	"in_transit":      ledger.RailProcessing,
	"submitted":       ledger.RailProcessing,
	"sent":            ledger.RailProcessing,
	"completed":       ledger.RailCompleted,
	"complete":        ledger.RailCompleted,
	"succeeded":       ledger.RailCompleted,
	"success":         ledger.RailCompleted,
	"paid":            ledger.RailCompleted,
	"settled":         ledger.RailCompleted,
	"failed":          ledger.RailFailed,
	"failure":         ledger.RailFailed,
	"canceled":        ledger.RailFailed,
	"cancelled":       ledger.RailFailed,
	"returned":        ledger.RailFailed,
	"rejected":        ledger.RailFailed,
	"declined":        ledger.RailFailed,
	"reversed":        ledger.RailFailed,
}

// RailFor maps a raw processor state onto the rail lifecycle. Unknown
// states map to "".
func RailFor(raw string) ledger.RailStatus {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	return railStates[key]
}

// DisputePhaseFor reads the phase from the status, falling back to the event
// type suffix.
func DisputePhaseFor(eventType, raw string) DisputePhase {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "opened", "open", "created", "needs_response", "warning_needs_response":
		return DisputeOpened
	case "won":
		return DisputeWon
	case "lost":
		return DisputeLost
	case "closed", "resolved", "warning_closed":
		return DisputeClosed
	}
	t := strings.ToLower(eventType)
	switch {
	case strings.HasSuffix(t, ".created"), strings.HasSuffix(t, ".opened"):
		return DisputeOpened
	case strings.HasSuffix(t, ".won"):
		return DisputeWon
	case strings.HasSuffix(t, ".lost"):
		return DisputeLost
	case strings.HasSuffix(t, ".closed"):
		return DisputeClosed
	}
	return DisputeOther
}
