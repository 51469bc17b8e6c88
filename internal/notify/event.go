// Package notify publishes tenant-facing webhook events and delivers them
// through the egress dispatcher.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an outbound webhook event.
type EventType string

const (
	EventSaleCreated         EventType = "sale.created"
	EventIncomeRecorded      EventType = "income.recorded"
	EventExpenseRecorded     EventType = "expense.recorded"
	EventTransactionRecorded EventType = "transaction.recorded"
	EventTransactionReversed EventType = "transaction.reversed"
	EventPayoutCreated       EventType = "payout.created"
	EventPayoutExecuted      EventType = "payout.executed"
	EventPayoutFailed        EventType = "payout.failed"
	EventRefundCreated       EventType = "refund.created"
	EventSaleRefunded        EventType = "sale.refunded"
	EventDisputeHoldPlaced   EventType = "dispute.hold_placed"
	EventDisputeHoldReleased EventType = "dispute.hold_released"
)

// Event is one notification for a ledger's webhook endpoint.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	LedgerID   uuid.UUID      `json:"ledger_id"`
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// NewEvent stamps an id and time on a new event.
func NewEvent(ledgerID uuid.UUID, typ EventType, data map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		LedgerID:   ledgerID,
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}
