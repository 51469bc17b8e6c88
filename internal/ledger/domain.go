// Package ledger owns the double-entry mutation contract: balanced postings,
// idempotent references and balance-checked payouts.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/shared"
)

// AccountType classifies a balance bucket.
type AccountType string

const (
	AccountCash            AccountType = "cash"
	AccountRevenue         AccountType = "revenue"
	AccountExpense         AccountType = "expense"
	AccountCreatorBalance  AccountType = "creator_balance"
	AccountPlatformRevenue AccountType = "platform_revenue"
	AccountProcessingFees  AccountType = "processing_fees"
	AccountRefunds         AccountType = "refunds"
	AccountOwnerEquity     AccountType = "owner_equity"
)

var accountTypes = map[AccountType]struct{}{
	AccountCash: {}, AccountRevenue: {}, AccountExpense: {}, AccountCreatorBalance: {},
	AccountPlatformRevenue: {}, AccountProcessingFees: {}, AccountRefunds: {}, AccountOwnerEquity: {},
}

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	_, ok := accountTypes[t]
	return ok
}

// TransactionType classifies a transaction.
type TransactionType string

const (
	TypeSale       TransactionType = "sale"
	TypeIncome     TransactionType = "income"
	TypeExpense    TransactionType = "expense"
	TypePayout     TransactionType = "payout"
	TypeRefund     TransactionType = "refund"
	TypeReversal   TransactionType = "reversal"
	TypeAdjustment TransactionType = "adjustment"
	TypeTransfer   TransactionType = "transfer"
)

// Status is the lifecycle state of a transaction. Entries of voided and
// reversed transactions do not contribute to balances.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusVoided    Status = "voided"
	StatusReversed  Status = "reversed"
	StatusPending   Status = "pending"
)

// Direction is the side of an entry.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// RailStatus is the settlement state reported by the payment rail.
type RailStatus string

const (
	RailPending    RailStatus = "pending"
	RailProcessing RailStatus = "processing"
	RailCompleted  RailStatus = "completed"
	RailFailed     RailStatus = "failed"
)

// Terminal reports whether no further rail transitions are expected.
func (s RailStatus) Terminal() bool {
	return s == RailCompleted || s == RailFailed
}

// Ledger is the tenant boundary.
type Ledger struct {
	ID       uuid.UUID
	Name     string
	Status   string
	Mode     string
	Settings Settings
}

// Active reports whether the ledger accepts mutations.
func (l Ledger) Active() bool {
	return l.Status == "active"
}

// Account is a balance bucket, optionally tied to an external entity.
type Account struct {
	ID       uuid.UUID
	LedgerID uuid.UUID
	Type     AccountType
	EntityID string
	Name     string
}

// Transaction is one atomic financial event.
type Transaction struct {
	ID          uuid.UUID
	LedgerID    uuid.UUID
	Type        TransactionType
	ReferenceID string
	Status      Status
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]any
	RailStatus  RailStatus
	ExternalID  string
	ReversedBy  uuid.UUID
	CreatedAt   time.Time
	Entries     []Entry
}

// Entry is one immutable leg of a transaction.
type Entry struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	AccountID     uuid.UUID
	AccountType   AccountType
	EntityID      string
	Direction     Direction
	Amount        int64
}

// HeldFund withholds part of a creator's balance without touching entries.
type HeldFund struct {
	ID             uuid.UUID
	LedgerID       uuid.UUID
	CreatorID      string
	Reason         string
	SourceRef      string
	HeldAmount     int64
	ReleasedAmount int64
	Status         string
	CreatedAt      time.Time
}

// Outstanding returns the amount still held.
func (h HeldFund) Outstanding() int64 {
	return h.HeldAmount - h.ReleasedAmount
}

// EntryInput is one requested leg.
type EntryInput struct {
	AccountType AccountType
	EntityID    string
	Direction   Direction
	Amount      int64
}

// PostingInput is a request to record a balanced transaction.
type PostingInput struct {
	LedgerID    uuid.UUID
	Type        TransactionType
	ReferenceID string
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]any
	RailStatus  RailStatus
	ExternalID  string
	Entries     []EntryInput
	Actor       Actor
}

// Actor identifies who requested a mutation, for the audit trail.
type Actor struct {
	Type      shared.ActorType
	ID        string
	IP        string
	UserAgent string
	RequestID string
}

const maxReferenceLen = 255

// Validate enforces the double-entry invariant and input shape.
func (p PostingInput) Validate() error {
	if p.LedgerID == uuid.Nil {
		return validationf("ledger is required")
	}
	if err := validateReference(p.ReferenceID); err != nil {
		return err
	}
	if p.Type == "" {
		return validationf("transaction_type is required")
	}
	if len(p.Entries) < 2 {
		return validationf("at least two entries are required")
	}
	var debits, credits int64
	for i, e := range p.Entries {
		if !e.AccountType.Valid() {
			return validationf("entry %d: unknown account type %q", i, e.AccountType)
		}
		if e.Amount < 0 {
			return validationf("entry %d: amount must not be negative", i)
		}
		switch e.Direction {
		case Debit:
			debits += e.Amount
		case Credit:
			credits += e.Amount
		default:
			return validationf("entry %d: direction must be debit or credit", i)
		}
	}
	if debits != credits {
		return validationf("entries are unbalanced: debits %d != credits %d", debits, credits)
	}
	if debits == 0 {
		return validationf("transaction total must be positive")
	}
	return nil
}

func validateReference(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return validationf("reference_id is required")
	}
	if len(ref) > maxReferenceLen {
		return validationf("reference_id must be at most %d characters", maxReferenceLen)
	}
	return nil
}

var (
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("ledger: validation failed")
	// ErrNotFound indicates a missing ledger, account or transaction.
	ErrNotFound = errors.New("ledger: not found")
	// ErrLedgerInactive rejects mutations against an inactive ledger.
	ErrLedgerInactive = errors.New("ledger: ledger inactive")
	// ErrDuplicate matches every DuplicateError.
	ErrDuplicate = errors.New("ledger: duplicate reference")
	// ErrInsufficientBalance matches every InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrNotReversible rejects reversing a transaction that is not completed.
	ErrNotReversible = errors.New("ledger: transaction cannot be reversed")
	// ErrReferenceConflict is returned by repositories when the reference
	// unique constraint fires.
	ErrReferenceConflict = errors.New("ledger: reference conflict")
)

// ValidationError is a caller-facing input error.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// DuplicateError reports that reference_id already exists on the ledger.
type DuplicateError struct {
	TransactionID uuid.UUID
	ReferenceID   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("ledger: reference %q already recorded as %s", e.ReferenceID, e.TransactionID)
}

// Is matches ErrDuplicate.
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// InsufficientBalanceError carries the computed balance components.
type InsufficientBalanceError struct {
	LedgerBalance int64
	HeldAmount    int64
	Available     int64
	Requested     int64
	Currency      string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: available %d, requested %d", e.Available, e.Requested)
}

// Is matches ErrInsufficientBalance.
func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }
