package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/soledgic/soledgic/internal/notify"
)

// ReverseInput requests a reversal of a completed transaction.
type ReverseInput struct {
	LedgerID      uuid.UUID
	TransactionID uuid.UUID
	// ReferenceID defaults to "reversal:<transaction id>".
	ReferenceID string
	Reason      string
	Actor       Actor
}

// Reverse writes a mirror transaction and marks the original reversed. Both
// halves carry the reversed status so neither contributes to balances; the
// mirror entries remain as the correction record.
func (s *Service) Reverse(ctx context.Context, in ReverseInput) (Transaction, error) {
	if in.TransactionID == uuid.Nil {
		return Transaction{}, validationf("transaction_id is required")
	}
	ref := strings.TrimSpace(in.ReferenceID)
	if ref == "" {
		ref = "reversal:" + in.TransactionID.String()
	}
	if err := validateReference(ref); err != nil {
		return Transaction{}, err
	}
	var reversal Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := activeLedger(ctx, tx, in.LedgerID); err != nil {
			return err
		}
		original, err := tx.GetTransaction(ctx, in.LedgerID, in.TransactionID, true)
		if err != nil {
			return err
		}
		if original.Status != StatusCompleted && original.Status != StatusPending {
			return ErrNotReversible
		}
		if err := ensureUnused(ctx, tx, in.LedgerID, ref); err != nil {
			return err
		}
		reversal = Transaction{
			ID:          uuid.New(),
			LedgerID:    in.LedgerID,
			Type:        TypeReversal,
			ReferenceID: ref,
			Status:      StatusReversed,
			Amount:      original.Amount,
			Currency:    original.Currency,
			Description: in.Reason,
			Metadata: map[string]any{
				"reverses":              original.ID.String(),
				"original_reference_id": original.ReferenceID,
				"reason":                in.Reason,
			},
			CreatedAt: s.now().UTC(),
		}
		mirror := make([]Entry, 0, len(original.Entries))
		for _, e := range original.Entries {
			mirror = append(mirror, Entry{
				ID:            uuid.New(),
				TransactionID: reversal.ID,
				AccountID:     e.AccountID,
				AccountType:   e.AccountType,
				EntityID:      e.EntityID,
				Direction:     opposite(e.Direction),
				Amount:        e.Amount,
			})
		}
		if err := lockDebitedCreators(ctx, tx, mirror); err != nil {
			return err
		}
		if err := writeTransaction(ctx, tx, &reversal, mirror); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, original.ID, StatusReversed, reversal.ID)
	})
	if err != nil {
		return Transaction{}, s.resolveConflict(ctx, in.LedgerID, ref, err)
	}
	data := s.eventData(reversal)
	data["reversed_transaction_id"] = in.TransactionID.String()
	s.afterCommit(ctx, reversal, in.Actor, notify.EventTransactionReversed, data)
	return reversal, nil
}

func opposite(d Direction) Direction {
	if d == Debit {
		return Credit
	}
	return Debit
}

// RefundInput requests a refund against a recorded sale.
type RefundInput struct {
	LedgerID      uuid.UUID
	SaleReference string
	ReferenceID   string
	Amount        int64
	// ExternalRefundID is the processor's refund id, used to match rail updates.
	ExternalRefundID string
	Reason           string
	Actor            Actor
}

// RecordRefund books a refund pending settlement on the rail. The creator and
// platform give back their shares pro rata; the creator's share rounds down.
func (s *Service) RecordRefund(ctx context.Context, in RefundInput) (Transaction, error) {
	if in.Amount <= 0 {
		return Transaction{}, validationf("amount must be positive")
	}
	if strings.TrimSpace(in.SaleReference) == "" {
		return Transaction{}, validationf("sale_reference is required")
	}
	in.ReferenceID = strings.TrimSpace(in.ReferenceID)
	if err := validateReference(in.ReferenceID); err != nil {
		return Transaction{}, err
	}
	var refund Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := activeLedger(ctx, tx, in.LedgerID); err != nil {
			return err
		}
		if err := ensureUnused(ctx, tx, in.LedgerID, in.ReferenceID); err != nil {
			return err
		}
		found, err := tx.FindByReference(ctx, in.LedgerID, in.SaleReference)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return validationf("sale %q not found", in.SaleReference)
			}
			return err
		}
		sale, err := tx.GetTransaction(ctx, in.LedgerID, found.ID, true)
		if err != nil {
			return err
		}
		if sale.Type != TypeSale || sale.Status != StatusCompleted {
			return validationf("sale %q cannot be refunded", in.SaleReference)
		}
		if in.Amount > sale.Amount {
			return validationf("amount exceeds the sale amount")
		}

		var creatorCredit int64
		var creatorAccount Entry
		revenueType := AccountRevenue
		for _, e := range sale.Entries {
			switch {
			case e.AccountType == AccountCreatorBalance && e.Direction == Credit:
				creatorCredit += e.Amount
				creatorAccount = e
			case e.AccountType == AccountPlatformRevenue && e.Direction == Credit:
				revenueType = AccountPlatformRevenue
			}
		}
		creatorShare := decimal.NewFromInt(creatorCredit).
			Mul(decimal.NewFromInt(in.Amount)).
			Div(decimal.NewFromInt(sale.Amount)).
			Floor().IntPart()

		refund = Transaction{
			ID:          uuid.New(),
			LedgerID:    in.LedgerID,
			Type:        TypeRefund,
			ReferenceID: in.ReferenceID,
			Status:      StatusCompleted,
			Amount:      in.Amount,
			Currency:    sale.Currency,
			Description: in.Reason,
			RailStatus:  RailPending,
			ExternalID:  in.ExternalRefundID,
			Metadata: map[string]any{
				"original_transaction_id": sale.ID.String(),
				"sale_reference":          sale.ReferenceID,
				"external_refund_id":      in.ExternalRefundID,
				"reason":                  in.Reason,
			},
			CreatedAt: s.now().UTC(),
		}
		cash, err := tx.EnsureAccount(ctx, in.LedgerID, AccountCash, "")
		if err != nil {
			return err
		}
		revenue, err := tx.EnsureAccount(ctx, in.LedgerID, revenueType, "")
		if err != nil {
			return err
		}
		entries := []Entry{
			{ID: uuid.New(), TransactionID: refund.ID, AccountID: cash.ID, AccountType: AccountCash, Direction: Credit, Amount: in.Amount},
		}
		if creatorShare > 0 {
			entries = append(entries, Entry{ID: uuid.New(), TransactionID: refund.ID, AccountID: creatorAccount.AccountID, AccountType: AccountCreatorBalance, EntityID: creatorAccount.EntityID, Direction: Debit, Amount: creatorShare})
		}
		if rest := in.Amount - creatorShare; rest > 0 {
			entries = append(entries, Entry{ID: uuid.New(), TransactionID: refund.ID, AccountID: revenue.ID, AccountType: revenueType, Direction: Debit, Amount: rest})
		}
		if err := lockDebitedCreators(ctx, tx, entries); err != nil {
			return err
		}
		return writeTransaction(ctx, tx, &refund, entries)
	})
	if err != nil {
		return Transaction{}, s.resolveConflict(ctx, in.LedgerID, in.ReferenceID, err)
	}
	s.afterCommit(ctx, refund, in.Actor, notify.EventRefundCreated, s.eventData(refund))
	return refund, nil
}
