package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/audit"
	"github.com/soledgic/soledgic/internal/shared"
)

// RailUpdate reports the effect of a processor status on a transaction.
type RailUpdate struct {
	TransactionID uuid.UUID
	ReferenceID   string
	Amount        int64
	Currency      string
	Metadata      map[string]any
	Previous      RailStatus
	Current       RailStatus
	// Changed is false when the status was already recorded, would move the
	// rail backwards, or arrives after a terminal status.
	Changed bool
}

// FirstTerminal reports whether this update moved the transaction into a
// terminal rail status for the first time.
func (u RailUpdate) FirstTerminal() bool {
	return u.Changed && u.Current.Terminal() && !u.Previous.Terminal()
}

func railRank(s RailStatus) int {
	switch s {
	case RailProcessing:
		return 1
	case RailCompleted, RailFailed:
		return 2
	default:
		return 0
	}
}

// ApplyPayoutRail records the rail status of the payout identified by ref,
// which may be its transaction id or reference id. A payout that fails on the
// rail is voided so the amount returns to the creator's balance.
func (s *Service) ApplyPayoutRail(ctx context.Context, ledgerID uuid.UUID, ref string, rail RailStatus, externalID string) (RailUpdate, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return RailUpdate{}, validationf("payout reference is required")
	}
	return s.applyRail(ctx, ledgerID, rail, externalID, func(ctx context.Context, tx TxRepository) (Transaction, error) {
		return tx.FindPayoutForUpdate(ctx, ledgerID, ref)
	})
}

// ApplyRefundRail records the rail status of a refund matched by the
// processor resource id or the stored external refund id.
func (s *Service) ApplyRefundRail(ctx context.Context, ledgerID uuid.UUID, resourceID, refundRef string, rail RailStatus) (RailUpdate, error) {
	if resourceID == "" && refundRef == "" {
		return RailUpdate{}, validationf("refund reference is required")
	}
	return s.applyRail(ctx, ledgerID, rail, resourceID, func(ctx context.Context, tx TxRepository) (Transaction, error) {
		return tx.FindRefundForUpdate(ctx, ledgerID, resourceID, refundRef)
	})
}

func (s *Service) applyRail(ctx context.Context, ledgerID uuid.UUID, rail RailStatus, externalID string, find func(context.Context, TxRepository) (Transaction, error)) (RailUpdate, error) {
	if railRank(rail) == 0 && rail != RailPending {
		return RailUpdate{}, validationf("unknown rail status %q", rail)
	}
	var upd RailUpdate
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		txn, err := find(ctx, tx)
		if err != nil {
			return err
		}
		upd = RailUpdate{
			TransactionID: txn.ID,
			ReferenceID:   txn.ReferenceID,
			Amount:        txn.Amount,
			Currency:      txn.Currency,
			Metadata:      txn.Metadata,
			Previous:      txn.RailStatus,
			Current:       txn.RailStatus,
		}
		// completed and failed are final; a late event for the other one
		// must not void money that already left or revive a voided payout.
		if txn.RailStatus == rail || txn.RailStatus.Terminal() || railRank(rail) < railRank(txn.RailStatus) {
			return nil
		}
		if externalID == "" {
			externalID = txn.ExternalID
		}
		if err := tx.UpdateRail(ctx, txn.ID, rail, externalID); err != nil {
			return err
		}
		if rail == RailFailed && txn.Status == StatusCompleted {
			if err := tx.UpdateStatus(ctx, txn.ID, StatusVoided, uuid.Nil); err != nil {
				return err
			}
		}
		upd.Current = rail
		upd.Changed = true
		return nil
	})
	if err != nil {
		return RailUpdate{}, err
	}
	if upd.Changed {
		s.record(ctx, Actor{Type: shared.ActorSystem, ID: "processor"}, audit.Entry{
			LedgerID:   ledgerID,
			Action:     "transaction.rail_status",
			EntityType: "transaction",
			EntityID:   upd.TransactionID.String(),
			RequestBody: map[string]any{
				"previous": string(upd.Previous),
				"current":  string(upd.Current),
			},
		})
	}
	return upd, nil
}

// HoldInput places a dispute hold against a creator.
type HoldInput struct {
	LedgerID  uuid.UUID
	CreatorID string
	Amount    int64
	SourceRef string
	Reason    string
}

// ErrHoldsDisabled is returned when the ledger has dispute holds turned off.
var ErrHoldsDisabled = errors.New("ledger: dispute holds disabled")

// PlaceDisputeHold withholds amount from the creator's available balance. It
// is keyed by SourceRef, so a redelivered dispute places nothing and returns
// placed=false.
func (s *Service) PlaceDisputeHold(ctx context.Context, in HoldInput) (HeldFund, bool, error) {
	if strings.TrimSpace(in.CreatorID) == "" {
		return HeldFund{}, false, validationf("creator_id is required")
	}
	if in.Amount <= 0 {
		return HeldFund{}, false, validationf("hold amount must be positive")
	}
	if strings.TrimSpace(in.SourceRef) == "" {
		return HeldFund{}, false, validationf("source reference is required")
	}
	hold := HeldFund{
		ID:         uuid.New(),
		LedgerID:   in.LedgerID,
		CreatorID:  in.CreatorID,
		Reason:     in.Reason,
		SourceRef:  in.SourceRef,
		HeldAmount: in.Amount,
		Status:     "held",
		CreatedAt:  s.now().UTC(),
	}
	var placed bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ledger, err := tx.GetLedger(ctx, in.LedgerID, false)
		if err != nil {
			return err
		}
		if !ledger.Settings.DisputeHoldsEnabled {
			return ErrHoldsDisabled
		}
		placed, err = tx.InsertHold(ctx, hold)
		return err
	})
	if err != nil {
		return HeldFund{}, false, err
	}
	if placed {
		s.record(ctx, Actor{Type: shared.ActorSystem, ID: "processor"}, audit.Entry{
			LedgerID:   in.LedgerID,
			Action:     "held_fund.placed",
			EntityType: "held_fund",
			EntityID:   hold.ID.String(),
			RequestBody: map[string]any{
				"creator_id": in.CreatorID,
				"amount":     in.Amount,
				"source_ref": in.SourceRef,
			},
		})
	}
	return hold, placed, nil
}

// ReleaseDisputeHold releases amount (or everything outstanding when amount
// is zero) of the hold keyed by sourceRef.
func (s *Service) ReleaseDisputeHold(ctx context.Context, ledgerID uuid.UUID, sourceRef string, amount int64) (HeldFund, bool, error) {
	if amount < 0 {
		return HeldFund{}, false, validationf("release amount must not be negative")
	}
	var hold HeldFund
	var released bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		hold, err = tx.GetHoldForUpdate(ctx, ledgerID, sourceRef)
		if err != nil {
			return err
		}
		outstanding := hold.Outstanding()
		if outstanding <= 0 {
			return nil
		}
		if amount == 0 || amount > outstanding {
			amount = outstanding
		}
		hold.ReleasedAmount += amount
		hold.Status = "partially_released"
		if hold.ReleasedAmount == hold.HeldAmount {
			hold.Status = "released"
		}
		released = true
		return tx.UpdateHold(ctx, hold)
	})
	if err != nil {
		return HeldFund{}, false, err
	}
	if released {
		s.record(ctx, Actor{Type: shared.ActorSystem, ID: "processor"}, audit.Entry{
			LedgerID:   ledgerID,
			Action:     "held_fund.released",
			EntityType: "held_fund",
			EntityID:   hold.ID.String(),
			RequestBody: map[string]any{
				"released_amount": hold.ReleasedAmount,
				"status":          hold.Status,
			},
		})
	}
	return hold, released, nil
}
