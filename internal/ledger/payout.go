package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/notify"
	"github.com/soledgic/soledgic/internal/platform/money"
)

// PayoutInput requests moving a creator's available balance out of the ledger.
type PayoutInput struct {
	LedgerID    uuid.UUID
	CreatorID   string
	Amount      int64
	ReferenceID string
	Fees        int64
	// FeesPaidBy overrides the ledger default when set.
	FeesPaidBy  string
	Description string
	Metadata    map[string]any
	Actor       Actor
}

// PayoutResult describes an executed payout.
type PayoutResult struct {
	Transaction     Transaction
	Gross           int64
	Fees            int64
	NetToCreator    int64
	FeesPaidBy      string
	PreviousBalance int64
	NewBalance      int64
}

func (in PayoutInput) validate() error {
	if in.LedgerID == uuid.Nil {
		return validationf("ledger is required")
	}
	if strings.TrimSpace(in.CreatorID) == "" {
		return validationf("creator_id is required")
	}
	if in.Amount <= 0 {
		return validationf("amount must be a positive integer in minor units")
	}
	if in.Fees < 0 {
		return validationf("fees must not be negative")
	}
	switch in.FeesPaidBy {
	case "", FeesPaidByCreator, FeesPaidByPlatform:
	default:
		return validationf("fees_paid_by must be one of: creator platform")
	}
	if in.FeesPaidBy != FeesPaidByPlatform && in.Fees > in.Amount {
		return validationf("fees must not exceed amount")
	}
	return validateReference(in.ReferenceID)
}

// ProcessPayout debits the creator's balance and credits cash. The balance
// read, the check and the write happen in one transaction that first locks the
// creator's account row, so concurrent payouts for the same creator serialize
// and a second request with an in-flight reference resolves to the duplicate
// path once the first commits.
func (s *Service) ProcessPayout(ctx context.Context, in PayoutInput) (PayoutResult, error) {
	in.ReferenceID = strings.TrimSpace(in.ReferenceID)
	in.CreatorID = strings.TrimSpace(in.CreatorID)
	if err := in.validate(); err != nil {
		return PayoutResult{}, err
	}

	var res PayoutResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ledger, err := activeLedger(ctx, tx, in.LedgerID)
		if err != nil {
			return err
		}
		if minimum := ledger.Settings.MinPayoutAmount; minimum > 0 && in.Amount < minimum {
			return validationf("amount is below the minimum payout of %d", minimum)
		}
		currency, err := resolveCurrency("", ledger.Settings)
		if err != nil {
			return err
		}
		creator, err := tx.EnsureAccount(ctx, in.LedgerID, AccountCreatorBalance, in.CreatorID)
		if err != nil {
			return err
		}
		if err := tx.LockAccount(ctx, creator.ID); err != nil {
			return err
		}
		if err := ensureUnused(ctx, tx, in.LedgerID, in.ReferenceID); err != nil {
			return err
		}
		balance, err := tx.AccountBalance(ctx, creator.ID)
		if err != nil {
			return err
		}
		held, err := tx.HeldAmount(ctx, in.LedgerID, in.CreatorID)
		if err != nil {
			return err
		}
		available := balance - held
		if available < in.Amount {
			return &InsufficientBalanceError{
				LedgerBalance: balance,
				HeldAmount:    held,
				Available:     available,
				Requested:     in.Amount,
				Currency:      currency,
			}
		}

		bearer := in.FeesPaidBy
		if bearer == "" {
			bearer = ledger.Settings.FeeBearer()
		}
		if bearer == FeesPaidByCreator && in.Fees > in.Amount {
			return validationf("fees must not exceed amount")
		}
		cash, err := tx.EnsureAccount(ctx, in.LedgerID, AccountCash, "")
		if err != nil {
			return err
		}

		net := in.Amount
		cashOut := in.Amount
		if bearer == FeesPaidByCreator {
			net = in.Amount - in.Fees
		} else {
			cashOut = in.Amount + in.Fees
		}

		meta := copyMeta(in.Metadata)
		meta["creator_id"] = in.CreatorID
		meta["fees"] = in.Fees
		meta["fees_paid_by"] = bearer
		meta["net_to_creator"] = net

		txn := Transaction{
			ID:          uuid.New(),
			LedgerID:    in.LedgerID,
			Type:        TypePayout,
			ReferenceID: in.ReferenceID,
			Status:      StatusCompleted,
			Amount:      in.Amount,
			Currency:    currency,
			Description: in.Description,
			Metadata:    meta,
			RailStatus:  RailPending,
			CreatedAt:   s.now().UTC(),
		}
		entries := []Entry{
			{ID: uuid.New(), TransactionID: txn.ID, AccountID: creator.ID, AccountType: AccountCreatorBalance, EntityID: in.CreatorID, Direction: Debit, Amount: in.Amount},
			{ID: uuid.New(), TransactionID: txn.ID, AccountID: cash.ID, AccountType: AccountCash, Direction: Credit, Amount: cashOut},
		}
		if bearer == FeesPaidByPlatform && in.Fees > 0 {
			fees, err := tx.EnsureAccount(ctx, in.LedgerID, AccountProcessingFees, "")
			if err != nil {
				return err
			}
			entries = append(entries, Entry{ID: uuid.New(), TransactionID: txn.ID, AccountID: fees.ID, AccountType: AccountProcessingFees, Direction: Debit, Amount: in.Fees})
		}
		if err := writeTransaction(ctx, tx, &txn, entries); err != nil {
			return err
		}
		res = PayoutResult{
			Transaction:     txn,
			Gross:           in.Amount,
			Fees:            in.Fees,
			NetToCreator:    net,
			FeesPaidBy:      bearer,
			PreviousBalance: balance,
			NewBalance:      balance - in.Amount,
		}
		return nil
	})
	if err != nil {
		return PayoutResult{}, s.resolveConflict(ctx, in.LedgerID, in.ReferenceID, err)
	}

	data := s.eventData(res.Transaction)
	data["creator_id"] = in.CreatorID
	data["net_to_creator"] = money.Major(res.NetToCreator, res.Transaction.Currency)
	s.afterCommit(ctx, res.Transaction, in.Actor, notify.EventPayoutCreated, data)
	return res, nil
}
