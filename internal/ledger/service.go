package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/soledgic/soledgic/internal/audit"
	"github.com/soledgic/soledgic/internal/notify"
	"github.com/soledgic/soledgic/internal/platform/background"
	"github.com/soledgic/soledgic/internal/platform/money"
	"github.com/soledgic/soledgic/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLedger(ctx context.Context, id uuid.UUID) (Ledger, error)
	FindByReference(ctx context.Context, ledgerID uuid.UUID, ref string) (Transaction, error)
	CreatorBalance(ctx context.Context, ledgerID uuid.UUID, creatorID string) (balance int64, held int64, err error)
}

// TxRepository exposes the statements that run inside one transaction.
type TxRepository interface {
	GetLedger(ctx context.Context, id uuid.UUID, forUpdate bool) (Ledger, error)
	EnsureAccount(ctx context.Context, ledgerID uuid.UUID, typ AccountType, entityID string) (Account, error)
	LockAccount(ctx context.Context, accountID uuid.UUID) error
	FindByReference(ctx context.Context, ledgerID uuid.UUID, ref string) (Transaction, error)
	GetTransaction(ctx context.Context, ledgerID, id uuid.UUID, forUpdate bool) (Transaction, error)
	FindPayoutForUpdate(ctx context.Context, ledgerID uuid.UUID, ref string) (Transaction, error)
	FindRefundForUpdate(ctx context.Context, ledgerID uuid.UUID, resourceID, refundRef string) (Transaction, error)
	InsertTransaction(ctx context.Context, txn Transaction) error
	InsertEntries(ctx context.Context, entries []Entry) error
	AccountBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	HeldAmount(ctx context.Context, ledgerID uuid.UUID, creatorID string) (int64, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reversedBy uuid.UUID) error
	UpdateRail(ctx context.Context, id uuid.UUID, rail RailStatus, externalID string) error
	UpdateSettings(ctx context.Context, ledgerID uuid.UUID, settings Settings) error
	InsertHold(ctx context.Context, hold HeldFund) (bool, error)
	GetHoldForUpdate(ctx context.Context, ledgerID uuid.UUID, sourceRef string) (HeldFund, error)
	UpdateHold(ctx context.Context, hold HeldFund) error
}

// Notifier publishes outbound webhook events.
type Notifier interface {
	Publish(ctx context.Context, evt notify.Event) error
}

// AuditPort records financial actions.
type AuditPort interface {
	Record(ctx context.Context, entry audit.Entry)
}

// URLValidator checks a webhook destination before it is stored.
type URLValidator func(raw string) error

// Service coordinates postings, payouts and rail updates.
type Service struct {
	repo        RepositoryPort
	notifier    Notifier
	audit       AuditPort
	tasks       *background.Queue
	validateURL URLValidator
	logger      *slog.Logger
	now         func() time.Time
}

// Options holds the optional collaborators.
type Options struct {
	Notifier    Notifier
	Audit       AuditPort
	Tasks       *background.Queue
	ValidateURL URLValidator
	Logger      *slog.Logger
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		notifier:    opts.Notifier,
		audit:       opts.Audit,
		tasks:       opts.Tasks,
		validateURL: opts.ValidateURL,
		logger:      logger,
		now:         time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Post records a balanced transaction. A reused reference_id yields a
// *DuplicateError carrying the existing transaction id.
func (s *Service) Post(ctx context.Context, in PostingInput) (Transaction, error) {
	return s.post(ctx, in, notify.EventTransactionRecorded)
}

func (s *Service) post(ctx context.Context, in PostingInput, event notify.EventType) (Transaction, error) {
	in.ReferenceID = strings.TrimSpace(in.ReferenceID)
	if err := in.Validate(); err != nil {
		return Transaction{}, err
	}
	var txn Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ledger, err := activeLedger(ctx, tx, in.LedgerID)
		if err != nil {
			return err
		}
		if err := ensureUnused(ctx, tx, in.LedgerID, in.ReferenceID); err != nil {
			return err
		}
		txn, err = s.insertPosting(ctx, tx, ledger, in)
		return err
	})
	if err != nil {
		return Transaction{}, s.resolveConflict(ctx, in.LedgerID, in.ReferenceID, err)
	}
	s.afterCommit(ctx, txn, in.Actor, event, s.eventData(txn))
	return txn, nil
}

func activeLedger(ctx context.Context, tx TxRepository, id uuid.UUID) (Ledger, error) {
	ledger, err := tx.GetLedger(ctx, id, false)
	if err != nil {
		return Ledger{}, err
	}
	if !ledger.Active() {
		return Ledger{}, ErrLedgerInactive
	}
	return ledger, nil
}

func ensureUnused(ctx context.Context, tx TxRepository, ledgerID uuid.UUID, ref string) error {
	existing, err := tx.FindByReference(ctx, ledgerID, ref)
	switch {
	case err == nil:
		return &DuplicateError{TransactionID: existing.ID, ReferenceID: ref}
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return err
	}
}

// resolveConflict turns a unique violation raised at insert time, which means
// a concurrent request won the race, into the duplicate result.
func (s *Service) resolveConflict(ctx context.Context, ledgerID uuid.UUID, ref string, err error) error {
	if !errors.Is(err, ErrReferenceConflict) {
		return err
	}
	existing, lookupErr := s.repo.FindByReference(ctx, ledgerID, ref)
	if lookupErr != nil {
		return fmt.Errorf("ledger: resolve duplicate %q: %w", ref, lookupErr)
	}
	return &DuplicateError{TransactionID: existing.ID, ReferenceID: ref}
}

func (s *Service) insertPosting(ctx context.Context, tx TxRepository, ledger Ledger, in PostingInput) (Transaction, error) {
	currency, err := resolveCurrency(in.Currency, ledger.Settings)
	if err != nil {
		return Transaction{}, err
	}
	status := StatusCompleted
	txn := Transaction{
		ID:          uuid.New(),
		LedgerID:    in.LedgerID,
		Type:        in.Type,
		ReferenceID: in.ReferenceID,
		Status:      status,
		Amount:      in.Amount,
		Currency:    currency,
		Description: in.Description,
		Metadata:    in.Metadata,
		RailStatus:  in.RailStatus,
		ExternalID:  in.ExternalID,
		CreatedAt:   s.now().UTC(),
	}
	if txn.Amount == 0 {
		txn.Amount = debitTotal(in.Entries)
	}
	entries := make([]Entry, 0, len(in.Entries))
	for _, e := range in.Entries {
		if e.Amount == 0 {
			continue
		}
		account, err := tx.EnsureAccount(ctx, in.LedgerID, e.AccountType, e.EntityID)
		if err != nil {
			return Transaction{}, err
		}
		entries = append(entries, Entry{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			AccountID:     account.ID,
			AccountType:   e.AccountType,
			EntityID:      e.EntityID,
			Direction:     e.Direction,
			Amount:        e.Amount,
		})
	}
	if err := lockDebitedCreators(ctx, tx, entries); err != nil {
		return Transaction{}, err
	}
	if err := writeTransaction(ctx, tx, &txn, entries); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// lockDebitedCreators takes the row lock on every creator balance the entries
// debit, in account id order, so a payout for the same creator reads the
// balance only after this transaction commits.
func lockDebitedCreators(ctx context.Context, tx TxRepository, entries []Entry) error {
	ids := make([]uuid.UUID, 0, 1)
	for _, e := range entries {
		if e.AccountType != AccountCreatorBalance || e.Direction != Debit || slices.Contains(ids, e.AccountID) {
			continue
		}
		ids = append(ids, e.AccountID)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	for _, id := range ids {
		if err := tx.LockAccount(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func writeTransaction(ctx context.Context, tx TxRepository, txn *Transaction, entries []Entry) error {
	if err := tx.InsertTransaction(ctx, *txn); err != nil {
		return err
	}
	if err := tx.InsertEntries(ctx, entries); err != nil {
		return err
	}
	txn.Entries = entries
	return nil
}

func resolveCurrency(requested string, settings Settings) (string, error) {
	code := requested
	if code == "" {
		code = settings.Currency
	}
	normalized, err := money.NormalizeCurrency(code)
	if err != nil {
		return "", validationf("currency %q is not a valid ISO 4217 code", requested)
	}
	return normalized, nil
}

func debitTotal(entries []EntryInput) int64 {
	var total int64
	for _, e := range entries {
		if e.Direction == Debit {
			total += e.Amount
		}
	}
	return total
}

// IncomeInput records money received outside a sale.
type IncomeInput struct {
	LedgerID    uuid.UUID
	ReferenceID string
	Amount      int64
	Currency    string
	Description string
	Category    string
	Metadata    map[string]any
	Actor       Actor
}

// RecordIncome debits cash and credits revenue.
func (s *Service) RecordIncome(ctx context.Context, in IncomeInput) (Transaction, error) {
	if in.Amount <= 0 {
		return Transaction{}, validationf("amount must be positive")
	}
	return s.post(ctx, PostingInput{
		LedgerID:    in.LedgerID,
		Type:        TypeIncome,
		ReferenceID: in.ReferenceID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Description: in.Description,
		Metadata:    withCategory(in.Metadata, in.Category),
		Actor:       in.Actor,
		Entries: []EntryInput{
			{AccountType: AccountCash, Direction: Debit, Amount: in.Amount},
			{AccountType: AccountRevenue, Direction: Credit, Amount: in.Amount},
		},
	}, notify.EventIncomeRecorded)
}

// RecordExpense debits expense and credits cash.
func (s *Service) RecordExpense(ctx context.Context, in IncomeInput) (Transaction, error) {
	if in.Amount <= 0 {
		return Transaction{}, validationf("amount must be positive")
	}
	return s.post(ctx, PostingInput{
		LedgerID:    in.LedgerID,
		Type:        TypeExpense,
		ReferenceID: in.ReferenceID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Description: in.Description,
		Metadata:    withCategory(in.Metadata, in.Category),
		Actor:       in.Actor,
		Entries: []EntryInput{
			{AccountType: AccountExpense, Direction: Debit, Amount: in.Amount},
			{AccountType: AccountCash, Direction: Credit, Amount: in.Amount},
		},
	}, notify.EventExpenseRecorded)
}

func withCategory(meta map[string]any, category string) map[string]any {
	category = strings.TrimSpace(category)
	if category == "" {
		return meta
	}
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["category"] = category
	return out
}

// SaleInput records a sale, optionally split with a creator.
type SaleInput struct {
	LedgerID       uuid.UUID
	ReferenceID    string
	CreatorID      string
	Amount         int64
	CreatorPercent *int
	ProcessingFee  int64
	Currency       string
	Description    string
	Metadata       map[string]any
	Actor          Actor
}

// SaleResult is the posted sale and its split.
type SaleResult struct {
	Transaction    Transaction
	CreatorAmount  int64
	PlatformAmount int64
	ProcessingFee  int64
}

// RecordSale books gross proceeds to cash net of processing fees and splits
// revenue between the creator and the platform.
func (s *Service) RecordSale(ctx context.Context, in SaleInput) (SaleResult, error) {
	if in.Amount <= 0 {
		return SaleResult{}, validationf("amount must be positive")
	}
	if in.ProcessingFee < 0 || in.ProcessingFee > in.Amount {
		return SaleResult{}, validationf("processing_fee must be between 0 and amount")
	}
	ledger, err := s.repo.GetLedger(ctx, in.LedgerID)
	if err != nil {
		return SaleResult{}, err
	}
	percent := ledger.Settings.CreatorPercent()
	if in.CreatorPercent != nil {
		percent = *in.CreatorPercent
	}
	if percent < 0 || percent > 100 {
		return SaleResult{}, validationf("creator_percent must be between 0 and 100")
	}

	res := SaleResult{ProcessingFee: in.ProcessingFee}
	entries := []EntryInput{
		{AccountType: AccountCash, Direction: Debit, Amount: in.Amount - in.ProcessingFee},
		{AccountType: AccountProcessingFees, Direction: Debit, Amount: in.ProcessingFee},
	}
	if in.CreatorID == "" {
		res.PlatformAmount = in.Amount
		entries = append(entries, EntryInput{AccountType: AccountRevenue, Direction: Credit, Amount: in.Amount})
	} else {
		res.CreatorAmount = decimal.NewFromInt(in.Amount).
			Mul(decimal.NewFromInt(int64(percent))).
			Div(decimal.NewFromInt(100)).
			Floor().IntPart()
		res.PlatformAmount = in.Amount - res.CreatorAmount
		entries = append(entries,
			EntryInput{AccountType: AccountCreatorBalance, EntityID: in.CreatorID, Direction: Credit, Amount: res.CreatorAmount},
			EntryInput{AccountType: AccountPlatformRevenue, Direction: Credit, Amount: res.PlatformAmount},
		)
	}
	meta := copyMeta(in.Metadata)
	if in.CreatorID != "" {
		meta["creator_id"] = in.CreatorID
		meta["creator_percent"] = percent
	}
	txn, err := s.post(ctx, PostingInput{
		LedgerID:    in.LedgerID,
		Type:        TypeSale,
		ReferenceID: in.ReferenceID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Description: in.Description,
		Metadata:    meta,
		Actor:       in.Actor,
		Entries:     entries,
	}, notify.EventSaleCreated)
	if err != nil {
		return SaleResult{}, err
	}
	res.Transaction = txn
	return res, nil
}

func copyMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// BalanceView is a creator's balance broken into its components.
type BalanceView struct {
	CreatorID     string
	LedgerBalance int64
	HeldAmount    int64
	Available     int64
	Currency      string
}

// Balance returns the creator's derived balance.
func (s *Service) Balance(ctx context.Context, ledgerID uuid.UUID, creatorID string) (BalanceView, error) {
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return BalanceView{}, validationf("creator_id is required")
	}
	ledger, err := s.repo.GetLedger(ctx, ledgerID)
	if err != nil {
		return BalanceView{}, err
	}
	balance, held, err := s.repo.CreatorBalance(ctx, ledgerID, creatorID)
	if err != nil {
		return BalanceView{}, err
	}
	currency, _ := resolveCurrency("", ledger.Settings)
	return BalanceView{
		CreatorID:     creatorID,
		LedgerBalance: balance,
		HeldAmount:    held,
		Available:     balance - held,
		Currency:      currency,
	}, nil
}

// UpdateSettings merges patch into the ledger's settings.
func (s *Service) UpdateSettings(ctx context.Context, ledgerID uuid.UUID, patch SettingsPatch, actor Actor) (Settings, error) {
	if err := settingsValidator.Struct(patch); err != nil {
		return Settings{}, validationFromValidator(err)
	}
	var merged Settings
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ledger, err := tx.GetLedger(ctx, ledgerID, true)
		if err != nil {
			return err
		}
		if !ledger.Active() {
			return ErrLedgerInactive
		}
		merged = ledger.Settings.Apply(patch)
		if err := merged.Validate(); err != nil {
			return err
		}
		if merged.WebhookURL != "" && s.validateURL != nil {
			if err := s.validateURL(merged.WebhookURL); err != nil {
				return validationf("webhook_url is not an allowed destination")
			}
		}
		return tx.UpdateSettings(ctx, ledgerID, merged)
	})
	if err != nil {
		return Settings{}, err
	}
	s.record(ctx, actor, audit.Entry{
		LedgerID:    ledgerID,
		Action:      "ledger.settings_updated",
		EntityType:  "ledger",
		EntityID:    ledgerID.String(),
		RequestBody: audit.Redact(patchSummary(patch)),
	})
	return merged, nil
}

func patchSummary(p SettingsPatch) map[string]any {
	out := map[string]any{}
	if p.FeesPaidBy != nil {
		out["fees_paid_by"] = *p.FeesPaidBy
	}
	if p.DisputeHoldsEnabled != nil {
		out["dispute_holds_enabled"] = *p.DisputeHoldsEnabled
	}
	if p.WebhookURL != nil {
		out["webhook_url"] = *p.WebhookURL
	}
	if p.ProcessorAdapter != nil {
		out["processor_adapter"] = *p.ProcessorAdapter
	}
	if p.DefaultCreatorPercent != nil {
		out["default_creator_percent"] = *p.DefaultCreatorPercent
	}
	if p.MinPayoutAmount != nil {
		out["min_payout_amount"] = *p.MinPayoutAmount
	}
	if p.Currency != nil {
		out["currency"] = *p.Currency
	}
	return out
}

// Settings returns the ledger's typed settings.
func (s *Service) Settings(ctx context.Context, ledgerID uuid.UUID) (Settings, error) {
	ledger, err := s.repo.GetLedger(ctx, ledgerID)
	if err != nil {
		return Settings{}, err
	}
	return ledger.Settings, nil
}

// WebhookDestination returns the configured webhook URL, or "" when unset.
func (s *Service) WebhookDestination(ctx context.Context, ledgerID uuid.UUID) (string, error) {
	settings, err := s.Settings(ctx, ledgerID)
	if err != nil {
		return "", err
	}
	return settings.WebhookURL, nil
}

// afterCommit fans out the best-effort side effects of a committed mutation.
func (s *Service) afterCommit(ctx context.Context, txn Transaction, actor Actor, event notify.EventType, data map[string]any) {
	s.record(ctx, actor, audit.Entry{
		LedgerID:   txn.LedgerID,
		Action:     "transaction." + string(txn.Type),
		EntityType: "transaction",
		EntityID:   txn.ID.String(),
		RequestBody: audit.Redact(map[string]any{
			"reference_id": txn.ReferenceID,
			"amount":       txn.Amount,
			"currency":     txn.Currency,
			"metadata":     txn.Metadata,
		}),
	})
	if event != "" {
		s.Publish(notify.NewEvent(txn.LedgerID, event, data))
	}
}

// Publish hands evt to the notifier on the background queue. It never blocks
// and never fails the caller.
func (s *Service) Publish(evt notify.Event) {
	if s.notifier == nil {
		return
	}
	run := func(ctx context.Context) error {
		return s.notifier.Publish(ctx, evt)
	}
	if s.tasks == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := run(ctx); err != nil {
			s.logger.Warn("notification publish failed", slog.String("event", string(evt.Type)), slog.Any("error", err))
		}
		return
	}
	s.tasks.Go("notify:"+string(evt.Type), run)
}

func (s *Service) record(ctx context.Context, actor Actor, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	entry.ActorType = actor.Type
	if entry.ActorType == "" {
		entry.ActorType = shared.ActorSystem
	}
	entry.ActorID = actor.ID
	entry.IP = actor.IP
	entry.UserAgent = actor.UserAgent
	entry.RequestID = actor.RequestID
	entry.At = s.now()
	s.audit.Record(ctx, entry)
}

func (s *Service) eventData(txn Transaction) map[string]any {
	return map[string]any{
		"transaction_id":   txn.ID.String(),
		"reference_id":     txn.ReferenceID,
		"transaction_type": string(txn.Type),
		"amount":           money.Major(txn.Amount, txn.Currency),
		"currency":         txn.Currency,
		"metadata":         txn.Metadata,
	}
}
