package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/ledger"
	"github.com/soledgic/soledgic/internal/notify"
	"github.com/soledgic/soledgic/internal/platform/money"
)

// LedgerPort is the subset of ledger.Service the pipeline drives.
type LedgerPort interface {
	ApplyPayoutRail(ctx context.Context, ledgerID uuid.UUID, ref string, rail ledger.RailStatus, externalID string) (ledger.RailUpdate, error)
	ApplyRefundRail(ctx context.Context, ledgerID uuid.UUID, resourceID, refundRef string, rail ledger.RailStatus) (ledger.RailUpdate, error)
	PlaceDisputeHold(ctx context.Context, in ledger.HoldInput) (ledger.HeldFund, bool, error)
	ReleaseDisputeHold(ctx context.Context, ledgerID uuid.UUID, sourceRef string, amount int64) (ledger.HeldFund, bool, error)
	Settings(ctx context.Context, ledgerID uuid.UUID) (ledger.Settings, error)
}

// Notifier queues tenant notifications.
type Notifier interface {
	Publish(ctx context.Context, evt notify.Event) error
}

// Observer records per-row outcomes.
type Observer interface {
	ObserveInbox(outcome string)
}

// DefaultBatchSize is used when a run does not set a limit.
const DefaultBatchSize = 50

// MaxBatchSize caps one run.
const MaxBatchSize = 500

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Store    Store
	Ledger   LedgerPort
	Notifier Notifier
	Adapters *Registry
	// Adapter names the default adapter; a ledger's processor_adapter setting
	// overrides it for that ledger's rows.
	Adapter  string
	Observer Observer
	Logger   *slog.Logger
}

// Pipeline claims, normalizes and applies inbox rows.
type Pipeline struct {
	store    Store
	ledger   LedgerPort
	notifier Notifier
	adapters *Registry
	adapter  string
	observer Observer
	logger   *slog.Logger
}

// NewPipeline builds a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		adapters: cfg.Adapters,
		adapter:  cfg.Adapter,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}
	if p.adapters == nil {
		p.adapters = NewRegistry()
	}
	if p.adapter == "" {
		p.adapter = DefaultAdapterName
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Adapter returns the configured default adapter name.
func (p *Pipeline) Adapter() string { return p.adapter }

// RunOptions bounds a run.
type RunOptions struct {
	Limit  int
	DryRun bool
}

// RunResult counts row outcomes for one run.
type RunResult struct {
	Adapter        string `json:"adapter"`
	DryRun         bool   `json:"dry_run"`
	Pending        int    `json:"pending,omitempty"`
	Claimed        int    `json:"claimed"`
	Processed      int    `json:"processed"`
	Failed         int    `json:"failed"`
	Skipped        int    `json:"skipped"`
	WebhooksQueued int    `json:"webhooks_queued"`
}

// Run claims one batch and applies every row. A row failure is recorded on
// the row and never stops the batch; only a failed claim returns an error.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	if limit > MaxBatchSize {
		limit = MaxBatchSize
	}
	res := RunResult{Adapter: p.adapter, DryRun: opts.DryRun}
	if opts.DryRun {
		pending, err := p.store.CountPending(ctx)
		if err != nil {
			return res, fmt.Errorf("inbox: count pending: %w", err)
		}
		res.Pending = pending
		return res, nil
	}

	rows, err := p.store.ClaimBatch(ctx, limit)
	if err != nil {
		return res, fmt.Errorf("inbox: claim batch: %w", err)
	}
	res.Claimed = len(rows)
	for _, row := range rows {
		out := p.processRow(ctx, row)
		res.WebhooksQueued += out.queued
		switch out.status {
		case StatusProcessed:
			res.Processed++
		case StatusSkipped:
			res.Skipped++
		default:
			res.Failed++
		}
		p.observe(out.status)
	}
	if res.Claimed > 0 {
		p.logger.Info("processor inbox run",
			slog.String("adapter", res.Adapter),
			slog.Int("claimed", res.Claimed),
			slog.Int("processed", res.Processed),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped),
			slog.Int("webhooks_queued", res.WebhooksQueued))
	}
	return res, nil
}

type rowOutcome struct {
	status string
	txnID  uuid.UUID
	queued int
	reason string
}

// errSkip marks rows that are valid but have nothing to apply.
type errSkip struct{ reason string }

func (e errSkip) Error() string { return e.reason }

func (p *Pipeline) processRow(ctx context.Context, row Row) rowOutcome {
	logger := p.logger.With(slog.Int64("inbox_id", row.ID), slog.String("event_id", row.EventID))

	evt, err := p.normalize(ctx, row)
	if err != nil {
		return p.fail(ctx, logger, row, NormalizedEvent{EventID: row.EventID, LedgerID: row.LedgerID, Kind: KindUnknown}, err)
	}
	out, err := p.apply(ctx, evt)
	var skip errSkip
	switch {
	case errors.As(err, &skip):
		out.status = StatusSkipped
		out.reason = skip.reason
		if markErr := p.store.MarkSkipped(ctx, row.ID, skip.reason); markErr != nil {
			logger.Error("mark skipped", slog.Any("error", markErr))
		}
	case err != nil:
		return p.fail(ctx, logger, row, evt, err)
	default:
		out.status = StatusProcessed
		if markErr := p.store.MarkProcessed(ctx, row.ID, out.txnID); markErr != nil {
			logger.Error("mark processed", slog.Any("error", markErr))
		}
	}
	p.saveEvent(ctx, logger, EventRecord{
		InboxID:          row.ID,
		Event:            evt,
		ProcessingStatus: out.status,
		TransactionID:    out.txnID,
		Error:            out.reason,
	})
	return out
}

func (p *Pipeline) fail(ctx context.Context, logger *slog.Logger, row Row, evt NormalizedEvent, err error) rowOutcome {
	final := row.Attempts >= MaxAttempts
	logger.Warn("processor event failed",
		slog.String("kind", string(evt.Kind)),
		slog.Int("attempts", row.Attempts),
		slog.Bool("final", final),
		slog.Any("error", err))
	if markErr := p.store.MarkFailed(ctx, row.ID, err.Error(), final); markErr != nil {
		logger.Error("mark failed", slog.Any("error", markErr))
	}
	p.saveEvent(ctx, logger, EventRecord{InboxID: row.ID, Event: evt, ProcessingStatus: StatusFailed, Error: err.Error()})
	return rowOutcome{status: StatusFailed, reason: err.Error()}
}

func (p *Pipeline) saveEvent(ctx context.Context, logger *slog.Logger, rec EventRecord) {
	if rec.Event.Tags == nil {
		rec.Event.Tags = map[string]string{}
	}
	if err := p.store.SaveEvent(ctx, rec); err != nil {
		logger.Error("save processor event", slog.Any("error", err))
	}
}

func (p *Pipeline) normalize(ctx context.Context, row Row) (NormalizedEvent, error) {
	name := p.adapter
	if row.LedgerID != uuid.Nil && p.ledger != nil {
		if settings, err := p.ledger.Settings(ctx, row.LedgerID); err == nil && settings.ProcessorAdapter != "" {
			name = settings.ProcessorAdapter
		}
	}
	adapter, err := p.adapters.Get(name)
	if err != nil {
		return NormalizedEvent{}, err
	}
	return adapter.Normalize(row)
}

func (p *Pipeline) apply(ctx context.Context, evt NormalizedEvent) (rowOutcome, error) {
	if evt.LedgerID == uuid.Nil {
		return rowOutcome{}, errSkip{reason: "ledger not identified"}
	}
	switch eff := evt.Effect().(type) {
	case PayoutEffect:
		return p.applyPayout(ctx, evt, eff)
	case RefundEffect:
		return p.applyRefund(ctx, evt, eff)
	case DisputeEffect:
		return p.applyDispute(ctx, evt, eff)
	case RecordOnly:
		if evt.ResourceID == "" {
			return rowOutcome{}, errSkip{reason: "no resource id to record"}
		}
		return rowOutcome{}, p.store.UpsertProcessorTransaction(ctx, evt)
	default:
		return rowOutcome{}, fmt.Errorf("inbox: unhandled effect %T", eff)
	}
}

func (p *Pipeline) applyPayout(ctx context.Context, evt NormalizedEvent, eff PayoutEffect) (rowOutcome, error) {
	if eff.PayoutRef == "" {
		return rowOutcome{}, errors.New("payout event carries no payout reference")
	}
	if eff.Rail == "" {
		return rowOutcome{}, errSkip{reason: fmt.Sprintf("unrecognized payout status %q", evt.RawStatus)}
	}
	upd, err := p.ledger.ApplyPayoutRail(ctx, evt.LedgerID, eff.PayoutRef, eff.Rail, evt.ResourceID)
	if err != nil {
		return rowOutcome{}, err
	}
	out := rowOutcome{txnID: upd.TransactionID}
	if !upd.FirstTerminal() {
		return out, nil
	}
	typ := notify.EventPayoutExecuted
	if upd.Current == ledger.RailFailed {
		typ = notify.EventPayoutFailed
	}
	out.queued = p.publish(ctx, evt.LedgerID, typ, map[string]any{
		"transaction_id": upd.TransactionID.String(),
		"reference_id":   upd.ReferenceID,
		"amount":         money.Major(upd.Amount, upd.Currency),
		"currency":       upd.Currency,
		"rail_status":    string(upd.Current),
		"processor_id":   evt.ResourceID,
		"creator_id":     upd.Metadata["creator_id"],
	})
	return out, nil
}

func (p *Pipeline) applyRefund(ctx context.Context, evt NormalizedEvent, eff RefundEffect) (rowOutcome, error) {
	if eff.ResourceID == "" && eff.RefundRef == "" {
		return rowOutcome{}, errors.New("refund event carries no refund reference")
	}
	if eff.Rail == "" {
		return rowOutcome{}, errSkip{reason: fmt.Sprintf("unrecognized refund status %q", evt.RawStatus)}
	}
	upd, err := p.ledger.ApplyRefundRail(ctx, evt.LedgerID, eff.ResourceID, eff.RefundRef, eff.Rail)
	if err != nil {
		return rowOutcome{}, err
	}
	out := rowOutcome{txnID: upd.TransactionID}
	if upd.FirstTerminal() && upd.Current == ledger.RailCompleted {
		out.queued = p.publish(ctx, evt.LedgerID, notify.EventSaleRefunded, map[string]any{
			"transaction_id":          upd.TransactionID.String(),
			"reference_id":            upd.ReferenceID,
			"amount":                  money.Major(upd.Amount, upd.Currency),
			"currency":                upd.Currency,
			"original_transaction_id": upd.Metadata["original_transaction_id"],
		})
	}
	return out, nil
}

func (p *Pipeline) applyDispute(ctx context.Context, evt NormalizedEvent, eff DisputeEffect) (rowOutcome, error) {
	if eff.SourceRef == "" {
		return rowOutcome{}, errors.New("dispute event carries no dispute id")
	}
	switch eff.Phase {
	case DisputeOpened:
		if eff.CreatorID == "" {
			return rowOutcome{}, errSkip{reason: "dispute not attributed to a creator"}
		}
		hold, placed, err := p.ledger.PlaceDisputeHold(ctx, ledger.HoldInput{
			LedgerID:  evt.LedgerID,
			CreatorID: eff.CreatorID,
			Amount:    eff.Amount,
			SourceRef: eff.SourceRef,
			Reason:    "dispute",
		})
		if errors.Is(err, ledger.ErrHoldsDisabled) {
			return rowOutcome{}, nil
		}
		if err != nil || !placed {
			return rowOutcome{}, err
		}
		return rowOutcome{queued: p.publish(ctx, evt.LedgerID, notify.EventDisputeHoldPlaced, holdData(hold))}, nil
	case DisputeWon, DisputeClosed:
		hold, released, err := p.ledger.ReleaseDisputeHold(ctx, evt.LedgerID, eff.SourceRef, 0)
		if errors.Is(err, ledger.ErrNotFound) {
			return rowOutcome{}, nil
		}
		if err != nil || !released {
			return rowOutcome{}, err
		}
		return rowOutcome{queued: p.publish(ctx, evt.LedgerID, notify.EventDisputeHoldReleased, holdData(hold))}, nil
	default:
		return rowOutcome{}, nil
	}
}

func holdData(h ledger.HeldFund) map[string]any {
	return map[string]any{
		"hold_id":         h.ID.String(),
		"creator_id":      h.CreatorID,
		"dispute_id":      h.SourceRef,
		"held_amount":     h.HeldAmount,
		"released_amount": h.ReleasedAmount,
		"status":          h.Status,
	}
}

func (p *Pipeline) publish(ctx context.Context, ledgerID uuid.UUID, typ notify.EventType, data map[string]any) int {
	if p.notifier == nil {
		return 0
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.notifier.Publish(pubCtx, notify.NewEvent(ledgerID, typ, data)); err != nil {
		p.logger.Warn("notification enqueue failed", slog.String("event", string(typ)), slog.Any("error", err))
		return 0
	}
	return 1
}

func (p *Pipeline) observe(outcome string) {
	if p.observer != nil {
		p.observer.ObserveInbox(outcome)
	}
}
