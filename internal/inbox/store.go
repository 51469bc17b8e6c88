package inbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soledgic/soledgic/internal/shared"
)

// Store persists inbox rows and their derived records.
type Store interface {
	Insert(ctx context.Context, in Incoming) (bool, error)
	ClaimBatch(ctx context.Context, limit int) ([]Row, error)
	CountPending(ctx context.Context) (int, error)
	MarkProcessed(ctx context.Context, id int64, txnID uuid.UUID) error
	MarkSkipped(ctx context.Context, id int64, reason string) error
	MarkFailed(ctx context.Context, id int64, msg string, final bool) error
	SaveEvent(ctx context.Context, rec EventRecord) error
	UpsertProcessorTransaction(ctx context.Context, evt NormalizedEvent) error
}

// Incoming is a verified webhook ready to be stored.
type Incoming struct {
	EventID   string
	EventType string
	LedgerID  uuid.UUID
	Headers   map[string]string
	Payload   []byte
}

// EventRecord is the normalized form kept next to the inbox row.
type EventRecord struct {
	InboxID          int64
	Event            NormalizedEvent
	ProcessingStatus string
	TransactionID    uuid.UUID
	Error            string
}

const maxErrorLen = 500

// DefaultClaimLease is how long a claimed row may stay unresolved before
// another run claims it again.
const DefaultClaimLease = 5 * time.Minute

// PGStore is the Postgres Store.
type PGStore struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

// NewPGStore builds a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, lease: DefaultClaimLease}
}

// WithClaimLease overrides DefaultClaimLease. Non-positive values are ignored.
func (s *PGStore) WithClaimLease(d time.Duration) *PGStore {
	if d > 0 {
		s.lease = d
	}
	return s
}

// Insert stores a webhook once per event id and reports whether it was new.
func (s *PGStore) Insert(ctx context.Context, in Incoming) (bool, error) {
	headers, err := json.Marshal(in.Headers)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO processor_webhook_inbox (event_id, event_type, ledger_id, headers, payload)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (event_id) DO NOTHING`, in.EventID, in.EventType, nullUUID(in.LedgerID), headers, in.Payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimBatch moves up to limit rows to claimed in one statement. Pending rows
// qualify, and so do claimed rows whose lease ran out because the run that
// held them died or could not record an outcome. SKIP LOCKED lets concurrent
// workers pass over rows another worker is claiming, so each row goes to
// exactly one of them.
func (s *PGStore) ClaimBatch(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.pool.Query(ctx, `UPDATE processor_webhook_inbox
SET status = 'claimed', claimed_at = NOW(), attempts = attempts + 1
WHERE id IN (
    SELECT id FROM processor_webhook_inbox
    WHERE status = 'pending'
       OR (status = 'claimed' AND claimed_at < NOW() - make_interval(secs => $2))
    ORDER BY received_at, id
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, event_id, event_type, ledger_id, payload, attempts, received_at`, limit, s.lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var (
			r        Row
			ledgerID pgtype.UUID
		)
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &ledgerID, &r.Payload, &r.Attempts, &r.ReceivedAt); err != nil {
			return nil, err
		}
		if ledgerID.Valid {
			r.LedgerID = uuid.UUID(ledgerID.Bytes)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountPending reports how many rows await a claim.
func (s *PGStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM processor_webhook_inbox WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// MarkProcessed finalises a row.
func (s *PGStore) MarkProcessed(ctx context.Context, id int64, txnID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE processor_webhook_inbox
SET status = 'processed', transaction_id = $2, error = NULL, processed_at = NOW()
WHERE id = $1`, id, nullUUID(txnID))
	return err
}

// MarkSkipped finalises a row that needs no ledger work.
func (s *PGStore) MarkSkipped(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `UPDATE processor_webhook_inbox
SET status = 'skipped', error = $2, processed_at = NOW()
WHERE id = $1`, id, shared.Truncate(reason, maxErrorLen))
	return err
}

// MarkFailed records the error. Unless final, the row returns to pending for
// the next run.
func (s *PGStore) MarkFailed(ctx context.Context, id int64, msg string, final bool) error {
	status := StatusPending
	if final {
		status = StatusFailed
	}
	_, err := s.pool.Exec(ctx, `UPDATE processor_webhook_inbox
SET status = $2, error = $3, processed_at = CASE WHEN $2 = 'failed' THEN NOW() ELSE processed_at END
WHERE id = $1`, id, status, shared.Truncate(msg, maxErrorLen))
	return err
}

// SaveEvent upserts the normalized record for an inbox row.
func (s *PGStore) SaveEvent(ctx context.Context, rec EventRecord) error {
	tags, err := json.Marshal(rec.Event.Tags)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO processor_events
(inbox_id, ledger_id, kind, status, resource_id, amount, currency, tags, occurred_at, processing_status, transaction_id, error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), NOW())
ON CONFLICT (inbox_id) DO UPDATE SET
    kind = EXCLUDED.kind,
    status = EXCLUDED.status,
    processing_status = EXCLUDED.processing_status,
    transaction_id = EXCLUDED.transaction_id,
    error = EXCLUDED.error,
    updated_at = NOW()`,
		rec.InboxID, nullUUID(rec.Event.LedgerID), string(rec.Event.Kind), rec.Event.RawStatus, rec.Event.ResourceID,
		rec.Event.Amount, rec.Event.Currency, tags, nullTime(rec.Event.OccurredAt), rec.ProcessingStatus,
		nullUUID(rec.TransactionID), shared.Truncate(rec.Error, maxErrorLen))
	return err
}

// UpsertProcessorTransaction keeps the latest known state of a processor
// resource for reconciliation.
func (s *PGStore) UpsertProcessorTransaction(ctx context.Context, evt NormalizedEvent) error {
	tags, err := json.Marshal(evt.Tags)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO processor_transactions
(ledger_id, resource_id, kind, status, amount, currency, tags, occurred_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (ledger_id, resource_id) DO UPDATE SET
    kind = EXCLUDED.kind,
    status = EXCLUDED.status,
    amount = EXCLUDED.amount,
    currency = EXCLUDED.currency,
    tags = EXCLUDED.tags,
    occurred_at = COALESCE(EXCLUDED.occurred_at, processor_transactions.occurred_at),
    updated_at = NOW()`,
		evt.LedgerID, evt.ResourceID, string(evt.Kind), evt.RawStatus, evt.Amount, evt.Currency, tags, nullTime(evt.OccurredAt))
	return err
}

func nullUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func nullTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}


var _ Store = (*PGStore)(nil)
