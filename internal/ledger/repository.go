package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soledgic/soledgic/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn at READ COMMITTED. Callers that need serialization take an
// explicit row lock first; each later statement then sees every transaction
// committed before the lock was granted.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{q: tx})
	})
}

// GetLedger loads a ledger outside any transaction.
func (r *Repository) GetLedger(ctx context.Context, id uuid.UUID) (Ledger, error) {
	return getLedger(ctx, r.pool, id, false)
}

// FindByReference loads a transaction by its reference id.
func (r *Repository) FindByReference(ctx context.Context, ledgerID uuid.UUID, ref string) (Transaction, error) {
	return scanTransaction(r.pool.QueryRow(ctx, selectTransaction+` WHERE ledger_id = $1 AND reference_id = $2`, ledgerID, ref))
}

// CreatorBalance returns the creator's entry-derived balance and open holds.
func (r *Repository) CreatorBalance(ctx context.Context, ledgerID uuid.UUID, creatorID string) (int64, int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(CASE WHEN e.direction = 'credit' THEN e.amount ELSE -e.amount END), 0)
FROM accounts a
JOIN entries e ON e.account_id = a.id
JOIN transactions t ON t.id = e.transaction_id
WHERE a.ledger_id = $1 AND a.account_type = 'creator_balance' AND a.entity_id = $2
  AND t.status NOT IN ('voided', 'reversed')`, ledgerID, creatorID).Scan(&balance)
	if err != nil {
		return 0, 0, err
	}
	held, err := heldAmount(ctx, r.pool, ledgerID, creatorID)
	if err != nil {
		return 0, 0, err
	}
	return balance, held, nil
}

type txRepository struct {
	q pgx.Tx
}

func (t *txRepository) GetLedger(ctx context.Context, id uuid.UUID, forUpdate bool) (Ledger, error) {
	return getLedger(ctx, t.q, id, forUpdate)
}

func (t *txRepository) EnsureAccount(ctx context.Context, ledgerID uuid.UUID, typ AccountType, entityID string) (Account, error) {
	name := string(typ)
	if entityID != "" {
		name = fmt.Sprintf("%s:%s", typ, entityID)
	}
	if _, err := t.q.Exec(ctx, `INSERT INTO accounts (id, ledger_id, account_type, entity_id, name)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT ON CONSTRAINT uq_accounts_entity DO NOTHING`, uuid.New(), ledgerID, string(typ), entityID, name); err != nil {
		return Account{}, err
	}
	acct := Account{LedgerID: ledgerID, Type: typ, EntityID: entityID}
	err := t.q.QueryRow(ctx, `SELECT id, name FROM accounts
WHERE ledger_id = $1 AND account_type = $2 AND entity_id = $3`, ledgerID, string(typ), entityID).Scan(&acct.ID, &acct.Name)
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (t *txRepository) LockAccount(ctx context.Context, accountID uuid.UUID) error {
	var id uuid.UUID
	err := t.q.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (t *txRepository) FindByReference(ctx context.Context, ledgerID uuid.UUID, ref string) (Transaction, error) {
	return scanTransaction(t.q.QueryRow(ctx, selectTransaction+` WHERE ledger_id = $1 AND reference_id = $2`, ledgerID, ref))
}

func (t *txRepository) GetTransaction(ctx context.Context, ledgerID, id uuid.UUID, forUpdate bool) (Transaction, error) {
	query := selectTransaction + ` WHERE ledger_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	txn, err := scanTransaction(t.q.QueryRow(ctx, query, ledgerID, id))
	if err != nil {
		return Transaction{}, err
	}
	rows, err := t.q.Query(ctx, `SELECT e.id, e.account_id, a.account_type, a.entity_id, e.direction, e.amount
FROM entries e
JOIN accounts a ON a.id = e.account_id
WHERE e.transaction_id = $1
ORDER BY e.created_at, e.id`, id)
	if err != nil {
		return Transaction{}, err
	}
	defer rows.Close()
	for rows.Next() {
		e := Entry{TransactionID: id}
		var typ, dir string
		if err := rows.Scan(&e.ID, &e.AccountID, &typ, &e.EntityID, &dir, &e.Amount); err != nil {
			return Transaction{}, err
		}
		e.AccountType = AccountType(typ)
		e.Direction = Direction(dir)
		txn.Entries = append(txn.Entries, e)
	}
	return txn, rows.Err()
}

func (t *txRepository) FindPayoutForUpdate(ctx context.Context, ledgerID uuid.UUID, ref string) (Transaction, error) {
	return scanTransaction(t.q.QueryRow(ctx, selectTransaction+`
WHERE ledger_id = $1 AND transaction_type = 'payout' AND (reference_id = $2 OR id::text = $2)
ORDER BY created_at
LIMIT 1
FOR UPDATE`, ledgerID, ref))
}

func (t *txRepository) FindRefundForUpdate(ctx context.Context, ledgerID uuid.UUID, resourceID, refundRef string) (Transaction, error) {
	return scanTransaction(t.q.QueryRow(ctx, selectTransaction+`
WHERE ledger_id = $1 AND transaction_type = 'refund'
  AND (($2 <> '' AND external_id = $2)
    OR ($3 <> '' AND (metadata->>'external_refund_id' = $3 OR reference_id = $3)))
ORDER BY created_at
LIMIT 1
FOR UPDATE`, ledgerID, resourceID, refundRef))
}

func (t *txRepository) InsertTransaction(ctx context.Context, txn Transaction) error {
	meta, err := json.Marshal(nonNilMeta(txn.Metadata))
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `INSERT INTO transactions
(id, ledger_id, transaction_type, reference_id, status, amount, currency, description, metadata, rail_status, external_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12, $12)`,
		txn.ID, txn.LedgerID, string(txn.Type), txn.ReferenceID, string(txn.Status), txn.Amount, txn.Currency,
		txn.Description, meta, string(txn.RailStatus), txn.ExternalID, txn.CreatedAt)
	if db.IsUniqueViolation(err, "uq_transactions_reference") {
		return ErrReferenceConflict
	}
	return err
}

func (t *txRepository) InsertEntries(ctx context.Context, entries []Entry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{e.ID, e.TransactionID, e.AccountID, string(e.Direction), e.Amount})
	}
	_, err := t.q.CopyFrom(ctx, pgx.Identifier{"entries"},
		[]string{"id", "transaction_id", "account_id", "direction", "amount"},
		pgx.CopyFromRows(rows))
	return err
}

func (t *txRepository) AccountBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := t.q.QueryRow(ctx, `SELECT COALESCE(SUM(CASE WHEN e.direction = 'credit' THEN e.amount ELSE -e.amount END), 0)
FROM entries e
JOIN transactions t ON t.id = e.transaction_id
WHERE e.account_id = $1 AND t.status NOT IN ('voided', 'reversed')`, accountID).Scan(&balance)
	return balance, err
}

func (t *txRepository) HeldAmount(ctx context.Context, ledgerID uuid.UUID, creatorID string) (int64, error) {
	return heldAmount(ctx, t.q, ledgerID, creatorID)
}

func (t *txRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reversedBy uuid.UUID) error {
	_, err := t.q.Exec(ctx, `UPDATE transactions
SET status = $2, reversed_by = COALESCE($3, reversed_by), updated_at = NOW()
WHERE id = $1`, id, string(status), nullUUID(reversedBy))
	return err
}

func (t *txRepository) UpdateRail(ctx context.Context, id uuid.UUID, rail RailStatus, externalID string) error {
	_, err := t.q.Exec(ctx, `UPDATE transactions
SET rail_status = $2, external_id = COALESCE(NULLIF($3, ''), external_id), updated_at = NOW()
WHERE id = $1`, id, string(rail), externalID)
	return err
}

func (t *txRepository) UpdateSettings(ctx context.Context, ledgerID uuid.UUID, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `UPDATE ledgers SET settings = $2, updated_at = NOW() WHERE id = $1`, ledgerID, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) InsertHold(ctx context.Context, hold HeldFund) (bool, error) {
	tag, err := t.q.Exec(ctx, `INSERT INTO held_funds (id, ledger_id, creator_id, reason, source_ref, held_amount, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT ON CONSTRAINT uq_held_funds_source DO NOTHING`,
		hold.ID, hold.LedgerID, hold.CreatorID, hold.Reason, hold.SourceRef, hold.HeldAmount, hold.Status, hold.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepository) GetHoldForUpdate(ctx context.Context, ledgerID uuid.UUID, sourceRef string) (HeldFund, error) {
	var h HeldFund
	err := t.q.QueryRow(ctx, `SELECT id, ledger_id, creator_id, reason, source_ref, held_amount, released_amount, status, created_at
FROM held_funds WHERE ledger_id = $1 AND source_ref = $2 FOR UPDATE`, ledgerID, sourceRef).
		Scan(&h.ID, &h.LedgerID, &h.CreatorID, &h.Reason, &h.SourceRef, &h.HeldAmount, &h.ReleasedAmount, &h.Status, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return HeldFund{}, ErrNotFound
	}
	return h, err
}

func (t *txRepository) UpdateHold(ctx context.Context, hold HeldFund) error {
	_, err := t.q.Exec(ctx, `UPDATE held_funds
SET released_amount = $2, status = $3, released_at = CASE WHEN $3 = 'released' THEN NOW() ELSE released_at END
WHERE id = $1`, hold.ID, hold.ReleasedAmount, hold.Status)
	return err
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getLedger(ctx context.Context, q rowQuerier, id uuid.UUID, forUpdate bool) (Ledger, error) {
	query := `SELECT id, name, status, mode, settings FROM ledgers WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var l Ledger
	var raw []byte
	if err := q.QueryRow(ctx, query, id).Scan(&l.ID, &l.Name, &l.Status, &l.Mode, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ledger{}, ErrNotFound
		}
		return Ledger{}, err
	}
	settings, err := ParseSettings(raw)
	if err != nil {
		return Ledger{}, err
	}
	l.Settings = settings
	return l, nil
}

func heldAmount(ctx context.Context, q rowQuerier, ledgerID uuid.UUID, creatorID string) (int64, error) {
	var held int64
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(held_amount - released_amount), 0)
FROM held_funds
WHERE ledger_id = $1 AND creator_id = $2 AND status <> 'released'`, ledgerID, creatorID).Scan(&held)
	return held, err
}

const selectTransaction = `SELECT id, ledger_id, transaction_type, reference_id, status, amount, currency, description,
metadata, COALESCE(rail_status, ''), COALESCE(external_id, ''), reversed_by, created_at
FROM transactions`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn        Transaction
		typ        string
		status     string
		rail       string
		meta       []byte
		reversedBy pgtype.UUID
		createdAt  time.Time
	)
	err := row.Scan(&txn.ID, &txn.LedgerID, &typ, &txn.ReferenceID, &status, &txn.Amount, &txn.Currency,
		&txn.Description, &meta, &rail, &txn.ExternalID, &reversedBy, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	txn.Type = TransactionType(typ)
	txn.Status = Status(status)
	txn.RailStatus = RailStatus(rail)
	txn.CreatedAt = createdAt
	if reversedBy.Valid {
		txn.ReversedBy = uuid.UUID(reversedBy.Bytes)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &txn.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("ledger: decode metadata: %w", err)
		}
	}
	return txn, nil
}

func nullUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func nonNilMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxRepository   = (*txRepository)(nil)
)
