package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the Postgres Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectPolicy = `SELECT id, ledger_id, policy_type, severity, priority, config, is_active, created_at FROM risk_policies`

// ActivePolicies returns the ledger's active policies by priority.
func (r *Repository) ActivePolicies(ctx context.Context, ledgerID uuid.UUID) ([]Policy, error) {
	return r.queryPolicies(ctx, selectPolicy+` WHERE ledger_id = $1 AND is_active ORDER BY priority, created_at`, ledgerID)
}

// ListPolicies returns the same set as ActivePolicies; retired rows are kept
// only for history.
func (r *Repository) ListPolicies(ctx context.Context, ledgerID uuid.UUID) ([]Policy, error) {
	return r.ActivePolicies(ctx, ledgerID)
}

func (r *Repository) queryPolicies(ctx context.Context, sql string, args ...any) ([]Policy, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Policy
	for rows.Next() {
		var (
			p      Policy
			typ    string
			sev    string
			config []byte
		)
		if err := rows.Scan(&p.ID, &p.LedgerID, &typ, &sev, &p.Priority, &config, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		rule, err := DecodeRule(PolicyType(typ), config)
		if err != nil {
			return nil, fmt.Errorf("risk: policy %s: %w", p.ID, err)
		}
		p.Rule = rule
		p.Severity = Severity(sev)
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPolicy stores p.
func (r *Repository) InsertPolicy(ctx context.Context, p Policy) error {
	config, err := json.Marshal(p.Rule)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO risk_policies (id, ledger_id, policy_type, severity, priority, config, is_active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, p.ID, p.LedgerID, string(p.Rule.Type()), string(p.Severity), p.Priority, config, p.Active, p.CreatedAt)
	return err
}

// DeactivatePolicy retires an active policy.
func (r *Repository) DeactivatePolicy(ctx context.Context, ledgerID, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE risk_policies SET is_active = FALSE WHERE ledger_id = $1 AND id = $2 AND is_active`, ledgerID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const selectEvaluation = `SELECT id, ledger_id, idempotency_key, signal, factors, proposal, valid_until, created_at FROM risk_evaluations`

func scanEvaluation(row pgx.Row) (Evaluation, error) {
	var (
		e        Evaluation
		signal   string
		factors  []byte
		proposal []byte
	)
	if err := row.Scan(&e.ID, &e.LedgerID, &e.IdempotencyKey, &signal, &factors, &proposal, &e.ValidUntil, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Evaluation{}, ErrNotFound
		}
		return Evaluation{}, err
	}
	e.Signal = Signal(signal)
	if err := json.Unmarshal(factors, &e.Factors); err != nil {
		return Evaluation{}, fmt.Errorf("risk: decode factors: %w", err)
	}
	if err := json.Unmarshal(proposal, &e.Proposal); err != nil {
		return Evaluation{}, fmt.Errorf("risk: decode proposal: %w", err)
	}
	return e, nil
}

// FindEvaluation returns the unexpired evaluation stored under key.
func (r *Repository) FindEvaluation(ctx context.Context, ledgerID uuid.UUID, key string, now time.Time) (Evaluation, error) {
	return scanEvaluation(r.pool.QueryRow(ctx, selectEvaluation+` WHERE ledger_id = $1 AND idempotency_key = $2 AND valid_until > $3`, ledgerID, key, now))
}

// SaveEvaluation stores eval, replacing an expired row for the same key. When
// an unexpired row already exists it is returned unchanged.
func (r *Repository) SaveEvaluation(ctx context.Context, eval Evaluation, now time.Time) (Evaluation, error) {
	factors, err := json.Marshal(nonNilFactors(eval.Factors))
	if err != nil {
		return Evaluation{}, err
	}
	proposal, err := json.Marshal(eval.Proposal)
	if err != nil {
		return Evaluation{}, err
	}
	stored, err := scanEvaluation(r.pool.QueryRow(ctx, `INSERT INTO risk_evaluations (id, ledger_id, idempotency_key, signal, factors, proposal, valid_until, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (ledger_id, idempotency_key) DO UPDATE
SET id = EXCLUDED.id, signal = EXCLUDED.signal, factors = EXCLUDED.factors, proposal = EXCLUDED.proposal,
    valid_until = EXCLUDED.valid_until, created_at = EXCLUDED.created_at
WHERE risk_evaluations.valid_until <= $9
RETURNING id, ledger_id, idempotency_key, signal, factors, proposal, valid_until, created_at`,
		eval.ID, eval.LedgerID, eval.IdempotencyKey, string(eval.Signal), factors, proposal, eval.ValidUntil, eval.CreatedAt, now))
	if errors.Is(err, ErrNotFound) {
		return r.FindEvaluation(ctx, eval.LedgerID, eval.IdempotencyKey, now)
	}
	return stored, err
}

func nonNilFactors(f []Factor) []Factor {
	if f == nil {
		return []Factor{}
	}
	return f
}

// PurgeExpired deletes evaluations that are no longer valid.
func (r *Repository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM risk_evaluations WHERE valid_until <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InstrumentValid reports whether ref names a non-invalidated instrument,
// matched by id or external reference.
func (r *Repository) InstrumentValid(ctx context.Context, ledgerID uuid.UUID, ref string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
    SELECT 1 FROM authorizing_instruments
    WHERE ledger_id = $1 AND (id::text = $2 OR reference = $2) AND invalidated_at IS NULL
)`, ledgerID, ref).Scan(&ok)
	return ok, err
}

// ExpenseTotal sums live expense postings in [from, to), optionally for one
// category.
func (r *Repository) ExpenseTotal(ctx context.Context, ledgerID uuid.UUID, from, to time.Time, category string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)
FROM transactions
WHERE ledger_id = $1 AND transaction_type = 'expense' AND status = 'completed'
  AND created_at >= $2 AND created_at < $3
  AND ($4 = '' OR LOWER(metadata->>'category') = LOWER($4))`, ledgerID, from, to, category).Scan(&total)
	return total, err
}

// CashBalance returns the debit balance of the ledger's cash account.
func (r *Repository) CashBalance(ctx context.Context, ledgerID uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(CASE WHEN e.direction = 'debit' THEN e.amount ELSE -e.amount END), 0)
FROM accounts a
JOIN entries e ON e.account_id = a.id
JOIN transactions t ON t.id = e.transaction_id
WHERE a.ledger_id = $1 AND a.account_type = 'cash' AND t.status NOT IN ('voided', 'reversed')`, ledgerID).Scan(&balance)
	return balance, err
}

// PendingObligations sums pending obligations due on or after from.
func (r *Repository) PendingObligations(ctx context.Context, ledgerID uuid.UUID, from time.Time) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)
FROM pending_obligations
WHERE ledger_id = $1 AND status = 'pending' AND due_date >= $2::date`, ledgerID, from).Scan(&total)
	return total, err
}

var _ Store = (*Repository)(nil)
