package audit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soledgic/soledgic/internal/shared"
)

// Repository writes into audit_log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns a new Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists the entry. Rows are never updated or deleted.
func (r *Repository) Insert(ctx context.Context, entry Entry) error {
	if r == nil || r.pool == nil {
		return errors.New("audit repository not initialised")
	}
	if entry.Action == "" || entry.ActorType == "" {
		return errors.New("audit entry requires action and actor type")
	}
	body := entry.RequestBody
	if body == nil {
		body = map[string]any{}
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var ledgerID *uuid.UUID
	if entry.LedgerID != uuid.Nil {
		ledgerID = &entry.LedgerID
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO audit_log (ledger_id, action, actor_type, actor_id, ip_address, user_agent, request_id, entity_type, entity_id, risk_score, request_body, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ledgerID, entry.Action, string(entry.ActorType), entry.ActorID, entry.IP, shared.Truncate(entry.UserAgent, 256),
		entry.RequestID, entry.EntityType, entry.EntityID, entry.RiskScore, bodyJSON, entry.At)
	return err
}

