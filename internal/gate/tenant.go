package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soledgic/soledgic/internal/shared"
)

// TenantStore resolves credentials to ledgers.
type TenantStore interface {
	LedgerByKeyHash(ctx context.Context, keyHash string) (shared.Tenant, error)
	LedgerByID(ctx context.Context, id uuid.UUID) (shared.Tenant, error)
}

// HashAPIKey returns the hex SHA-256 digest stored for an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// PGTenantStore implements TenantStore on Postgres.
type PGTenantStore struct {
	pool *pgxpool.Pool
}

// NewTenantStore constructs a PGTenantStore.
func NewTenantStore(pool *pgxpool.Pool) *PGTenantStore {
	return &PGTenantStore{pool: pool}
}

// LedgerByKeyHash finds the ledger owning a non-revoked key.
func (s *PGTenantStore) LedgerByKeyHash(ctx context.Context, keyHash string) (shared.Tenant, error) {
	var tenant shared.Tenant
	err := s.pool.QueryRow(ctx, `SELECT l.id, l.status, l.mode
FROM api_keys k
JOIN ledgers l ON l.id = k.ledger_id
WHERE k.key_hash = $1 AND k.revoked_at IS NULL`, keyHash).Scan(&tenant.LedgerID, &tenant.Status, &tenant.Mode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.Tenant{}, shared.ErrInvalidCredentials
		}
		return shared.Tenant{}, err
	}
	tenant.Actor = shared.ActorAPIKey
	tenant.KeyPrefix = keyHash[:8]
	return tenant, nil
}

// LedgerByID loads a ledger for internal callers.
func (s *PGTenantStore) LedgerByID(ctx context.Context, id uuid.UUID) (shared.Tenant, error) {
	var tenant shared.Tenant
	err := s.pool.QueryRow(ctx, `SELECT id, status, mode FROM ledgers WHERE id = $1`, id).
		Scan(&tenant.LedgerID, &tenant.Status, &tenant.Mode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.Tenant{}, shared.ErrNotFound
		}
		return shared.Tenant{}, err
	}
	tenant.Actor = shared.ActorInternal
	return tenant, nil
}

var _ TenantStore = (*PGTenantStore)(nil)
