package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soledgic/soledgic/internal/platform/db"
)

const testDSNEnv = "SOLEDGIC_TEST_PG_DSN"

// pgLedger creates an active ledger in the database named by
// SOLEDGIC_TEST_PG_DSN and removes everything written under it afterwards.
func pgLedger(t *testing.T) (*pgxpool.Pool, uuid.UUID) {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	ctx := context.Background()
	pool, err := db.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))

	id := uuid.New()
	_, err = pool.Exec(ctx, `INSERT INTO ledgers (id, name, status, mode) VALUES ($1, 'repository-test', 'active', 'marketplace')`, id)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		for _, stmt := range []string{
			`DELETE FROM entries WHERE transaction_id IN (SELECT id FROM transactions WHERE ledger_id = $1)`,
			`DELETE FROM transactions WHERE ledger_id = $1`,
			`DELETE FROM held_funds WHERE ledger_id = $1`,
			`DELETE FROM accounts WHERE ledger_id = $1`,
			`DELETE FROM ledgers WHERE id = $1`,
		} {
			_, _ = pool.Exec(ctx, stmt, id)
		}
	})
	return pool, id
}

func fundPG(t *testing.T, svc *Service, ledgerID uuid.UUID, creator string, amount int64) Transaction {
	t.Helper()
	txn, err := svc.Post(context.Background(), PostingInput{
		LedgerID:    ledgerID,
		Type:        TypeAdjustment,
		ReferenceID: "fund-" + uuid.NewString(),
		Entries: []EntryInput{
			{AccountType: AccountCash, Direction: Debit, Amount: amount},
			{AccountType: AccountCreatorBalance, EntityID: creator, Direction: Credit, Amount: amount},
		},
	})
	require.NoError(t, err)
	return txn
}

func TestRepositoryConcurrentPayoutsNeverOverdraw(t *testing.T) {
	pool, ledgerID := pgLedger(t)
	ctx := context.Background()
	svc := NewService(NewRepository(pool), Options{})
	fundPG(t, svc, ledgerID, "cr_pg", 10000)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ProcessPayout(ctx, PayoutInput{
				LedgerID:    ledgerID,
				CreatorID:   "cr_pg",
				Amount:      3000,
				ReferenceID: uuid.NewString(),
			})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientBalance):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, successes)

	view, err := svc.Balance(ctx, ledgerID, "cr_pg")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, view.LedgerBalance)

	// Every committed payout copied both of its entries.
	var entries int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM entries e
JOIN transactions t ON t.id = e.transaction_id
WHERE t.ledger_id = $1 AND t.transaction_type = 'payout'`, ledgerID).Scan(&entries))
	assert.Equal(t, 2*successes, entries)
}

func TestRepositoryPayoutWaitsForReversal(t *testing.T) {
	pool, ledgerID := pgLedger(t)
	ctx := context.Background()
	svc := NewService(NewRepository(pool), Options{})
	fundPG(t, svc, ledgerID, "cr_pg", 4000)
	funding := fundPG(t, svc, ledgerID, "cr_pg", 6000)

	// Hold the creator row the way Reverse does, then start a payout that
	// would only fit if it read the balance before the reversal committed.
	repo := NewRepository(pool)
	payoutErr := make(chan error, 1)
	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetTransaction(ctx, ledgerID, funding.ID, true)
		if err != nil {
			return err
		}
		mirror := make([]Entry, 0, len(original.Entries))
		reversal := Transaction{
			ID: uuid.New(), LedgerID: ledgerID, Type: TypeReversal, ReferenceID: "reversal:" + funding.ID.String(),
			Status: StatusReversed, Amount: original.Amount, Currency: original.Currency, CreatedAt: time.Now().UTC(),
		}
		for _, e := range original.Entries {
			mirror = append(mirror, Entry{ID: uuid.New(), TransactionID: reversal.ID, AccountID: e.AccountID, AccountType: e.AccountType, EntityID: e.EntityID, Direction: opposite(e.Direction), Amount: e.Amount})
		}
		if err := lockDebitedCreators(ctx, tx, mirror); err != nil {
			return err
		}
		go func() {
			_, err := svc.ProcessPayout(context.Background(), PayoutInput{LedgerID: ledgerID, CreatorID: "cr_pg", Amount: 6000, ReferenceID: "po_after_reversal"})
			payoutErr <- err
		}()
		time.Sleep(100 * time.Millisecond)
		if err := writeTransaction(ctx, tx, &reversal, mirror); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, funding.ID, StatusReversed, reversal.ID)
	})
	require.NoError(t, err)

	select {
	case err := <-payoutErr:
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	case <-time.After(5 * time.Second):
		t.Fatal("payout did not finish")
	}
	view, err := svc.Balance(ctx, ledgerID, "cr_pg")
	require.NoError(t, err)
	assert.EqualValues(t, 4000, view.LedgerBalance)
}

func TestRepositoryReferenceConflict(t *testing.T) {
	pool, ledgerID := pgLedger(t)
	ctx := context.Background()
	repo := NewRepository(pool)
	svc := NewService(repo, Options{})
	first := fundPG(t, svc, ledgerID, "cr_pg", 500)

	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertTransaction(ctx, Transaction{
			ID: uuid.New(), LedgerID: ledgerID, Type: TypeAdjustment, ReferenceID: first.ReferenceID,
			Status: StatusCompleted, Amount: 500, Currency: first.Currency, CreatedAt: time.Now().UTC(),
		})
	})
	assert.ErrorIs(t, err, ErrReferenceConflict)

	_, err = svc.Post(ctx, PostingInput{
		LedgerID:    ledgerID,
		Type:        TypeAdjustment,
		ReferenceID: first.ReferenceID,
		Entries: []EntryInput{
			{AccountType: AccountCash, Direction: Debit, Amount: 500},
			{AccountType: AccountCreatorBalance, EntityID: "cr_pg", Direction: Credit, Amount: 500},
		},
	})
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.TransactionID)
}
