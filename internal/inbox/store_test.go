package inbox

import (
	"context"
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

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	pool, err := db.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(context.Background(), pool))
	return pool
}

func TestPGStoreClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)

	store := NewPGStore(pool)
	prefix := "claim-test-" + uuid.NewString()[:8] + "-"
	const total = 40
	for i := 0; i < total; i++ {
		ok, err := store.Insert(ctx, Incoming{EventID: prefix + uuid.NewString(), EventType: "test", Payload: []byte(`{}`)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM processor_webhook_inbox WHERE event_id LIKE $1`, prefix+"%")
	})

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rows, err := store.ClaimBatch(ctx, 7)
				if err != nil || len(rows) == 0 {
					return
				}
				mu.Lock()
				for _, r := range rows {
					seen[r.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	mine := 0
	for id, n := range seen {
		assert.Equal(t, 1, n, "row %d claimed %d times", id, n)
		var eventID string
		require.NoError(t, pool.QueryRow(ctx, `SELECT event_id FROM processor_webhook_inbox WHERE id = $1`, id).Scan(&eventID))
		if len(eventID) > len(prefix) && eventID[:len(prefix)] == prefix {
			mine++
		}
	}
	assert.Equal(t, total, mine)

	dup, err := store.Insert(ctx, Incoming{EventID: prefix + "dup", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.True(t, dup)
	dup, err = store.Insert(ctx, Incoming{EventID: prefix + "dup", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestPGStoreReclaimsExpiredClaims(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)
	store := NewPGStore(pool).WithClaimLease(time.Minute)

	eventID := "lease-test-" + uuid.NewString()
	ok, err := store.Insert(ctx, Incoming{EventID: eventID, EventType: "test", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.True(t, ok)
	var id int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT id FROM processor_webhook_inbox WHERE event_id = $1`, eventID).Scan(&id))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM processor_webhook_inbox WHERE id = $1`, id)
	})

	claim := func() (Row, bool) {
		rows, err := store.ClaimBatch(ctx, 500)
		require.NoError(t, err)
		for _, r := range rows {
			if r.ID == id {
				return r, true
			}
		}
		return Row{}, false
	}

	first, found := claim()
	require.True(t, found)
	assert.Equal(t, 1, first.Attempts)

	_, found = claim()
	assert.False(t, found, "a live claim must not be taken again")

	_, err = pool.Exec(ctx, `UPDATE processor_webhook_inbox SET claimed_at = NOW() - INTERVAL '2 minutes' WHERE id = $1`, id)
	require.NoError(t, err)

	again, found := claim()
	require.True(t, found, "an expired claim returns to the queue")
	assert.Equal(t, 2, again.Attempts)
}
