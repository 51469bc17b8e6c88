package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soledgic/soledgic/internal/platform/background"
	"github.com/soledgic/soledgic/internal/shared"
)

type memoryStore struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (m *memoryStore) Insert(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryStore) snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

func TestSinkPersistsThroughQueue(t *testing.T) {
	store := &memoryStore{}
	queue := background.NewQueue(background.Options{Size: 4, Workers: 1})
	queue.Start()
	sink := NewSink(SinkConfig{Store: store, Queue: queue})

	sink.Record(context.Background(), Entry{Action: "payout.create", ActorType: shared.ActorAPIKey, RiskScore: 10})
	sink.Security(context.Background(), SecurityEvent{Type: EventSSRFAttempt, IP: "203.0.113.7", Endpoint: "egress"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, queue.Close(ctx))

	entries := store.snapshot()
	require.Len(t, entries, 2)
	actions := []string{entries[0].Action, entries[1].Action}
	assert.Contains(t, actions, "payout.create")
	assert.Contains(t, actions, "security.ssrf_attempt")
	for _, e := range entries {
		assert.False(t, e.At.IsZero())
		if e.Action == "security.ssrf_attempt" {
			assert.Equal(t, 90, e.RiskScore)
			assert.Equal(t, "egress", e.RequestBody["endpoint"])
		}
	}
}

func TestSinkSwallowsStoreFailures(t *testing.T) {
	store := &memoryStore{err: errors.New("db down")}
	sink := NewSink(SinkConfig{Store: store})
	assert.NotPanics(t, func() {
		sink.Record(context.Background(), Entry{Action: "sale.record", ActorType: shared.ActorAPIKey})
	})
}

func TestSinkThrottlesSecurityPersistence(t *testing.T) {
	store := &memoryStore{}
	sink := NewSink(SinkConfig{Store: store, SecurityEventsPerSecond: 1})
	for i := 0; i < 10; i++ {
		sink.Security(context.Background(), SecurityEvent{Type: EventAuthFailure})
	}
	assert.Len(t, store.snapshot(), 2)
}

func TestNilSinkIsSafe(t *testing.T) {
	var sink *Sink
	sink.Record(context.Background(), Entry{Action: "x"})
	sink.Security(context.Background(), SecurityEvent{Type: EventBlockedIP})
}
