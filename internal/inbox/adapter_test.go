package inbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soledgic/soledgic/internal/ledger"
)

func TestDefaultAdapterNormalizesNestedPayout(t *testing.T) {
	ledgerID := uuid.New()
	payload := []byte(`{
		"id": "evt_1",
		"type": "transfer.updated",
		"data": {
			"object": {
				"id": "tr_9",
				"amount": 5000,
				"currency": "usd",
				"status": "settled",
				"created": 1700000000,
				"metadata": {"soledgic_ledger_id": "` + ledgerID.String() + `", "soledgic_payout_id": "po_1"}
			}
		}
	}`)

	evt, err := DefaultAdapter{}.Normalize(Row{ID: 1, EventID: "evt_1", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "transfer.updated", evt.EventType)
	assert.Equal(t, KindPayout, evt.Kind)
	assert.Equal(t, ledgerID, evt.LedgerID)
	assert.Equal(t, int64(5000), evt.Amount)
	assert.Equal(t, "USD", evt.Currency)
	assert.Equal(t, "tr_9", evt.ResourceID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), evt.OccurredAt)

	eff, ok := evt.Effect().(PayoutEffect)
	require.True(t, ok)
	assert.Equal(t, "po_1", eff.PayoutRef)
	assert.Equal(t, ledger.RailCompleted, eff.Rail)
}

func TestDefaultAdapterDecimalAmountIsMajorUnits(t *testing.T) {
	evt, err := DefaultAdapter{}.Normalize(Row{EventID: "e", Payload: []byte(`{"type":"charge.succeeded","amount":"12.34","currency":"USD"}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(1234), evt.Amount)
	assert.Equal(t, KindCharge, evt.Kind)
	assert.IsType(t, RecordOnly{}, evt.Effect())
}

func TestDefaultAdapterRowLedgerWins(t *testing.T) {
	rowLedger := uuid.New()
	payload := []byte(`{"type":"refund.updated","tags":{"soledgic_ledger_id":"` + uuid.NewString() + `"}}`)
	evt, err := DefaultAdapter{}.Normalize(Row{EventID: "e", LedgerID: rowLedger, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, rowLedger, evt.LedgerID)
	assert.Equal(t, KindRefund, evt.Kind)
}

func TestDefaultAdapterRejectsNonObject(t *testing.T) {
	_, err := DefaultAdapter{}.Normalize(Row{EventID: "e", Payload: []byte(`[1,2]`)})
	require.Error(t, err)
	_, err = DefaultAdapter{}.Normalize(Row{EventID: "e", Payload: []byte(`null`)})
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		evt  NormalizedEvent
		want Kind
	}{
		{"dispute wins over tags", NormalizedEvent{EventType: "charge.dispute.created", Tags: map[string]string{TagPayoutID: "p"}}, KindDispute},
		{"chargeback", NormalizedEvent{EventType: "chargeback.opened"}, KindDispute},
		{"payout tag", NormalizedEvent{EventType: "balance.changed", Tags: map[string]string{TagPayoutID: "p"}}, KindPayout},
		{"refund tag", NormalizedEvent{EventType: "x", Tags: map[string]string{"refund_id": "r"}}, KindRefund},
		{"refund type", NormalizedEvent{EventType: "refund.succeeded"}, KindRefund},
		{"transfer type", NormalizedEvent{EventType: "transfer.paid"}, KindPayout},
		{"payment type", NormalizedEvent{EventType: "payment.captured"}, KindCharge},
		{"unknown", NormalizedEvent{EventType: "customer.updated"}, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.evt))
		})
	}
}

func TestRailFor(t *testing.T) {
	assert.Equal(t, ledger.RailCompleted, RailFor("Settled"))
	assert.Equal(t, ledger.RailCompleted, RailFor("paid"))
	assert.Equal(t, ledger.RailFailed, RailFor("returned"))
	assert.Equal(t, ledger.RailProcessing, RailFor("in-transit"))
	assert.Equal(t, ledger.RailPending, RailFor("requires action"))
	assert.Equal(t, ledger.RailStatus(""), RailFor("mystery"))
}

func TestDisputePhaseFor(t *testing.T) {
	assert.Equal(t, DisputeOpened, DisputePhaseFor("dispute.created", ""))
	assert.Equal(t, DisputeWon, DisputePhaseFor("dispute.updated", "won"))
	assert.Equal(t, DisputeLost, DisputePhaseFor("dispute.lost", ""))
	assert.Equal(t, DisputeClosed, DisputePhaseFor("dispute.updated", "resolved"))
	assert.Equal(t, DisputeOther, DisputePhaseFor("dispute.updated", "under_review"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAdapterName, a.Name())

	_, err = r.Get("acme")
	require.ErrorIs(t, err, ErrUnknownAdapter)

	r.Register(namedAdapter{name: "Acme"})
	a, err = r.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme", a.Name())
}

type namedAdapter struct {
	name string
	evt  NormalizedEvent
}

func (a namedAdapter) Name() string { return a.name }

func (a namedAdapter) Normalize(row Row) (NormalizedEvent, error) {
	evt := a.evt
	evt.EventID = row.EventID
	if evt.LedgerID == uuid.Nil {
		evt.LedgerID = row.LedgerID
	}
	return evt, nil
}

func TestFindTagsDeterministic(t *testing.T) {
	doc, err := decodeObject([]byte(`{"b":{"metadata":{"k":"b"}},"a":{"tags":{"k":"a","n":5,"ok":true,"obj":{}}}}`))
	require.NoError(t, err)
	tags := findTags(doc)
	assert.Equal(t, map[string]string{"k": "a", "n": "5", "ok": "true"}, tags)
}
