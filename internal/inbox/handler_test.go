package inbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soledgic/soledgic/internal/audit"
	"github.com/soledgic/soledgic/internal/gate"
)

const testInternalToken = "internal-token"

type securityLog struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (l *securityLog) Security(_ context.Context, evt audit.SecurityEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

type handlerFixture struct {
	*pipelineFixture
	verifier *Verifier
	events   *securityLog
	router   chi.Router
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	pf := newPipelineFixture(t)
	f := &handlerFixture{pipelineFixture: pf, verifier: NewVerifier("whsec"), events: &securityLog{}}
	h := NewHandler(HandlerConfig{
		Runner:   pf.pipeline,
		Store:    pf.store,
		Verifier: f.verifier,
		Events:   f.events,
	})
	g := gate.New(gate.Config{InternalToken: testInternalToken}, nil, nil, nil, nil)
	r := chi.NewRouter()
	h.MountRoutes(r, g)
	f.router = r
	return f
}

func (f *handlerFixture) deliver(body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *handlerFixture) run(body string, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/process-processor-inbox", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(gate.HeaderInternalToken, token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebhookIntakeStoresOncePerEvent(t *testing.T) {
	f := newHandlerFixture(t)
	ledgerID := uuid.New()
	body := `{"id":"evt_1","type":"payout.updated","data":{"object":{"metadata":{"soledgic_ledger_id":"` + ledgerID.String() + `"}}}}`
	sig := f.verifier.Sign([]byte(body), time.Now())

	rec := f.deliver(body, sig)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, true, out["received"])
	assert.Equal(t, false, out["duplicate"])

	rec = f.deliver(body, sig)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["duplicate"])

	row := f.store.rows[f.store.byEvent["evt_1"]]
	assert.Equal(t, ledgerID, row.LedgerID)
	assert.Equal(t, "payout.updated", row.EventType)
	assert.Equal(t, StatusPending, row.status)
}

func TestWebhookIntakeRejectsBadSignature(t *testing.T) {
	f := newHandlerFixture(t)
	body := `{"id":"evt_1"}`

	rec := f.deliver(body, "t=1,v1=00")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.deliver(body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, f.store.rows)
	require.Len(t, f.events.events, 2)
	assert.Equal(t, audit.EventSignatureInvalid, f.events.events[0].Type)
}

func TestWebhookIntakeRequiresEventID(t *testing.T) {
	f := newHandlerFixture(t)
	body := `{"type":"payout.updated"}`
	rec := f.deliver(body, f.verifier.Sign([]byte(body), time.Now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = `not json`
	rec = f.deliver(body, f.verifier.Sign([]byte(body), time.Now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	f.ledger.ids["po_1"] = uuid.New()
	f.receive(t, "evt_a", payoutBody("paid"))

	rec := f.run(`{"dry_run":true}`, testInternalToken)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, true, out["dry_run"])
	assert.Equal(t, float64(1), out["results"].(map[string]any)["pending"])

	rec = f.run(`{}`, testInternalToken)
	require.Equal(t, http.StatusOK, rec.Code)
	out = decodeBody(t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, DefaultAdapterName, out["adapter"])
	results := out["results"].(map[string]any)
	assert.Equal(t, float64(1), results["claimed"])
	assert.Equal(t, float64(1), results["processed"])
	assert.Equal(t, float64(1), results["webhooks_queued"])
}

func TestRunEndpointAccess(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.run(`{}`, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.run(`{}`, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.run(`{"limit":501}`, testInternalToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.run(`{"limit":`, testInternalToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
