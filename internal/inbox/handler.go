package inbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/audit"
	"github.com/soledgic/soledgic/internal/gate"
	"github.com/soledgic/soledgic/internal/platform/httpx"
	"github.com/soledgic/soledgic/internal/ratelimit"
	"github.com/soledgic/soledgic/internal/shared"
)

// SecuritySink receives rejected webhook deliveries.
type SecuritySink interface {
	Security(ctx context.Context, evt audit.SecurityEvent)
}

// Runner runs one pipeline batch.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (RunResult, error)
	Adapter() string
}

// Handler exposes processor webhook intake and the internal run trigger.
type Handler struct {
	runner     Runner
	store      Store
	verifier   *Verifier
	events     SecuritySink
	logger     *slog.Logger
	batchSize  int
	production bool
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Runner     Runner
	Store      Store
	Verifier   *Verifier
	Events     SecuritySink
	Logger     *slog.Logger
	BatchSize  int
	Production bool
}

// NewHandler builds a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		runner:     cfg.Runner,
		store:      cfg.Store,
		verifier:   cfg.Verifier,
		events:     cfg.Events,
		logger:     cfg.Logger,
		batchSize:  cfg.BatchSize,
		production: cfg.Production,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.batchSize <= 0 {
		h.batchSize = DefaultBatchSize
	}
	return h
}

// MountRoutes registers the inbox routes behind the gate.
func (h *Handler) MountRoutes(r chi.Router, g *gate.Gate) {
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointProcessorWebhook, MaxBody: 256 << 10, Access: gate.AccessPublic})).
		Post("/webhooks/processor", h.handleWebhook)
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointProcessorInbox, MaxBody: 4 << 10, Access: gate.AccessInternal})).
		Post("/v1/process-processor-inbox", h.handleRun)
}

type runRequest struct {
	Limit  int  `json:"limit"`
	DryRun bool `json:"dry_run"`
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			httpx.Error(w, r, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	if req.Limit < 0 || req.Limit > MaxBatchSize {
		httpx.Error(w, r, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	if req.Limit == 0 {
		req.Limit = h.batchSize
	}
	res, err := h.runner.Run(r.Context(), RunOptions{Limit: req.Limit, DryRun: req.DryRun})
	if err != nil {
		h.logger.Error("inbox run failed",
			slog.String("request_id", shared.RequestIDFromContext(r.Context())),
			slog.Any("error", err))
		httpx.RespondError(w, r, err, h.production)
		return
	}
	results := map[string]any{
		"claimed":         res.Claimed,
		"processed":       res.Processed,
		"failed":          res.Failed,
		"skipped":         res.Skipped,
		"webhooks_queued": res.WebhooksQueued,
	}
	body := map[string]any{"adapter": res.Adapter, "results": results}
	if res.DryRun {
		body["dry_run"] = true
		results["pending"] = res.Pending
	}
	httpx.Success(w, http.StatusOK, body)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, r, http.StatusBadRequest, "Invalid body")
		return
	}
	if err := h.verifier.Verify(r.Header.Get(SignatureHeader), body); err != nil {
		if h.events != nil {
			h.events.Security(r.Context(), audit.SecurityEvent{
				Type:      audit.EventSignatureInvalid,
				IP:        shared.ClientFromContext(r.Context()).IP,
				Endpoint:  ratelimit.EndpointProcessorWebhook,
				RequestID: shared.RequestIDFromContext(r.Context()),
				Details:   map[string]any{"reason": err.Error()},
			})
		}
		httpx.Error(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}
	doc, err := decodeObject(body)
	if err != nil {
		httpx.Error(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	eventID := firstString(doc, []string{"id", "event_id"})
	if eventID == "" {
		httpx.Error(w, r, http.StatusBadRequest, "event id is required")
		return
	}
	in := Incoming{
		EventID:   eventID,
		EventType: firstString(doc, eventTypePaths),
		Headers: map[string]string{
			"user-agent":   shared.Truncate(r.UserAgent(), 200),
			"content-type": r.Header.Get("Content-Type"),
		},
		Payload: body,
	}
	tags := findTags(doc)
	for _, k := range []string{TagLedgerID, "ledger_id"} {
		if id, err := uuid.Parse(strings.TrimSpace(tags[k])); err == nil {
			in.LedgerID = id
			break
		}
	}
	inserted, err := h.store.Insert(r.Context(), in)
	if err != nil {
		h.logger.Error("store processor webhook", slog.String("event_id", eventID), slog.Any("error", err))
		httpx.RespondError(w, r, err, h.production)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"received": true, "duplicate": !inserted})
}
