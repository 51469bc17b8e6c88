package risk

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/gate"
	"github.com/soledgic/soledgic/internal/platform/httpx"
	"github.com/soledgic/soledgic/internal/ratelimit"
	"github.com/soledgic/soledgic/internal/shared"
)

// Handler exposes the risk endpoints.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	validate   *validator.Validate
	production bool
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service, production bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Handler{logger: logger, service: service, validate: v, production: production}
}

// MountRoutes registers the risk routes behind the gate.
func (h *Handler) MountRoutes(r chi.Router, g *gate.Gate) {
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointRiskEvaluation, MaxBody: 8 << 10})).Post("/v1/risk-evaluation", h.handleEvaluate)
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointRiskPolicies, MaxBody: 8 << 10})).Post("/v1/manage-risk-policies", h.handlePolicies)
}

type evaluateRequest struct {
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	InstrumentID   string `json:"authorizing_instrument_id" validate:"max=255"`
	Category       string `json:"category" validate:"max=100"`
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Error(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req evaluateRequest
	if !h.decode(w, r, &req) {
		return
	}
	eval, cached, err := h.service.Evaluate(r.Context(), tenant.LedgerID, req.IdempotencyKey, Proposal{
		Amount:       req.Amount,
		InstrumentID: req.InstrumentID,
		Category:     req.Category,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{
		"evaluation": evaluationBody(eval),
		"cached":     cached,
	})
}

func evaluationBody(e Evaluation) map[string]any {
	factors := e.Factors
	if factors == nil {
		factors = []Factor{}
	}
	return map[string]any{
		"id":           e.ID.String(),
		"signal":       e.Signal,
		"risk_factors": factors,
		"valid_until":  e.ValidUntil.UTC().Format(time.RFC3339),
	}
}

type policyRequest struct {
	Action     string          `json:"action" validate:"required,oneof=create delete list"`
	PolicyID   string          `json:"policy_id" validate:"omitempty,uuid"`
	PolicyType string          `json:"policy_type" validate:"omitempty,oneof=require_instrument budget_cap projection_guard"`
	Severity   string          `json:"severity" validate:"omitempty,oneof=hard soft"`
	Priority   *int            `json:"priority" validate:"omitempty,min=0,max=10000"`
	Config     json.RawMessage `json:"config"`
}

func (h *Handler) handlePolicies(w http.ResponseWriter, r *http.Request) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Error(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req policyRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	switch req.Action {
	case "list":
		policies, err := h.service.ListPolicies(ctx, tenant.LedgerID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		out := make([]map[string]any, 0, len(policies))
		for _, p := range policies {
			out = append(out, policyBody(p))
		}
		httpx.Success(w, http.StatusOK, map[string]any{"policies": out})
	case "create":
		if req.PolicyType == "" {
			httpx.Error(w, r, http.StatusBadRequest, "policy_type is required")
			return
		}
		pol, err := h.service.CreatePolicy(ctx, PolicyInput{
			LedgerID: tenant.LedgerID,
			Type:     PolicyType(req.PolicyType),
			Severity: Severity(req.Severity),
			Priority: req.Priority,
			Config:   req.Config,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		httpx.Success(w, http.StatusCreated, map[string]any{"policy": policyBody(pol)})
	case "delete":
		id, err := uuid.Parse(req.PolicyID)
		if err != nil {
			httpx.Error(w, r, http.StatusBadRequest, "policy_id is required")
			return
		}
		if err := h.service.DeletePolicy(ctx, tenant.LedgerID, id); err != nil {
			h.writeError(w, r, err)
			return
		}
		httpx.Success(w, http.StatusOK, map[string]any{"deleted": id.String()})
	}
}

func policyBody(p Policy) map[string]any {
	return map[string]any{
		"id":          p.ID.String(),
		"policy_type": p.Rule.Type(),
		"severity":    p.Severity,
		"priority":    p.Priority,
		"config":      p.Rule,
		"is_active":   p.Active,
		"created_at":  p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Error(w, r, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Error(w, r, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid input"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "min", "gt", "gte":
		return fe.Field() + " must be at least " + fe.Param()
	case "max", "lte":
		return fe.Field() + " must be at most " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httpx.Error(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, r, http.StatusNotFound, "Not found")
	default:
		h.logger.Error("risk request failed",
			slog.String("request_id", shared.RequestIDFromContext(r.Context())),
			slog.Any("error", err))
		httpx.RespondError(w, r, err, h.production)
	}
}
