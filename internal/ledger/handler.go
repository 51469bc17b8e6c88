package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/gate"
	"github.com/soledgic/soledgic/internal/platform/httpx"
	"github.com/soledgic/soledgic/internal/platform/money"
	"github.com/soledgic/soledgic/internal/ratelimit"
	"github.com/soledgic/soledgic/internal/shared"
)

// Handler wires the ledger mutation endpoints.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	validate   *validator.Validate
	production bool
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, production bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: newValidator(), production: production}
}

// MountRoutes registers the ledger routes behind the gate.
func (h *Handler) MountRoutes(r chi.Router, g *gate.Gate) {
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointProcessPayout, MaxBody: 16 << 10})).Post("/v1/process-payout", h.handleProcessPayout)
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointRecordSale, MaxBody: 32 << 10})).Post("/v1/record-sale", h.handleRecordSale)
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointRecordIncome, MaxBody: 16 << 10})).Post("/v1/record-income", h.handleRecordIncome)
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointRecordExpense, MaxBody: 16 << 10})).Post("/v1/record-expense", h.handleRecordExpense)
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointRecordTransaction, MaxBody: 64 << 10})).Post("/v1/record-transaction", h.handleRecordTransaction)
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointRecordRefund, MaxBody: 16 << 10})).Post("/v1/record-refund", h.handleRecordRefund)
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointReverseTransaction, MaxBody: 8 << 10})).Post("/v1/reverse-transaction", h.handleReverse)
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointGetBalance})).Get("/v1/get-balance", h.handleBalance)
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointLedgerSettings})).Get("/v1/ledger-settings", h.handleGetSettings)
	r.With(g.Protect(gate.Route{Name: ratelimit.EndpointLedgerSettings, MaxBody: 8 << 10})).Patch("/v1/ledger-settings", h.handlePatchSettings)
}

type payoutRequest struct {
	CreatorID   string         `json:"creator_id" validate:"required,max=255"`
	Amount      int64          `json:"amount" validate:"required,gt=0"`
	ReferenceID string         `json:"reference_id" validate:"required,max=255"`
	Fees        int64          `json:"fees" validate:"gte=0"`
	FeesPaidBy  string         `json:"fees_paid_by" validate:"omitempty,oneof=creator platform"`
	Description string         `json:"description" validate:"max=500"`
	Metadata    map[string]any `json:"metadata"`
}

func (h *Handler) handleProcessPayout(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req payoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.ProcessPayout(r.Context(), PayoutInput{
		LedgerID:    tenant.LedgerID,
		CreatorID:   req.CreatorID,
		Amount:      req.Amount,
		ReferenceID: req.ReferenceID,
		Fees:        req.Fees,
		FeesPaidBy:  req.FeesPaidBy,
		Description: req.Description,
		Metadata:    req.Metadata,
		Actor:       actorFrom(r, tenant),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cur := res.Transaction.Currency
	httpx.Success(w, http.StatusOK, map[string]any{
		"transaction_id": res.Transaction.ID.String(),
		"breakdown": map[string]any{
			"gross_payout":   money.Major(res.Gross, cur),
			"fees":           money.Major(res.Fees, cur),
			"net_to_creator": money.Major(res.NetToCreator, cur),
			"fees_paid_by":   res.FeesPaidBy,
		},
		"previous_balance": money.Major(res.PreviousBalance, cur),
		"new_balance":      money.Major(res.NewBalance, cur),
		"currency":         cur,
	})
}

type saleRequest struct {
	ReferenceID    string         `json:"reference_id" validate:"required,max=255"`
	CreatorID      string         `json:"creator_id" validate:"max=255"`
	Amount         int64          `json:"amount" validate:"required,gt=0"`
	CreatorPercent *int           `json:"creator_percent" validate:"omitempty,min=0,max=100"`
	ProcessingFee  int64          `json:"processing_fee" validate:"gte=0"`
	Currency       string         `json:"currency" validate:"omitempty,len=3"`
	Description    string         `json:"description" validate:"max=500"`
	Metadata       map[string]any `json:"metadata"`
}

func (h *Handler) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req saleRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.RecordSale(r.Context(), SaleInput{
		LedgerID:       tenant.LedgerID,
		ReferenceID:    req.ReferenceID,
		CreatorID:      req.CreatorID,
		Amount:         req.Amount,
		CreatorPercent: req.CreatorPercent,
		ProcessingFee:  req.ProcessingFee,
		Currency:       req.Currency,
		Description:    req.Description,
		Metadata:       req.Metadata,
		Actor:          actorFrom(r, tenant),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cur := res.Transaction.Currency
	httpx.Success(w, http.StatusOK, map[string]any{
		"transaction_id": res.Transaction.ID.String(),
		"breakdown": map[string]any{
			"total":           money.Major(res.Transaction.Amount, cur),
			"creator_amount":  money.Major(res.CreatorAmount, cur),
			"platform_amount": money.Major(res.PlatformAmount, cur),
			"processing_fee":  money.Major(res.ProcessingFee, cur),
		},
	})
}

type incomeRequest struct {
	ReferenceID string         `json:"reference_id" validate:"required,max=255"`
	Amount      int64          `json:"amount" validate:"required,gt=0"`
	Currency    string         `json:"currency" validate:"omitempty,len=3"`
	Description string         `json:"description" validate:"max=500"`
	Category    string         `json:"category" validate:"max=100"`
	Metadata    map[string]any `json:"metadata"`
}

func (h *Handler) handleRecordIncome(w http.ResponseWriter, r *http.Request) {
	h.recordCashFlow(w, r, h.service.RecordIncome)
}

func (h *Handler) handleRecordExpense(w http.ResponseWriter, r *http.Request) {
	h.recordCashFlow(w, r, h.service.RecordExpense)
}

func (h *Handler) recordCashFlow(w http.ResponseWriter, r *http.Request, record func(ctx context.Context, in IncomeInput) (Transaction, error)) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req incomeRequest
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := record(r.Context(), IncomeInput{
		LedgerID:    tenant.LedgerID,
		ReferenceID: req.ReferenceID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Category:    req.Category,
		Metadata:    req.Metadata,
		Actor:       actorFrom(r, tenant),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var category any
	if c := strings.TrimSpace(req.Category); c != "" {
		category = c
	}
	httpx.Success(w, http.StatusOK, map[string]any{
		"transaction_id": txn.ID.String(),
		"amount":         money.Major(txn.Amount, txn.Currency),
		"category":       category,
	})
}

type entryRequest struct {
	AccountType string `json:"account_type" validate:"required"`
	EntityID    string `json:"entity_id" validate:"max=255"`
	Direction   string `json:"direction" validate:"required,oneof=debit credit"`
	Amount      int64  `json:"amount" validate:"gte=0"`
}

type transactionRequest struct {
	ReferenceID     string         `json:"reference_id" validate:"required,max=255"`
	TransactionType string         `json:"transaction_type" validate:"required,oneof=sale income expense adjustment transfer"`
	Amount          int64          `json:"amount" validate:"gte=0"`
	Currency        string         `json:"currency" validate:"omitempty,len=3"`
	Description     string         `json:"description" validate:"max=500"`
	Metadata        map[string]any `json:"metadata"`
	Entries         []entryRequest `json:"entries" validate:"required,min=2,max=50,dive"`
}

func (h *Handler) handleRecordTransaction(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req transactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	entries := make([]EntryInput, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, EntryInput{
			AccountType: AccountType(e.AccountType),
			EntityID:    e.EntityID,
			Direction:   Direction(e.Direction),
			Amount:      e.Amount,
		})
	}
	txn, err := h.service.Post(r.Context(), PostingInput{
		LedgerID:    tenant.LedgerID,
		Type:        TransactionType(req.TransactionType),
		ReferenceID: req.ReferenceID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Metadata:    req.Metadata,
		Entries:     entries,
		Actor:       actorFrom(r, tenant),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{
		"transaction_id": txn.ID.String(),
		"amount":         money.Major(txn.Amount, txn.Currency),
		"entries":        len(txn.Entries),
	})
}

type refundRequest struct {
	SaleReference    string `json:"sale_reference" validate:"required,max=255"`
	ReferenceID      string `json:"reference_id" validate:"required,max=255"`
	Amount           int64  `json:"amount" validate:"required,gt=0"`
	ExternalRefundID string `json:"external_refund_id" validate:"max=255"`
	Reason           string `json:"reason" validate:"max=500"`
}

func (h *Handler) handleRecordRefund(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.service.RecordRefund(r.Context(), RefundInput{
		LedgerID:         tenant.LedgerID,
		SaleReference:    req.SaleReference,
		ReferenceID:      req.ReferenceID,
		Amount:           req.Amount,
		ExternalRefundID: req.ExternalRefundID,
		Reason:           req.Reason,
		Actor:            actorFrom(r, tenant),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{
		"transaction_id": txn.ID.String(),
		"amount":         money.Major(txn.Amount, txn.Currency),
		"rail_status":    string(txn.RailStatus),
	})
}

type reverseRequest struct {
	TransactionID string `json:"transaction_id" validate:"required,uuid"`
	ReferenceID   string `json:"reference_id" validate:"max=255"`
	Reason        string `json:"reason" validate:"max=500"`
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req reverseRequest
	if !h.decode(w, r, &req) {
		return
	}
	txnID, _ := uuid.Parse(req.TransactionID)
	reversal, err := h.service.Reverse(r.Context(), ReverseInput{
		LedgerID:      tenant.LedgerID,
		TransactionID: txnID,
		ReferenceID:   req.ReferenceID,
		Reason:        req.Reason,
		Actor:         actorFrom(r, tenant),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{
		"transaction_id":          reversal.ID.String(),
		"reversed_transaction_id": txnID.String(),
	})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	view, err := h.service.Balance(r.Context(), tenant.LedgerID, r.URL.Query().Get("creator_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{
		"creator_id":     view.CreatorID,
		"ledger_balance": money.Major(view.LedgerBalance, view.Currency),
		"held_amount":    money.Major(view.HeldAmount, view.Currency),
		"available":      money.Major(view.Available, view.Currency),
		"currency":       view.Currency,
	})
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	settings, err := h.service.Settings(r.Context(), tenant.LedgerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"settings": settings})
}

func (h *Handler) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var patch SettingsPatch
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		httpx.Error(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	settings, err := h.service.UpdateSettings(r.Context(), tenant.LedgerID, patch, actorFrom(r, tenant))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"settings": settings})
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (shared.Tenant, bool) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Error(w, r, http.StatusUnauthorized, "Unauthorized")
		return shared.Tenant{}, false
	}
	return tenant, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Error(w, r, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Error(w, r, http.StatusBadRequest, validationFromValidator(err).Error())
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *DuplicateError
	var insufficient *InsufficientBalanceError
	switch {
	case errors.As(err, &dup):
		httpx.ErrorWith(w, r, http.StatusConflict, "Duplicate reference_id", map[string]any{
			"transaction_id": dup.TransactionID.String(),
		})
	case errors.As(err, &insufficient):
		cur := insufficient.Currency
		httpx.ErrorWith(w, r, http.StatusBadRequest, "Insufficient balance", map[string]any{
			"ledger_balance": money.Major(insufficient.LedgerBalance, cur),
			"held_amount":    money.Major(insufficient.HeldAmount, cur),
			"available":      money.Major(insufficient.Available, cur),
			"requested":      money.Major(insufficient.Requested, cur),
		})
	case errors.Is(err, ErrValidation):
		httpx.Error(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrLedgerInactive):
		httpx.Error(w, r, http.StatusForbidden, "Forbidden")
	case errors.Is(err, ErrNotReversible):
		httpx.Error(w, r, http.StatusConflict, "Transaction cannot be reversed")
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, r, http.StatusNotFound, "Not found")
	default:
		h.logger.Error("ledger request failed",
			slog.String("request_id", shared.RequestIDFromContext(r.Context())),
			slog.Any("error", err))
		httpx.RespondError(w, r, err, h.production)
	}
}

func actorFrom(r *http.Request, tenant shared.Tenant) Actor {
	client := shared.ClientFromContext(r.Context())
	return Actor{
		Type:      tenant.Actor,
		ID:        tenant.KeyPrefix,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		RequestID: shared.RequestIDFromContext(r.Context()),
	}
}
