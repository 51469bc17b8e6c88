package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Store persists policies and evaluations and answers the evaluator queries.
type Store interface {
	ActivePolicies(ctx context.Context, ledgerID uuid.UUID) ([]Policy, error)
	ListPolicies(ctx context.Context, ledgerID uuid.UUID) ([]Policy, error)
	InsertPolicy(ctx context.Context, p Policy) error
	DeactivatePolicy(ctx context.Context, ledgerID, id uuid.UUID) error

	FindEvaluation(ctx context.Context, ledgerID uuid.UUID, key string, now time.Time) (Evaluation, error)
	SaveEvaluation(ctx context.Context, eval Evaluation, now time.Time) (Evaluation, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	InstrumentValid(ctx context.Context, ledgerID uuid.UUID, ref string) (bool, error)
	ExpenseTotal(ctx context.Context, ledgerID uuid.UUID, from, to time.Time, category string) (int64, error)
	CashBalance(ctx context.Context, ledgerID uuid.UUID) (int64, error)
	PendingObligations(ctx context.Context, ledgerID uuid.UUID, from time.Time) (int64, error)
}

// Indicators reported in factors.
const (
	IndicatorInstrumentMissing = "instrument_missing"
	IndicatorInstrumentInvalid = "instrument_invalid"
	IndicatorBudgetExceeded    = "budget_exceeded"
	IndicatorCoverageLow       = "coverage_below_threshold"
	IndicatorPolicyLoadFailed  = "policy_load_failed"
)

// Service evaluates proposals and manages policies.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group
}

// NewService builds a Service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

type outcome struct {
	eval   Evaluation
	cached bool
}

// Evaluate returns the signal for proposal under key. A key evaluated less
// than EvaluationTTL ago returns the stored result with cached set. Only
// invalid input yields an error; store and evaluator failures degrade the
// result instead.
func (s *Service) Evaluate(ctx context.Context, ledgerID uuid.UUID, key string, p Proposal) (Evaluation, bool, error) {
	key = strings.TrimSpace(key)
	p.InstrumentID = strings.TrimSpace(p.InstrumentID)
	p.Category = strings.TrimSpace(p.Category)
	if key == "" {
		return Evaluation{}, false, validationf("idempotency_key is required")
	}
	if len(key) > 255 {
		return Evaluation{}, false, validationf("idempotency_key must be at most 255")
	}
	if p.Amount <= 0 {
		return Evaluation{}, false, validationf("amount must be at least 1")
	}

	ch := s.group.DoChan(ledgerID.String()+":"+key, func() (any, error) {
		return s.evaluate(context.WithoutCancel(ctx), ledgerID, key, p), nil
	})
	select {
	case <-ctx.Done():
		return Evaluation{}, false, ctx.Err()
	case res := <-ch:
		out := res.Val.(outcome)
		return out.eval, out.cached, nil
	}
}

func (s *Service) evaluate(ctx context.Context, ledgerID uuid.UUID, key string, p Proposal) outcome {
	logger := s.logger.With(slog.String("ledger_id", ledgerID.String()))
	now := s.now().UTC()

	cached, err := s.store.FindEvaluation(ctx, ledgerID, key, now)
	switch {
	case err == nil:
		return outcome{eval: cached, cached: true}
	case !errors.Is(err, ErrNotFound):
		logger.Warn("risk evaluation lookup failed", slog.Any("error", err))
	}

	eval := Evaluation{
		ID:             uuid.New(),
		LedgerID:       ledgerID,
		IdempotencyKey: key,
		Proposal:       p,
		ValidUntil:     now.Add(EvaluationTTL),
		CreatedAt:      now,
	}
	policies, err := s.store.ActivePolicies(ctx, ledgerID)
	if err != nil {
		logger.Error("risk policies unavailable", slog.Any("error", err))
		eval.Factors = []Factor{{
			Severity:  SeveritySoft,
			Indicator: IndicatorPolicyLoadFailed,
			Message:   "Risk policies could not be loaded",
		}}
	} else {
		eval.Factors = s.runPolicies(ctx, logger, policies, p, now)
	}
	eval.Signal = DeriveSignal(eval.Factors)

	stored, err := s.store.SaveEvaluation(ctx, eval, now)
	if err != nil {
		logger.Warn("risk evaluation not cached", slog.Any("error", err))
		return outcome{eval: eval}
	}
	return outcome{eval: stored, cached: stored.ID != eval.ID}
}

// runPolicies evaluates every policy concurrently and returns the factors in
// ascending priority order.
func (s *Service) runPolicies(ctx context.Context, logger *slog.Logger, policies []Policy, p Proposal, now time.Time) []Factor {
	sorted := append([]Policy(nil), policies...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	results := make([]*Factor, len(sorted))
	var g errgroup.Group
	g.SetLimit(4)
	for i, pol := range sorted {
		g.Go(func() error {
			f, err := s.check(ctx, pol, p, now)
			if err != nil {
				logger.Warn("risk policy evaluation failed",
					slog.String("policy_id", pol.ID.String()),
					slog.String("policy_type", string(pol.Rule.Type())),
					slog.Any("error", err))
				return nil
			}
			results[i] = f
			return nil
		})
	}
	_ = g.Wait()

	factors := make([]Factor, 0, len(results))
	for _, f := range results {
		if f != nil {
			factors = append(factors, *f)
		}
	}
	return factors
}

func (s *Service) check(ctx context.Context, pol Policy, p Proposal, now time.Time) (*Factor, error) {
	switch rule := pol.Rule.(type) {
	case RequireInstrument:
		return s.checkInstrument(ctx, pol, rule, p)
	case BudgetCap:
		return s.checkBudget(ctx, pol, rule, p, now)
	case ProjectionGuard:
		return s.checkProjection(ctx, pol, rule, p, now)
	default:
		return nil, fmt.Errorf("risk: unhandled rule %T", rule)
	}
}

func factorFor(pol Policy, indicator, message string, details map[string]any) *Factor {
	return &Factor{
		PolicyID:   pol.ID,
		PolicyType: pol.Rule.Type(),
		Severity:   pol.Severity,
		Indicator:  indicator,
		Message:    message,
		Details:    details,
	}
}

func (s *Service) checkInstrument(ctx context.Context, pol Policy, rule RequireInstrument, p Proposal) (*Factor, error) {
	if p.Amount <= rule.Threshold {
		return nil, nil
	}
	details := map[string]any{"threshold_amount": rule.Threshold, "amount": p.Amount}
	if p.InstrumentID == "" {
		return factorFor(pol, IndicatorInstrumentMissing, "Amount requires an authorizing instrument", details), nil
	}
	valid, err := s.store.InstrumentValid(ctx, pol.LedgerID, p.InstrumentID)
	if err != nil {
		return nil, err
	}
	if valid {
		return nil, nil
	}
	return factorFor(pol, IndicatorInstrumentInvalid, "Authorizing instrument is unknown or invalidated", details), nil
}

func (s *Service) checkBudget(ctx context.Context, pol Policy, rule BudgetCap, p Proposal, now time.Time) (*Factor, error) {
	if rule.Category != "" && !strings.EqualFold(rule.Category, p.Category) {
		return nil, nil
	}
	from := PeriodStart(rule.Period, now)
	spent, err := s.store.ExpenseTotal(ctx, pol.LedgerID, from, now, rule.Category)
	if err != nil {
		return nil, err
	}
	if spent+p.Amount <= rule.Cap {
		return nil, nil
	}
	details := map[string]any{
		"period":       string(rule.Period),
		"period_start": from.Format(time.RFC3339),
		"cap_amount":   rule.Cap,
		"spent":        spent,
		"amount":       p.Amount,
	}
	if rule.Category != "" {
		details["category"] = rule.Category
	}
	return factorFor(pol, IndicatorBudgetExceeded, fmt.Sprintf("Spending would exceed the %s budget", rule.Period), details), nil
}

func (s *Service) checkProjection(ctx context.Context, pol Policy, rule ProjectionGuard, p Proposal, now time.Time) (*Factor, error) {
	var cash, obligations int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cash, err = s.store.CashBalance(gctx, pol.LedgerID)
		return err
	})
	g.Go(func() error {
		var err error
		obligations, err = s.store.PendingObligations(gctx, pol.LedgerID, now)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if obligations <= 0 {
		return nil, nil
	}
	remaining := cash - p.Amount
	ratio := decimal.NewFromInt(remaining).DivRound(decimal.NewFromInt(obligations), 4)
	if !ratio.LessThan(rule.MinCoverage) {
		return nil, nil
	}
	return factorFor(pol, IndicatorCoverageLow, "Remaining cash would not cover pending obligations", map[string]any{
		"cash_balance":        cash,
		"pending_obligations": obligations,
		"remaining_cash":      remaining,
		"coverage_ratio":      ratio.StringFixed(2),
		"min_coverage_ratio":  rule.MinCoverage.String(),
	}), nil
}

// PolicyInput creates a policy.
type PolicyInput struct {
	LedgerID uuid.UUID
	Type     PolicyType
	Severity Severity
	Priority *int
	Config   []byte
}

// DefaultPriority applies when a policy omits one.
const DefaultPriority = 100

// CreatePolicy validates and stores a new active policy.
func (s *Service) CreatePolicy(ctx context.Context, in PolicyInput) (Policy, error) {
	switch in.Severity {
	case SeverityHard, SeveritySoft:
	default:
		return Policy{}, validationf("severity must be one of: hard soft")
	}
	rule, err := DecodeRule(in.Type, in.Config)
	if err != nil {
		return Policy{}, err
	}
	priority := DefaultPriority
	if in.Priority != nil {
		if *in.Priority < 0 || *in.Priority > 10000 {
			return Policy{}, validationf("priority must be between 0 and 10000")
		}
		priority = *in.Priority
	}
	pol := Policy{
		ID:        uuid.New(),
		LedgerID:  in.LedgerID,
		Severity:  in.Severity,
		Priority:  priority,
		Rule:      rule,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertPolicy(ctx, pol); err != nil {
		return Policy{}, fmt.Errorf("risk: insert policy: %w", err)
	}
	return pol, nil
}

// DeletePolicy retires a policy. Policies are never edited in place.
func (s *Service) DeletePolicy(ctx context.Context, ledgerID, id uuid.UUID) error {
	return s.store.DeactivatePolicy(ctx, ledgerID, id)
}

// ListPolicies returns the ledger's active policies by priority.
func (s *Service) ListPolicies(ctx context.Context, ledgerID uuid.UUID) ([]Policy, error) {
	return s.store.ListPolicies(ctx, ledgerID)
}

// PurgeExpired deletes evaluations past their validity.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.PurgeExpired(ctx, s.now().UTC())
}
