// Package risk evaluates proposed transactions against tenant policies and
// returns an advisory signal. It never blocks the transaction itself.
package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Signal summarizes an evaluation.
type Signal string

const (
	SignalWithinPolicy Signal = "within_policy"
	SignalElevated     Signal = "elevated_risk"
	SignalHigh         Signal = "high_risk"
)

// Severity grades a policy breach.
type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// PolicyType names a rule kind as stored.
type PolicyType string

const (
	PolicyRequireInstrument PolicyType = "require_instrument"
	PolicyBudgetCap         PolicyType = "budget_cap"
	PolicyProjectionGuard   PolicyType = "projection_guard"
)

// Period bounds a budget cap window.
type Period string

const (
	PeriodWeekly    Period = "weekly"
	PeriodMonthly   Period = "monthly"
	PeriodQuarterly Period = "quarterly"
	PeriodAnnual    Period = "annual"
)

// EvaluationTTL is how long a cached evaluation stays valid.
const EvaluationTTL = 2 * time.Hour

var (
	ErrValidation = errors.New("risk: validation failed")
	ErrNotFound   = errors.New("risk: not found")
)

// ValidationError carries a caller-facing message.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Rule is a policy's typed configuration. The concrete types are
// RequireInstrument, BudgetCap and ProjectionGuard.
type Rule interface {
	Type() PolicyType
	validate() error
}

// RequireInstrument flags amounts above Threshold that carry no valid
// authorizing instrument.
type RequireInstrument struct {
	Threshold int64 `json:"threshold_amount"`
}

// BudgetCap flags expenses that would push the period total past Cap.
type BudgetCap struct {
	Cap      int64  `json:"cap_amount"`
	Period   Period `json:"period"`
	Category string `json:"category,omitempty"`
}

// ProjectionGuard flags spending that leaves cash covering less than
// MinCoverage times the pending obligations.
type ProjectionGuard struct {
	MinCoverage decimal.Decimal `json:"min_coverage_ratio"`
}

func (RequireInstrument) Type() PolicyType { return PolicyRequireInstrument }
func (BudgetCap) Type() PolicyType         { return PolicyBudgetCap }
func (ProjectionGuard) Type() PolicyType   { return PolicyProjectionGuard }

func (r RequireInstrument) validate() error {
	if r.Threshold < 0 {
		return validationf("threshold_amount must be at least 0")
	}
	return nil
}

func (r BudgetCap) validate() error {
	if r.Cap <= 0 {
		return validationf("cap_amount must be at least 1")
	}
	switch r.Period {
	case PeriodWeekly, PeriodMonthly, PeriodQuarterly, PeriodAnnual:
	default:
		return validationf("period must be one of: weekly monthly quarterly annual")
	}
	if len(r.Category) > 100 {
		return validationf("category must be at most 100")
	}
	return nil
}

func (r ProjectionGuard) validate() error {
	if !r.MinCoverage.IsPositive() {
		return validationf("min_coverage_ratio must be greater than 0")
	}
	return nil
}

// DecodeRule parses a stored config for typ.
func DecodeRule(typ PolicyType, raw json.RawMessage) (Rule, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var (
		rule Rule
		err  error
	)
	switch typ {
	case PolicyRequireInstrument:
		var r RequireInstrument
		err = json.Unmarshal(raw, &r)
		rule = r
	case PolicyBudgetCap:
		var r BudgetCap
		err = json.Unmarshal(raw, &r)
		r.Period = Period(strings.ToLower(string(r.Period)))
		r.Category = strings.TrimSpace(r.Category)
		rule = r
	case PolicyProjectionGuard:
		var r ProjectionGuard
		err = json.Unmarshal(raw, &r)
		rule = r
	default:
		return nil, validationf("policy_type must be one of: require_instrument budget_cap projection_guard")
	}
	if err != nil {
		return nil, validationf("config is invalid for %s", typ)
	}
	if err := rule.validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// Policy is one active or retired tenant rule.
type Policy struct {
	ID        uuid.UUID
	LedgerID  uuid.UUID
	Severity  Severity
	Priority  int
	Rule      Rule
	Active    bool
	CreatedAt time.Time
}

// Proposal is the transaction being considered.
type Proposal struct {
	Amount       int64  `json:"amount"`
	InstrumentID string `json:"authorizing_instrument_id,omitempty"`
	Category     string `json:"category,omitempty"`
}

// Factor is one policy finding.
type Factor struct {
	PolicyID   uuid.UUID      `json:"policy_id"`
	PolicyType PolicyType     `json:"policy_type"`
	Severity   Severity       `json:"severity"`
	Indicator  string         `json:"indicator"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

// Evaluation is a stored signal for one idempotency key.
type Evaluation struct {
	ID             uuid.UUID
	LedgerID       uuid.UUID
	IdempotencyKey string
	Signal         Signal
	Factors        []Factor
	Proposal       Proposal
	ValidUntil     time.Time
	CreatedAt      time.Time
}

// DeriveSignal grades a factor list: any hard factor is high risk, any soft
// factor elevated.
func DeriveSignal(factors []Factor) Signal {
	signal := SignalWithinPolicy
	for _, f := range factors {
		switch f.Severity {
		case SeverityHard:
			return SignalHigh
		case SeveritySoft:
			signal = SignalElevated
		}
	}
	return signal
}

// PeriodStart returns the UTC start of the period containing now. Weeks
// start on Monday.
func PeriodStart(p Period, now time.Time) time.Time {
	now = now.UTC()
	y, m, d := now.Date()
	switch p {
	case PeriodWeekly:
		offset := (int(now.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	case PeriodQuarterly:
		q := (int(m) - 1) / 3
		return time.Date(y, time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
	case PeriodAnnual:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	}
}
