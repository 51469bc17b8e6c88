// Package ratelimit implements the two-tier request limiter: a sliding window
// in Redis backed by a throttled Postgres counter when Redis is unhealthy.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Quota is a (requests, window) pair.
type Quota struct {
	Requests int
	Window   time.Duration
}

// Narrow returns the fallback-tier quota: 10% of the primary request budget
// over the same window, rounded down. The floor is one request, so a budget
// under 10 keeps more than a tenth; a zero quota would lock the endpoint out
// for the whole outage.
func (q Quota) Narrow() Quota {
	n := q.Requests / 10
	if n < 1 {
		n = 1
	}
	return Quota{Requests: n, Window: q.Window}
}

// Endpoint names used across the gate, limiter and handlers.
const (
	EndpointProcessPayout      = "process-payout"
	EndpointRecordSale         = "record-sale"
	EndpointRecordIncome       = "record-income"
	EndpointRecordExpense      = "record-expense"
	EndpointRecordTransaction  = "record-transaction"
	EndpointReverseTransaction = "reverse-transaction"
	EndpointRecordRefund       = "record-refund"
	EndpointGetBalance         = "get-balance"
	EndpointRiskEvaluation     = "risk-evaluation"
	EndpointRiskPolicies       = "manage-risk-policies"
	EndpointLedgerSettings     = "ledger-settings"
	EndpointCreateLedger       = "create-ledger"
	EndpointProcessorInbox     = "process-processor-inbox"
	EndpointProcessorWebhook   = "processor-webhook"
	EndpointPreAuth            = "preauth"
)

var defaultQuotas = map[string]Quota{
	EndpointProcessPayout:      {Requests: 50, Window: time.Minute},
	EndpointRecordSale:         {Requests: 200, Window: time.Minute},
	EndpointRecordIncome:       {Requests: 200, Window: time.Minute},
	EndpointRecordExpense:      {Requests: 200, Window: time.Minute},
	EndpointRecordTransaction:  {Requests: 200, Window: time.Minute},
	EndpointReverseTransaction: {Requests: 50, Window: time.Minute},
	EndpointRecordRefund:       {Requests: 100, Window: time.Minute},
	EndpointGetBalance:         {Requests: 300, Window: time.Minute},
	EndpointRiskEvaluation:     {Requests: 300, Window: time.Minute},
	EndpointRiskPolicies:       {Requests: 30, Window: time.Minute},
	EndpointLedgerSettings:     {Requests: 30, Window: time.Minute},
	EndpointCreateLedger:       {Requests: 10, Window: time.Hour},
	EndpointProcessorInbox:     {Requests: 60, Window: time.Minute},
	EndpointProcessorWebhook:   {Requests: 600, Window: time.Minute},
}

// Anything that moves money, executes a payout, or can be used for flooding.
var defaultFailClosed = []string{
	EndpointProcessPayout,
	EndpointRecordSale,
	EndpointRecordIncome,
	EndpointRecordExpense,
	EndpointRecordTransaction,
	EndpointReverseTransaction,
	EndpointRecordRefund,
	EndpointCreateLedger,
	EndpointRiskPolicies,
	EndpointLedgerSettings,
	EndpointProcessorInbox,
}

// Policy resolves quotas and the fail-closed classification per endpoint.
type Policy struct {
	quotas     map[string]Quota
	fallback   Quota
	failClosed map[string]struct{}
}

// NewPolicy builds a policy from the defaults, applying overrides in the
// "requests/seconds" form (e.g. "200/60"). A non-empty failClosed list replaces
// the default set.
func NewPolicy(overrides map[string]string, failClosed []string) (*Policy, error) {
	p := &Policy{
		quotas:     make(map[string]Quota, len(defaultQuotas)),
		fallback:   Quota{Requests: 100, Window: time.Minute},
		failClosed: make(map[string]struct{}),
	}
	for k, v := range defaultQuotas {
		p.quotas[k] = v
	}
	for endpoint, raw := range overrides {
		q, err := ParseQuota(raw)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: override %s: %w", endpoint, err)
		}
		p.quotas[strings.TrimSpace(endpoint)] = q
	}
	set := failClosed
	if len(set) == 0 {
		set = defaultFailClosed
	}
	for _, e := range set {
		if e = strings.TrimSpace(e); e != "" {
			p.failClosed[e] = struct{}{}
		}
	}
	return p, nil
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy(nil, nil)
	return p
}

// ParseQuota parses "requests/seconds".
func ParseQuota(raw string) (Quota, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "/", 2)
	if len(parts) != 2 {
		return Quota{}, fmt.Errorf("quota %q: want requests/seconds", raw)
	}
	reqs, err := strconv.Atoi(parts[0])
	if err != nil || reqs <= 0 {
		return Quota{}, fmt.Errorf("quota %q: invalid request count", raw)
	}
	secs, err := strconv.Atoi(parts[1])
	if err != nil || secs <= 0 {
		return Quota{}, fmt.Errorf("quota %q: invalid window", raw)
	}
	return Quota{Requests: reqs, Window: time.Duration(secs) * time.Second}, nil
}

// Quota returns the primary quota for endpoint.
func (p *Policy) Quota(endpoint string) Quota {
	if q, ok := p.quotas[endpoint]; ok {
		return q
	}
	return p.fallback
}

// FailClosed reports whether endpoint must reject when no tier is available.
func (p *Policy) FailClosed(endpoint string) bool {
	_, ok := p.failClosed[endpoint]
	return ok
}
