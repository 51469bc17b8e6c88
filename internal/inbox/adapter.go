package inbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/platform/money"
)

// DefaultAdapterName selects DefaultAdapter.
const DefaultAdapterName = "default"

// ErrUnknownAdapter is returned for an unregistered adapter name.
var ErrUnknownAdapter = errors.New("inbox: unknown adapter")

// Adapter maps one processor's payload shape onto NormalizedEvent.
type Adapter interface {
	Name() string
	Normalize(row Row) (NormalizedEvent, error)
}

// Registry holds the adapters selectable by configuration.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding the default adapter plus extras.
func NewRegistry(extra ...Adapter) *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	r.Register(DefaultAdapter{})
	for _, a := range extra {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Name())] = a
}

// Get returns the named adapter.
func (r *Registry) Get(name string) (Adapter, error) {
	if name == "" {
		name = DefaultAdapterName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
	}
	return a, nil
}

// DefaultAdapter understands the common shapes of processor webhooks: a
// nested tags or metadata object and amount/status fields at a handful of
// well-known paths.
type DefaultAdapter struct{}

// Name implements Adapter.
func (DefaultAdapter) Name() string { return DefaultAdapterName }

var (
	tagKeys        = []string{"tags", "metadata"}
	amountPaths    = []string{"amount", "data.amount", "data.object.amount", "object.amount", "payload.amount", "resource.amount"}
	currencyPaths  = []string{"currency", "data.currency", "data.object.currency", "object.currency", "payload.currency", "resource.currency"}
	statusPaths    = []string{"status", "state", "data.status", "data.object.status", "data.state", "object.status", "payload.status", "resource.status"}
	timestampPaths = []string{"occurred_at", "created_at", "created", "timestamp", "data.created_at", "data.object.created", "data.object.created_at"}
	resourcePaths  = []string{"resource_id", "data.object.id", "data.id", "object.id", "payload.id", "resource.id"}
	eventTypePaths = []string{"type", "event_type", "event"}
)

// Normalize implements Adapter.
func (DefaultAdapter) Normalize(row Row) (NormalizedEvent, error) {
	doc, err := decodeObject(row.Payload)
	if err != nil {
		return NormalizedEvent{}, err
	}
	evt := NormalizedEvent{
		EventID:    row.EventID,
		EventType:  row.EventType,
		LedgerID:   row.LedgerID,
		Tags:       findTags(doc),
		ResourceID: firstString(doc, resourcePaths),
		RawStatus:  firstString(doc, statusPaths),
	}
	if evt.EventType == "" {
		evt.EventType = firstString(doc, eventTypePaths)
	}
	cur := strings.ToUpper(firstString(doc, currencyPaths))
	if cur != "" {
		if normalized, err := money.NormalizeCurrency(cur); err == nil {
			cur = normalized
		}
	}
	evt.Currency = cur
	if evt.Currency == "" {
		evt.Currency = money.DefaultCurrency
	}
	if v, ok := firstValue(doc, amountPaths); ok {
		amount, err := parseAmount(v, evt.Currency)
		if err != nil {
			return NormalizedEvent{}, err
		}
		evt.Amount = amount
	}
	if v, ok := firstValue(doc, timestampPaths); ok {
		evt.OccurredAt = parseTime(v)
	}
	if evt.LedgerID == uuid.Nil {
		if id, err := uuid.Parse(evt.Tag(TagLedgerID, "ledger_id")); err == nil {
			evt.LedgerID = id
		}
	}
	evt.Kind = classify(evt)
	return evt, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("inbox: decode payload: %w", err)
	}
	if doc == nil {
		return nil, errors.New("inbox: payload is not an object")
	}
	return doc, nil
}

// findTags returns the first tags/metadata object found depth first, with
// its values flattened to strings. Keys are visited in sorted order so the
// result is deterministic.
func findTags(doc map[string]any) map[string]string {
	found := dfsObject(doc, 0)
	out := make(map[string]string, len(found))
	for k, v := range found {
		if s, ok := scalarString(v); ok {
			out[k] = s
		}
	}
	return out
}

const maxDepth = 8

func dfsObject(node map[string]any, depth int) map[string]any {
	if depth > maxDepth {
		return nil
	}
	for _, key := range tagKeys {
		if obj, ok := node[key].(map[string]any); ok && len(obj) > 0 {
			return obj
		}
	}
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch child := node[k].(type) {
		case map[string]any:
			if found := dfsObject(child, depth+1); found != nil {
				return found
			}
		case []any:
			for _, item := range child {
				if obj, ok := item.(map[string]any); ok {
					if found := dfsObject(obj, depth+1); found != nil {
						return found
					}
				}
			}
		}
	}
	return nil
}

func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func firstValue(doc map[string]any, paths []string) (any, bool) {
	for _, p := range paths {
		if v, ok := lookup(doc, p); ok {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v, true
		}
	}
	return nil, false
}

func firstString(doc map[string]any, paths []string) string {
	for _, p := range paths {
		if v, ok := lookup(doc, p); ok {
			if s, ok := scalarString(v); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

// parseAmount reads integers as minor units and decimals, either as JSON
// numbers or strings, as major units.
func parseAmount(v any, currency string) (int64, error) {
	var text string
	switch t := v.(type) {
	case json.Number:
		text = t.String()
	case string:
		text = strings.TrimSpace(t)
	default:
		return 0, fmt.Errorf("inbox: amount has unsupported type %T", v)
	}
	if !strings.ContainsAny(text, ".eE") {
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("inbox: parse amount %q: %w", text, err)
		}
		if n < 0 {
			n = -n
		}
		return n, nil
	}
	n, err := money.ParseMajor(strings.TrimPrefix(text, "-"), currency)
	if err != nil {
		return 0, fmt.Errorf("inbox: %w", err)
	}
	return n, nil
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			if n > 1e12 {
				return time.UnixMilli(n).UTC()
			}
			return time.Unix(n, 0).UTC()
		}
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func classify(evt NormalizedEvent) Kind {
	t := strings.ToLower(evt.EventType)
	switch {
	case strings.Contains(t, "dispute") || strings.Contains(t, "chargeback"):
		return KindDispute
	case evt.Tag(TagPayoutID, "payout_id") != "":
		return KindPayout
	case evt.Tag(TagRefundID, "refund_id", "external_refund_id") != "":
		return KindRefund
	case strings.Contains(t, "refund"):
		return KindRefund
	case strings.Contains(t, "payout") || strings.Contains(t, "transfer"):
		return KindPayout
	case strings.Contains(t, "charge") || strings.Contains(t, "payment"):
		return KindCharge
	}
	return KindUnknown
}
