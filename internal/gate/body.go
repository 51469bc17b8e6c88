package gate

import (
	"bytes"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/audit"
	"github.com/soledgic/soledgic/internal/platform/httpx"
)

// MaxBody resolves the cap for route: configuration override, then the
// route's own value, then DefaultMaxBody.
func (g *Gate) MaxBody(route Route) int64 {
	if limit, ok := g.bodyLimits[route.Name]; ok && limit > 0 {
		return limit
	}
	if route.MaxBody > 0 {
		return route.MaxBody
	}
	return DefaultMaxBody
}

// limitBody buffers the request body after checking both the declared and the
// actual size, so handlers never decode an oversized payload.
func (g *Gate) limitBody(w http.ResponseWriter, r *http.Request, route Route, ledgerID uuid.UUID) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	limit := g.MaxBody(route)
	tooLarge := func(size int64) {
		g.reject(w, r, http.StatusRequestEntityTooLarge, "Request body too large", audit.SecurityEvent{
			Type:     audit.EventBodyTooLarge,
			LedgerID: ledgerID,
			Endpoint: route.Name,
			Details:  map[string]any{"size": size, "limit": limit},
		})
	}
	if r.ContentLength > limit {
		tooLarge(r.ContentLength)
		return false
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	if err != nil {
		httpx.Error(w, r, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if int64(len(buf)) > limit {
		tooLarge(int64(len(buf)))
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	r.ContentLength = int64(len(buf))
	return true
}
