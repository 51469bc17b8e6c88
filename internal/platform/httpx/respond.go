package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/soledgic/soledgic/internal/shared"
)

// Envelope is the failure body shared by every endpoint.
type Envelope struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Success writes body with success=true merged in.
func Success(w http.ResponseWriter, status int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["success"] = true
	JSON(w, status, body)
}

// Error writes the failure envelope carrying the request id.
func Error(w http.ResponseWriter, r *http.Request, status int, message string) {
	JSON(w, status, Envelope{
		Success:   false,
		Error:     message,
		RequestID: shared.RequestIDFromContext(r.Context()),
	})
}

// ErrorWith writes the failure envelope plus extra diagnostic fields.
func ErrorWith(w http.ResponseWriter, r *http.Request, status int, message string, extra map[string]any) {
	body := map[string]any{
		"success":    false,
		"error":      message,
		"request_id": shared.RequestIDFromContext(r.Context()),
	}
	for k, v := range extra {
		body[k] = v
	}
	JSON(w, status, body)
}

// RateLimited writes a 429 carrying both the Retry-After header and body hint.
func RateLimited(w http.ResponseWriter, r *http.Request, resetIn time.Duration) {
	seconds := int(resetIn.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	JSON(w, http.StatusTooManyRequests, Envelope{
		Success:    false,
		Error:      "Rate limit exceeded",
		RequestID:  shared.RequestIDFromContext(r.Context()),
		RetryAfter: seconds,
	})
}

// DecodeJSON decodes JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(target)
}
