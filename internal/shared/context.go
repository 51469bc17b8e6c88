package shared

import (
	"context"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

type tenantContextKey struct{}

type clientContextKey struct{}

// ActorType identifies how the caller authenticated.
type ActorType string

const (
	ActorAPIKey   ActorType = "api_key"
	ActorInternal ActorType = "service"
	ActorSystem   ActorType = "system"
)

// Tenant is the authenticated ledger scope attached to a request.
type Tenant struct {
	LedgerID uuid.UUID
	Status   string
	Mode     string
	Actor    ActorType
	// KeyPrefix is a short non-secret fingerprint of the key hash used for logs.
	KeyPrefix string
}

// Client describes the remote peer as seen by the gate.
type Client struct {
	IP        string
	Country   string
	UserAgent string
}

// ContextWithRequestID stores the server generated request id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, id)
}

// RequestIDFromContext returns the request id or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// ContextWithTenant stores the authenticated tenant in context.
func ContextWithTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenant)
}

// TenantFromContext extracts the tenant from context.
func TenantFromContext(ctx context.Context) (Tenant, bool) {
	tenant, ok := ctx.Value(tenantContextKey{}).(Tenant)
	return tenant, ok
}

// ContextWithClient stores remote peer details in context.
func ContextWithClient(ctx context.Context, client Client) context.Context {
	return context.WithValue(ctx, clientContextKey{}, client)
}

// ClientFromContext extracts remote peer details from context.
func ClientFromContext(ctx context.Context) Client {
	client, _ := ctx.Value(clientContextKey{}).(Client)
	return client
}
