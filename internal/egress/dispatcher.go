// Package egress delivers outbound HTTP to tenant-configured destinations
// without letting them reach internal networks.
package egress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/audit"
	"github.com/soledgic/soledgic/internal/shared"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// Resolver looks up a hostname. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// SecuritySink receives rejected destinations.
type SecuritySink interface {
	Security(ctx context.Context, evt audit.SecurityEvent)
}

// Observer records delivery outcomes.
type Observer interface {
	ObserveEgress(outcome string)
}

// DialFunc opens the connection to the pinned address.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config configures a Dispatcher.
type Config struct {
	Production bool
	Timeout    time.Duration
	Resolver   Resolver
	Events     SecuritySink
	Observer   Observer
	Logger     *slog.Logger
	// Dial defaults to a net.Dialer; tests substitute it.
	Dial DialFunc
}

// Dispatcher validates and delivers outbound requests.
type Dispatcher struct {
	production bool
	timeout    time.Duration
	resolver   Resolver
	events     SecuritySink
	observer   Observer
	logger     *slog.Logger
	dial       DialFunc
}

// New builds a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		production: cfg.Production,
		timeout:    cfg.Timeout,
		resolver:   cfg.Resolver,
		events:     cfg.Events,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		dial:       cfg.Dial,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.resolver == nil {
		d.resolver = net.DefaultResolver
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.dial == nil {
		dialer := &net.Dialer{Timeout: 5 * time.Second}
		d.dial = dialer.DialContext
	}
	return d
}

// ValidateURL runs the offline checks. It is used when a destination is
// configured; Send repeats it and adds the post-resolution check.
func (d *Dispatcher) ValidateURL(raw string) error {
	_, err := checkFormat(raw, d.production)
	return err
}

// Request is one outbound delivery.
type Request struct {
	LedgerID uuid.UUID
	URL      string
	Body     []byte
	Headers  map[string]string
}

// Response summarises the destination's answer.
type Response struct {
	StatusCode int
	Addr       netip.Addr
}

// DeliveryError is a non-2xx answer or a transport failure.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("egress: delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("egress: destination answered %d", e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Send resolves the destination once, rejects it if any resolved address is
// private or reserved, and connects to the validated address only.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Response, error) {
	u, err := checkFormat(req.URL, d.production)
	if err != nil {
		d.rejected(ctx, req, err)
		return Response{}, err
	}
	addr, err := d.resolve(ctx, u)
	if err != nil {
		if errors.Is(err, ErrBlockedDestination) {
			d.rejected(ctx, req, err)
		} else {
			d.observe("resolve_failed")
		}
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, fmt.Errorf("egress: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "Soledgic-Webhooks/1.0")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client(addr, u).Do(httpReq)
	if err != nil {
		d.observe("failed")
		return Response{Addr: addr}, &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.observe("failed")
		return Response{StatusCode: resp.StatusCode, Addr: addr}, &DeliveryError{StatusCode: resp.StatusCode}
	}
	d.observe("delivered")
	return Response{StatusCode: resp.StatusCode, Addr: addr}, nil
}

func (d *Dispatcher) resolve(ctx context.Context, u *url.URL) (netip.Addr, error) {
	host := u.Hostname()
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	addrs, err := d.resolver.LookupNetIP(lookupCtx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("egress: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("egress: resolve %s: no addresses", host)
	}
	for _, a := range addrs {
		if Blocked(a) {
			return netip.Addr{}, reject(StageResolution, "%s resolves to a private or reserved address", host)
		}
	}
	return addrs[0].Unmap(), nil
}

// client returns a one-shot client whose every dial goes to addr, so a
// second DNS answer can never redirect the connection.
func (d *Dispatcher) client(addr netip.Addr, u *url.URL) *http.Client {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	pinned := net.JoinHostPort(addr.String(), port)
	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return d.dial(ctx, network, pinned)
		},
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: d.timeout,
		DisableKeepAlives:     true,
		MaxIdleConns:          1,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   d.timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (d *Dispatcher) rejected(ctx context.Context, req Request, err error) {
	d.observe("rejected")
	var rej *RejectedError
	stage := StageFormat
	reason := err.Error()
	if errors.As(err, &rej) {
		stage = rej.Stage
		reason = rej.Reason
	}
	d.logger.Warn("egress destination rejected",
		slog.String("ledger_id", req.LedgerID.String()),
		slog.String("stage", string(stage)),
		slog.String("reason", reason))
	if d.events == nil {
		return
	}
	d.events.Security(ctx, audit.SecurityEvent{
		Type:     audit.EventSSRFAttempt,
		LedgerID: req.LedgerID,
		Endpoint: "egress",
		Details: map[string]any{
			"url":    shared.Truncate(req.URL, 200),
			"stage":  string(stage),
			"reason": reason,
		},
	})
}

func (d *Dispatcher) observe(outcome string) {
	if d.observer != nil {
		d.observer.ObserveEgress(outcome)
	}
}
