package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/egress"
)

// ErrNoDestination means the ledger has no webhook configured; the event is
// dropped.
var ErrNoDestination = errors.New("notify: no webhook destination")

// DestinationStore resolves a ledger's webhook URL.
type DestinationStore interface {
	WebhookDestination(ctx context.Context, ledgerID uuid.UUID) (string, error)
}

// Sender performs the outbound request. *egress.Dispatcher satisfies it.
type Sender interface {
	Send(ctx context.Context, req egress.Request) (egress.Response, error)
}

// Deliverer signs an event and sends it to the ledger's destination.
type Deliverer struct {
	dest   DestinationStore
	sender Sender
	signer *Signer
	logger *slog.Logger
	now    func() time.Time
}

// NewDeliverer builds a Deliverer.
func NewDeliverer(dest DestinationStore, sender Sender, signer *Signer, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{dest: dest, sender: sender, signer: signer, logger: logger, now: time.Now}
}

// Deliver sends evt. ErrNoDestination and egress.ErrBlockedDestination are
// permanent; other errors are worth retrying.
func (d *Deliverer) Deliver(ctx context.Context, evt Event) error {
	url, err := d.dest.WebhookDestination(ctx, evt.LedgerID)
	if err != nil {
		return fmt.Errorf("notify: load destination: %w", err)
	}
	if url == "" {
		return ErrNoDestination
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	sig, err := d.signer.Sign(evt.LedgerID, body, d.now())
	if err != nil {
		return err
	}
	resp, err := d.sender.Send(ctx, egress.Request{
		LedgerID: evt.LedgerID,
		URL:      url,
		Body:     body,
		Headers: map[string]string{
			HeaderSignature: sig,
			HeaderEvent:     string(evt.Type),
			HeaderEventID:   evt.ID.String(),
		},
	})
	if err != nil {
		return err
	}
	d.logger.Info("webhook delivered",
		slog.String("ledger_id", evt.LedgerID.String()),
		slog.String("event", string(evt.Type)),
		slog.Int("status", resp.StatusCode))
	return nil
}

// Permanent reports whether err should not be retried.
func Permanent(err error) bool {
	return errors.Is(err, ErrNoDestination) || errors.Is(err, egress.ErrBlockedDestination) || errors.Is(err, errNoSecret)
}
