package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	HeaderSignature = "X-Soledgic-Signature"
	HeaderEvent     = "X-Soledgic-Event"
	HeaderEventID   = "X-Soledgic-Event-Id"
)

var errNoSecret = errors.New("notify: signing secret not configured")

// Signer derives a per-ledger key from a master secret so one leaked
// endpoint secret cannot forge events for another ledger.
type Signer struct {
	master []byte
}

// NewSigner builds a Signer. An empty secret yields a signer that refuses to
// sign.
func NewSigner(master string) *Signer {
	return &Signer{master: []byte(master)}
}

// LedgerKey returns the 32-byte signing key for ledgerID.
func (s *Signer) LedgerKey(ledgerID uuid.UUID) ([]byte, error) {
	if s == nil || len(s.master) == 0 {
		return nil, errNoSecret
	}
	r := hkdf.New(sha256.New, s.master, nil, []byte("soledgic-webhook:"+ledgerID.String()))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("notify: derive key: %w", err)
	}
	return key, nil
}

// Sign returns the signature header value "t=<unix>,v1=<hex>" over
// "<unix>.<body>".
func (s *Signer) Sign(ledgerID uuid.UUID, body []byte, at time.Time) (string, error) {
	key, err := s.LedgerKey(ledgerID)
	if err != nil {
		return "", err
	}
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac(key, ts, body)), nil
}

func mac(key []byte, ts string, body []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}
