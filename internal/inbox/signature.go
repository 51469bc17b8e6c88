package inbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix>,v1=<hex>[,v1=<hex>...]".
const SignatureHeader = "X-Processor-Signature"

// SignatureTolerance is the accepted clock skew.
const SignatureTolerance = 5 * time.Minute

var (
	ErrSignatureMissing = errors.New("inbox: signature missing")
	ErrSignatureInvalid = errors.New("inbox: signature invalid")
	ErrSignatureExpired = errors.New("inbox: signature timestamp outside tolerance")
)

// Verifier checks processor webhook signatures.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier builds a Verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify checks header against body.
func (v *Verifier) Verify(header string, body []byte) error {
	if len(v.secret) == 0 || strings.TrimSpace(header) == "" {
		return ErrSignatureMissing
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrSignatureInvalid
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	skew := v.now().Sub(time.Unix(unix, 0))
	if skew > SignatureTolerance || skew < -SignatureTolerance {
		return ErrSignatureExpired
	}
	expected := computeSignature(v.secret, ts, body)
	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

// Sign produces the header value for body at the given time.
func (v *Verifier) Sign(body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(computeSignature(v.secret, ts, body))
}

func computeSignature(secret []byte, ts string, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}
