package webhooks

import (
	"context"
	"errors"
	"strconv"
	"time"

	"hookrelay/internal/store"
)

// Inbound verification failures. Header and freshness problems are the
// caller's to fix (400); a mismatching signature is an authentication
// failure (401).
var (
	ErrMissingHeader  = errors.New("missing webhook header")
	ErrBadTimestamp   = errors.New("timestamp is not unix seconds")
	ErrBadSignature   = errors.New("signature must match v1=<64 hex>")
	ErrStaleTimestamp = errors.New("timestamp outside tolerance")
	ErrSignatureMatch = errors.New("signature mismatch")
)

// InboundHeaders are the raw header values of a received webhook.
type InboundHeaders struct {
	ID        string
	Event     string
	Timestamp string
	Signature string
}

// Verifier validates webhooks this system receives, symmetric to the
// outbound signer, and deduplicates replays through a durable record.
type Verifier struct {
	Store     store.Store
	Tolerance time.Duration
	Now       func() time.Time
}

func NewVerifier(s store.Store, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = 300 * time.Second
	}
	return &Verifier{Store: s, Tolerance: tolerance, Now: time.Now}
}

// Verify checks headers, freshness, and the HMAC over the exact received
// body bytes, then records the delivery id. applied is false when the id was
// already processed: the caller must treat that as success without redoing
// the side effect.
func (v *Verifier) Verify(ctx context.Context, source, secret string, h InboundHeaders, body []byte) (applied bool, err error) {
	if h.ID == "" || h.Event == "" || h.Timestamp == "" || h.Signature == "" {
		return false, ErrMissingHeader
	}
	if !SignatureRe.MatchString(h.Signature) {
		return false, ErrBadSignature
	}
	ts, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return false, ErrBadTimestamp
	}
	now := v.Now().Unix()
	skew := now - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(v.Tolerance/time.Second) {
		return false, ErrStaleTimestamp
	}
	if !VerifySignature(secret, ts, h.Event, body, h.Signature) {
		return false, ErrSignatureMatch
	}
	return v.Store.MarkInboundProcessed(ctx, source, h.ID)
}
