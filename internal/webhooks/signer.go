package webhooks

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
)

// Outbound header contract. Receivers recompute the HMAC over the exact raw
// body bytes using these values.
const (
	HeaderID        = "X-Webhook-Id"
	HeaderEvent     = "X-Webhook-Event"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// SignatureRe matches the only signature format we emit or accept.
var SignatureRe = regexp.MustCompile(`^v1=[0-9a-f]{64}$`)

// SigningString builds the canonical byte sequence the HMAC covers:
// "v1." + unix seconds + "." + event + "." + raw body.
func SigningString(ts int64, event string, body []byte) []byte {
	prefix := "v1." + strconv.FormatInt(ts, 10) + "." + event + "."
	out := make([]byte, 0, len(prefix)+len(body))
	out = append(out, prefix...)
	return append(out, body...)
}

// Sign returns the signature header value, "v1=<hex hmac-sha256>".
func Sign(secret string, ts int64, event string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(SigningString(ts, event, body))
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a provided signature header value against the
// canonical HMAC in constant time. The format must already have been
// validated against SignatureRe.
func VerifySignature(secret string, ts int64, event string, body []byte, provided string) bool {
	if !SignatureRe.MatchString(provided) {
		return false
	}
	sig, err := hex.DecodeString(provided[len("v1="):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(SigningString(ts, event, body))
	return hmac.Equal(mac.Sum(nil), sig)
}

// NewSecret mints a high-entropy endpoint secret. It is returned to the
// caller exactly once, by the create and rotate responses.
func NewSecret() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("webhooks: rand.Read: %v", err))
	}
	return "whsec_" + hex.EncodeToString(b[:])
}
