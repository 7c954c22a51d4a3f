// Package auth provides bearer-token verification for the admin surface.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Verifier validates bearer tokens and extracts the caller's role.
// Modes: dev (token is "name:role", no verification) and hmac (HS256 JWT).
type Verifier struct {
	Mode       string
	HMACSecret []byte
	RoleClaim  string
	Now        func() time.Time
}

// Principal identifies an authenticated caller.
type Principal struct {
	Name string
	Role string
}

// IsAdmin reports whether the principal may use the admin surface.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

func NewVerifier(mode, hmacSecret string) *Verifier {
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{Mode: strings.ToLower(mode), HMACSecret: []byte(hmacSecret), RoleClaim: "role", Now: time.Now}
}

var (
	ErrBadToken     = errors.New("invalid token")
	ErrBadSignature = errors.New("bad signature")
	ErrExpired      = errors.New("token expired")
)

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == "dev" {
		// token format: name:role
		name, role, ok := strings.Cut(token, ":")
		if !ok || name == "" || role == "" {
			return Principal{}, ErrBadToken
		}
		return Principal{Name: name, Role: strings.ToLower(role)}, nil
	}
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, ErrBadToken
	}
	headerJSON, err := b64urlDecode(segs[0])
	if err != nil {
		return Principal{}, ErrBadToken
	}
	payloadJSON, err := b64urlDecode(segs[1])
	if err != nil {
		return Principal{}, ErrBadToken
	}
	sig, err := b64urlDecode(segs[2])
	if err != nil {
		return Principal{}, ErrBadToken
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil || hdr.Alg != "HS256" {
		return Principal{}, ErrBadToken
	}
	mac := hmac.New(sha256.New, v.HMACSecret)
	mac.Write([]byte(segs[0] + "." + segs[1]))
	if !hmac.Equal(mac.Sum(nil), sig) {
		return Principal{}, ErrBadSignature
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Principal{}, ErrBadToken
	}
	if exp, ok := claims["exp"].(float64); ok && v.Now().Unix() > int64(exp) {
		return Principal{}, ErrExpired
	}
	role, _ := claims[v.RoleClaim].(string)
	if role == "" {
		role = "user"
	}
	name, _ := claims["sub"].(string)
	return Principal{Name: name, Role: strings.ToLower(role)}, nil
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
