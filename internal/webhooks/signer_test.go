package webhooks

import (
	"strings"
	"testing"
)

func TestSignRoundTrip(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"jobId":1}`)
	ts := int64(1700000000)
	sig := Sign(secret, ts, "job.created", body)
	if !SignatureRe.MatchString(sig) {
		t.Fatalf("signature format: %q", sig)
	}
	if !VerifySignature(secret, ts, "job.created", body, sig) {
		t.Fatal("round trip failed")
	}
}

func TestSignMutationInvalidates(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"jobId":1}`)
	ts := int64(1700000000)
	sig := Sign(secret, ts, "job.created", body)

	if VerifySignature(secret, ts, "job.created", []byte(`{"jobId":2}`), sig) {
		t.Fatal("mutated body should not verify")
	}
	if VerifySignature(secret, ts+1, "job.created", body, sig) {
		t.Fatal("mutated timestamp should not verify")
	}
	if VerifySignature(secret, ts, "job.deleted", body, sig) {
		t.Fatal("mutated event should not verify")
	}
	if VerifySignature("whsec_other", ts, "job.created", body, sig) {
		t.Fatal("wrong secret should not verify")
	}
}

func TestVerifySignatureRejectsBadFormat(t *testing.T) {
	for _, sig := range []string{"", "v1=", "v1=zz", "v2=" + strings.Repeat("a", 64), "v1=" + strings.Repeat("A", 64)} {
		if VerifySignature("s", 1, "e", nil, sig) {
			t.Fatalf("accepted malformed signature %q", sig)
		}
	}
}

func TestSigningStringLayout(t *testing.T) {
	got := string(SigningString(42, "job.created", []byte(`{"a":1}`)))
	want := `v1.42.job.created.{"a":1}`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestNewSecret(t *testing.T) {
	a, b := NewSecret(), NewSecret()
	if !strings.HasPrefix(a, "whsec_") || len(a) != len("whsec_")+64 {
		t.Fatalf("unexpected secret shape: %q", a)
	}
	if a == b {
		t.Fatal("secrets must not repeat")
	}
}
