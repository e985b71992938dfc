package signature

import (
	"strings"
	"testing"
	"time"
)

func TestVerifyTimestampedKnownVector(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1700000000, 0)
	header := SignTimestamped("whsec_test", 1700000000, payload)

	if !strings.HasPrefix(header, "t=1700000000,v1=") {
		t.Fatalf("SignTimestamped() = %q", header)
	}
	if got := len(strings.TrimPrefix(header, "t=1700000000,v1=")); got != 64 {
		t.Fatalf("signature hex len = %d, want 64", got)
	}
	if !VerifyTimestamped(header, payload, "whsec_test", DefaultTolerance, now) {
		t.Fatalf("VerifyTimestamped() = false, want true")
	}
	if VerifyTimestamped(header, payload, "whsec_other", DefaultTolerance, now) {
		t.Fatalf("VerifyTimestamped() accepted wrong secret")
	}
}

func TestVerifyTimestampedRejectsEveryByteFlip(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"id":"evt_1","type":"customer.created"}`)
	now := time.Unix(1700000000, 0)
	header := SignTimestamped("whsec_test", now.Unix(), payload)

	for i := range payload {
		tampered := append([]byte(nil), payload...)
		tampered[i] ^= 0x01
		if VerifyTimestamped(header, tampered, "whsec_test", DefaultTolerance, now) {
			t.Fatalf("VerifyTimestamped() accepted payload flipped at byte %d", i)
		}
	}
}

func TestVerifyTimestampedRejects(t *testing.T) {
	t.Parallel()

	payload := []byte(`{}`)
	now := time.Unix(1700000000, 0)
	good := ComputeTimestamped("s", now.Unix(), payload)

	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"missing timestamp", "v1=" + good},
		{"missing signature", "t=1700000000"},
		{"bad timestamp", "t=abc,v1=" + good},
		{"short signature", "t=1700000000,v1=" + good[:10]},
		{"long signature", "t=1700000000,v1=" + good + "00"},
		{"stale", "t=1699999000,v1=" + ComputeTimestamped("s", 1699999000, payload)},
		{"future", "t=1700001000,v1=" + ComputeTimestamped("s", 1700001000, payload)},
		{"garbage", "t=,v1=,,=="},
	}
	for _, tt := range tests {
		if VerifyTimestamped(tt.header, payload, "s", DefaultTolerance, now) {
			t.Fatalf("%s: VerifyTimestamped() = true, want false", tt.name)
		}
	}

	if !VerifyTimestamped("t=1700000000,v0=zz,v1=deadbeef,v1="+good, payload, "s", DefaultTolerance, now) {
		t.Fatalf("VerifyTimestamped() should accept any matching v1 signature")
	}
	if VerifyTimestamped("t=1700000000,v1="+good, payload, "", DefaultTolerance, now) {
		t.Fatalf("VerifyTimestamped() accepted empty secret")
	}
}

func TestVerifyBase64AndHex(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"id":42}`)
	b64 := ComputeBase64("shpss", payload)
	if !VerifyBase64(b64, payload, "shpss") {
		t.Fatalf("VerifyBase64() = false, want true")
	}
	if VerifyBase64(b64, []byte(`{"id":43}`), "shpss") {
		t.Fatalf("VerifyBase64() accepted tampered payload")
	}
	if VerifyBase64("", payload, "shpss") {
		t.Fatalf("VerifyBase64() accepted empty signature")
	}

	hx := ComputeHex("k", payload)
	if !VerifyHex("sha256="+strings.ToUpper(hx), payload, "k") {
		t.Fatalf("VerifyHex() = false for prefixed upper-case signature")
	}
	if VerifyHex(hx[:63], payload, "k") {
		t.Fatalf("VerifyHex() accepted truncated signature")
	}
}

func TestEqualLength(t *testing.T) {
	t.Parallel()

	if Equal([]byte("abc"), []byte("abcd")) {
		t.Fatalf("Equal() = true for different lengths")
	}
	if !Equal([]byte("abc"), []byte("abc")) {
		t.Fatalf("Equal() = false for identical input")
	}
}
