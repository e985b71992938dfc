// Package signature verifies HMAC signed webhook deliveries.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds the age of a timestamped signature.
const DefaultTolerance = 5 * time.Minute

// ComputeTimestamped returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func ComputeTimestamped(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignTimestamped renders a "t=<unix>,v1=<hex>" header value.
func SignTimestamped(secret string, timestamp int64, payload []byte) string {
	return "t=" + strconv.FormatInt(timestamp, 10) + ",v1=" + ComputeTimestamped(secret, timestamp, payload)
}

// TimestampedHeader is a parsed "t=,v1=" signature header.
type TimestampedHeader struct {
	Timestamp  int64
	Signatures []string
}

// ParseTimestamped splits header into its timestamp and v1 signatures.
// Unknown schemes are ignored.
func ParseTimestamped(header string) (TimestampedHeader, bool) {
	var (
		out   TimestampedHeader
		hasTS bool
	)
	for part := range strings.SplitSeq(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return TimestampedHeader{}, false
			}
			out.Timestamp = ts
			hasTS = true
		case "v1":
			out.Signatures = append(out.Signatures, value)
		}
	}
	if !hasTS || len(out.Signatures) == 0 {
		return TimestampedHeader{}, false
	}
	return out, true
}

// VerifyTimestamped checks a "t=,v1=" header against payload. A tolerance of
// zero disables the age check.
func VerifyTimestamped(header string, payload []byte, secret string, tolerance time.Duration, now time.Time) bool {
	if secret == "" {
		return false
	}
	parsed, ok := ParseTimestamped(header)
	if !ok {
		return false
	}
	if tolerance > 0 {
		age := now.Unix() - parsed.Timestamp
		if math.Abs(float64(age)) > tolerance.Seconds() {
			return false
		}
	}
	expected := []byte(ComputeTimestamped(secret, parsed.Timestamp, payload))
	matched := false
	for _, sig := range parsed.Signatures {
		if Equal(expected, []byte(sig)) {
			matched = true
		}
	}
	return matched
}

// ComputeBase64 returns the base64 HMAC-SHA256 of payload.
func ComputeBase64(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyBase64 checks a bare base64 HMAC-SHA256 signature.
func VerifyBase64(signature string, payload []byte, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return Equal([]byte(ComputeBase64(secret, payload)), []byte(strings.TrimSpace(signature)))
}

// ComputeHex returns the hex HMAC-SHA256 of payload.
func ComputeHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHex checks a hex HMAC-SHA256 signature, optionally "sha256=" prefixed.
func VerifyHex(signature string, payload []byte, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	return Equal([]byte(ComputeHex(secret, payload)), []byte(strings.ToLower(sig)))
}

// Equal compares in constant time. Inputs of different length are rejected
// before any byte is compared.
func Equal(expected, got []byte) bool {
	if len(expected) != len(got) {
		return false
	}
	return hmac.Equal(expected, got)
}
