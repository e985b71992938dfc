package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidOAuthState is returned when a callback state fails verification.
var ErrInvalidOAuthState = errors.New("auth: invalid oauth state")

const defaultStateTTL = 10 * time.Minute

// StateSigner issues and verifies the opaque state parameter of the OAuth
// authorization round trip.
type StateSigner struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// OAuthState is the verified content of a state parameter.
type OAuthState struct {
	WorkspaceID string
	ConnectorID string
	Nonce       string
	IssuedAt    time.Time
}

func (s StateSigner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Sign returns "payload.signature", both base64url encoded.
func (s StateSigner) Sign(workspaceID, connectorID string) (string, error) {
	if len(s.Secret) == 0 {
		return "", errors.New("auth: oauth state secret is not configured")
	}
	if strings.Contains(workspaceID, "|") || strings.Contains(connectorID, "|") {
		return "", errors.New("auth: workspace and connector ids cannot contain '|'")
	}
	payload := strings.Join([]string{
		workspaceID,
		connectorID,
		uuid.NewString(),
		strconv.FormatInt(s.now().Unix(), 10),
	}, "|")
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(payload)) + "." + enc.EncodeToString(s.mac([]byte(payload))), nil
}

// Verify checks the signature and age of token.
func (s StateSigner) Verify(token string) (OAuthState, error) {
	if len(s.Secret) == 0 {
		return OAuthState{}, errors.New("auth: oauth state secret is not configured")
	}
	rawPayload, rawSig, ok := strings.Cut(token, ".")
	if !ok {
		return OAuthState{}, ErrInvalidOAuthState
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(rawPayload)
	if err != nil {
		return OAuthState{}, ErrInvalidOAuthState
	}
	sig, err := enc.DecodeString(rawSig)
	if err != nil || !hmac.Equal(sig, s.mac(payload)) {
		return OAuthState{}, ErrInvalidOAuthState
	}

	parts := strings.Split(string(payload), "|")
	if len(parts) != 4 {
		return OAuthState{}, ErrInvalidOAuthState
	}
	issued, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return OAuthState{}, ErrInvalidOAuthState
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	issuedAt := time.Unix(issued, 0)
	if s.now().Sub(issuedAt) > ttl {
		return OAuthState{}, ErrInvalidOAuthState
	}
	return OAuthState{
		WorkspaceID: parts[0],
		ConnectorID: parts[1],
		Nonce:       parts[2],
		IssuedAt:    issuedAt,
	}, nil
}

func (s StateSigner) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, s.Secret)
	h.Write(payload)
	return h.Sum(nil)
}
