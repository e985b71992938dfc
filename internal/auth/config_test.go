package auth

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestBuildHeader(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		cfg       Config
		creds     Credentials
		wantName  string
		wantValue string
	}{
		{
			name:      "oauth2",
			cfg:       Config{Type: TypeOAuth2},
			creds:     Credentials{KeyAccessToken: "at"},
			wantName:  "Authorization",
			wantValue: "Bearer at",
		},
		{
			name:      "bearer falls back to api key",
			cfg:       Config{Type: TypeBearer},
			creds:     Credentials{KeyAPIKey: "sk_test"},
			wantName:  "Authorization",
			wantValue: "Bearer sk_test",
		},
		{
			name:      "basic",
			cfg:       Config{Type: TypeBasic},
			creds:     Credentials{KeyUsername: "user", KeyPassword: "pass"},
			wantName:  "Authorization",
			wantValue: "Basic dXNlcjpwYXNz",
		},
		{
			name:      "api key default header",
			cfg:       Config{Type: TypeAPIKey},
			creds:     Credentials{KeyAPIKey: "k"},
			wantName:  "X-API-Key",
			wantValue: "k",
		},
		{
			name:      "api key with prefix",
			cfg:       Config{Type: TypeAPIKey, HeaderName: "Authorization", HeaderPrefix: "Token"},
			creds:     Credentials{KeyAPIKey: "k"},
			wantName:  "Authorization",
			wantValue: "Token k",
		},
		{
			name:      "custom",
			cfg:       Config{Type: TypeCustom, HeaderName: "X-Partner", CredentialKey: "partner_key"},
			creds:     Credentials{"partner_key": "p"},
			wantName:  "X-Partner",
			wantValue: "p",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			name, value, err := BuildHeader(tc.cfg, tc.creds)
			if err != nil {
				t.Fatalf("BuildHeader() error = %v", err)
			}
			if name != tc.wantName || value != tc.wantValue {
				t.Fatalf("BuildHeader() = %q: %q, want %q: %q", name, value, tc.wantName, tc.wantValue)
			}
		})
	}
}

func TestBuildHeaderMissingCredential(t *testing.T) {
	t.Parallel()

	_, _, err := BuildHeader(Config{Type: TypeOAuth2}, Credentials{})
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("BuildHeader() error = %v, want ErrMissingCredential", err)
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	issued := func(ago time.Duration) string { return strconv.FormatInt(now.Add(-ago).Unix(), 10) }

	cases := []struct {
		name   string
		stored State
		creds  Credentials
		want   State
	}{
		{name: "no expiry", creds: Credentials{KeyAccessToken: "a"}, want: StateValid},
		{name: "fresh", creds: Credentials{KeyExpiresIn: "3600", KeyIssuedAt: issued(time.Minute)}, want: StateValid},
		{name: "inside buffer", creds: Credentials{KeyExpiresIn: "3600", KeyIssuedAt: issued(3540 * time.Second)}, want: StateExpiring},
		{name: "expired", creds: Credentials{KeyExpiresIn: "3600", KeyIssuedAt: issued(2 * time.Hour)}, want: StateExpiring},
		{name: "unknown issue time", creds: Credentials{KeyExpiresIn: "3600"}, want: StateExpiring},
		{name: "sticky invalid", stored: StateInvalid, creds: Credentials{KeyAccessToken: "a"}, want: StateInvalid},
	}
	for _, tc := range cases {
		if got := Evaluate(tc.stored, tc.creds, now, DefaultRefreshBuffer); got != tc.want {
			t.Fatalf("%s: Evaluate() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := (Config{Type: TypeOAuth2}).Validate(); err == nil {
		t.Fatalf("Validate() oauth2 without urls error = nil")
	}
	if err := (Config{Type: "kerberos"}).Validate(); err == nil || !strings.Contains(err.Error(), "kerberos") {
		t.Fatalf("Validate() unknown type error = %v", err)
	}
	if err := (Config{Type: TypeAPIKey}).Validate(); err != nil {
		t.Fatalf("Validate() api_key error = %v", err)
	}
}

func TestStateSignerRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	signer := StateSigner{Secret: []byte("state-secret"), Now: func() time.Time { return now }}

	token, err := signer.Sign("ws_1", "stripe")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	got, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.WorkspaceID != "ws_1" || got.ConnectorID != "stripe" || got.Nonce == "" {
		t.Fatalf("Verify() = %+v", got)
	}

	other := StateSigner{Secret: []byte("different"), Now: signer.Now}
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidOAuthState) {
		t.Fatalf("Verify() wrong secret error = %v", err)
	}
	if _, err := signer.Verify(token + "x"); !errors.Is(err, ErrInvalidOAuthState) {
		t.Fatalf("Verify() tampered error = %v", err)
	}

	later := StateSigner{Secret: signer.Secret, Now: func() time.Time { return now.Add(time.Hour) }}
	if _, err := later.Verify(token); !errors.Is(err, ErrInvalidOAuthState) {
		t.Fatalf("Verify() expired error = %v", err)
	}
}
