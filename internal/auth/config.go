// Package auth owns provider credentials: building request headers, tracking
// credential freshness, and refreshing OAuth tokens.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type is the authentication scheme a provider uses.
type Type string

const (
	TypeOAuth2 Type = "oauth2"
	TypeAPIKey Type = "api_key"
	TypeBasic  Type = "basic"
	TypeBearer Type = "bearer"
	TypeCustom Type = "custom"
)

// Config describes how a provider authenticates requests.
type Config struct {
	Type Type `yaml:"type" json:"type"`

	// HeaderName and HeaderPrefix shape api_key and custom headers.
	HeaderName   string `yaml:"headerName,omitempty" json:"headerName,omitempty"`
	HeaderPrefix string `yaml:"headerPrefix,omitempty" json:"headerPrefix,omitempty"`
	// CredentialKey selects which credential value a custom header carries.
	CredentialKey string `yaml:"credentialKey,omitempty" json:"credentialKey,omitempty"`

	AuthorizationURL string   `yaml:"authorizationUrl,omitempty" json:"authorizationUrl,omitempty"`
	TokenURL         string   `yaml:"tokenUrl,omitempty" json:"tokenUrl,omitempty"`
	Scopes           []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// Validate reports configuration that can never produce a header.
func (c Config) Validate() error {
	switch c.Type {
	case TypeOAuth2:
		if c.TokenURL == "" || c.AuthorizationURL == "" {
			return errors.New("oauth2 requires authorizationUrl and tokenUrl")
		}
	case TypeCustom:
		if c.HeaderName == "" || c.CredentialKey == "" {
			return errors.New("custom auth requires headerName and credentialKey")
		}
	case TypeAPIKey, TypeBasic, TypeBearer:
	default:
		return fmt.Errorf("unknown auth type %q", c.Type)
	}
	return nil
}

// Credential keys stored in ConnectorState.Credentials.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyTokenType    = "token_type"
	KeyExpiresIn    = "expires_in"
	KeyIssuedAt     = "issued_at"
	KeyScope        = "scope"
	KeyAPIKey       = "api_key"
	KeyUsername     = "username"
	KeyPassword     = "password"
	KeyToken        = "token"
	// KeyWebhookSecret holds a per-workspace webhook signing secret.
	KeyWebhookSecret = "webhook_secret"
)

// Credentials is the opaque secret material for one connector.
type Credentials map[string]string

// IssuedAt returns when the access token was issued.
func (c Credentials) IssuedAt() (time.Time, bool) {
	raw := strings.TrimSpace(c[KeyIssuedAt])
	if raw == "" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		ts, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Unix(sec, 0), true
}

// ExpiresIn returns the token lifetime, if the provider reported one.
func (c Credentials) ExpiresIn() (time.Duration, bool) {
	raw := strings.TrimSpace(c[KeyExpiresIn])
	if raw == "" {
		return 0, false
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return time.Duration(sec) * time.Second, true
}

// ErrMissingCredential is returned when a header cannot be built because a
// required credential value is absent.
var ErrMissingCredential = errors.New("auth: missing credential")

// BuildHeader returns the header name and value that authenticate a request.
func BuildHeader(cfg Config, creds Credentials) (string, string, error) {
	switch cfg.Type {
	case TypeOAuth2:
		token := creds[KeyAccessToken]
		if token == "" {
			return "", "", fmt.Errorf("%w: %s", ErrMissingCredential, KeyAccessToken)
		}
		return "Authorization", "Bearer " + token, nil
	case TypeBearer:
		token := firstNonEmpty(creds[KeyToken], creds[KeyAccessToken], creds[KeyAPIKey])
		if token == "" {
			return "", "", fmt.Errorf("%w: %s", ErrMissingCredential, KeyToken)
		}
		return "Authorization", "Bearer " + token, nil
	case TypeBasic:
		user := firstNonEmpty(creds[KeyUsername], creds[KeyAPIKey])
		if user == "" {
			return "", "", fmt.Errorf("%w: %s", ErrMissingCredential, KeyUsername)
		}
		raw := user + ":" + creds[KeyPassword]
		return "Authorization", "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), nil
	case TypeAPIKey:
		key := creds[KeyAPIKey]
		if key == "" {
			return "", "", fmt.Errorf("%w: %s", ErrMissingCredential, KeyAPIKey)
		}
		name := cfg.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		return name, withPrefix(cfg.HeaderPrefix, key), nil
	case TypeCustom:
		value := creds[cfg.CredentialKey]
		if cfg.HeaderName == "" || value == "" {
			return "", "", fmt.Errorf("%w: %s", ErrMissingCredential, cfg.CredentialKey)
		}
		return cfg.HeaderName, withPrefix(cfg.HeaderPrefix, value), nil
	default:
		return "", "", fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}

func withPrefix(prefix, value string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return value
	}
	return prefix + " " + value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
