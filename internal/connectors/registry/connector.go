package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tallyhq/tally/internal/connectors/provider"
	"github.com/tallyhq/tally/internal/entity"
)

// FetchOptions bounds one page request.
type FetchOptions struct {
	Cursor string
	Limit  int
	Since  *time.Time
}

// Page is one page of raw provider records.
type Page struct {
	Records    []json.RawMessage
	NextCursor string
	HasMore    bool
}

// ConnectionStatus is the result of a connection test.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message,omitempty"`
	Account   string `json:"account,omitempty"`
}

// WebhookEvent is a verified inbound notification.
type WebhookEvent struct {
	ID        string
	Type      string
	Timestamp time.Time
	Payload   json.RawMessage
	Headers   http.Header
}

// Session is what a connector needs to talk to the provider on behalf of
// one workspace.
type Session struct {
	WorkspaceID string
	// Config is the free form connector configuration, e.g. a shop domain.
	Config map[string]any
	HTTP   *provider.Client
}

// ConfigString reads a string value from the session config.
func (s Session) ConfigString(key string) string {
	v, _ := s.Config[key].(string)
	return v
}

// Provider is the stateless half of a connector. It owns the definition
// and everything that can run without workspace credentials.
type Provider interface {
	Definition() *ConnectorDefinition

	// BaseURL resolves the API root for a workspace's connector config.
	BaseURL(config map[string]any) (string, error)
	// Connect binds the provider to one workspace's session.
	Connect(session Session) (Connector, error)

	// VerifyWebhook checks payload against the signature headers using a
	// constant time comparison. It never panics on malformed input.
	VerifyWebhook(payload []byte, headers http.Header, secret string, now time.Time) bool
	// WebhookEventID extracts the delivery id without trusting the payload.
	WebhookEventID(payload []byte, headers http.Header) string
	// DecodeWebhook parses a verified payload into an event.
	DecodeWebhook(payload []byte, headers http.Header) (WebhookEvent, error)
	// ParseWebhook maps an event to a normalized entity, or nil when the
	// event type carries no entity data.
	ParseWebhook(event WebhookEvent) (entity.Entity, error)
}

// Connector is a Provider bound to one workspace.
type Connector interface {
	Provider

	TestConnection(ctx context.Context) ConnectionStatus
	Fetch(ctx context.Context, entityType entity.Kind, opts FetchOptions) (Page, error)
}
