// Package rest is a definition driven connector for JSON APIs that page with
// a cursor parameter. Definitions loaded from CONNECTOR_DEFINITIONS_DIR use
// it when no built-in implementation shares their slug.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tallyhq/tally/internal/connectors/provider"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/entity"
	"github.com/tallyhq/tally/internal/signature"
	"github.com/tallyhq/tally/internal/transform"
)

const (
	// ConfigAPIBase overrides the definition's base URL per workspace.
	ConfigAPIBase = "api_base"
	// ConfigTestPath names the path TestConnection requests.
	ConfigTestPath = "test_path"
)

type Provider struct {
	def    *registry.ConnectorDefinition
	engine *transform.Engine
}

func New(def *registry.ConnectorDefinition, engine *transform.Engine) *Provider {
	if engine == nil {
		engine = transform.NewEngine()
	}
	return &Provider{def: def, engine: engine}
}

func (p *Provider) Definition() *registry.ConnectorDefinition { return p.def }

func (p *Provider) BaseURL(cfg map[string]any) (string, error) {
	base := p.def.BaseURL
	if v, ok := cfg[ConfigAPIBase].(string); ok && strings.TrimSpace(v) != "" {
		base = v
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", fmt.Errorf("%s: base url is required", p.def.Slug)
	}
	if _, err := url.Parse(base); err != nil {
		return "", fmt.Errorf("%s: invalid base url: %w", p.def.Slug, err)
	}
	return base, nil
}

func (p *Provider) Connect(session registry.Session) (registry.Connector, error) {
	if session.HTTP == nil {
		return nil, fmt.Errorf("%s: session has no http client", p.def.Slug)
	}
	return &Connector{Provider: p, http: session.HTTP, testPath: session.ConfigString(ConfigTestPath)}, nil
}

type Connector struct {
	*Provider
	http     *provider.Client
	testPath string
}

// TestConnection requests one record from the first endpoint unless a test
// path is configured.
func (c *Connector) TestConnection(ctx context.Context) registry.ConnectionStatus {
	path := c.testPath
	q := url.Values{}
	if path == "" && len(c.def.Endpoints) > 0 {
		ep := c.def.Endpoints[0]
		path = ep.Path
		if ep.Pagination.LimitParam != "" {
			q.Set(ep.Pagination.LimitParam, "1")
		}
	}
	if path == "" {
		return registry.ConnectionStatus{Connected: false, Message: "no endpoint to test against"}
	}
	if _, err := c.http.Get(ctx, path, q); err != nil {
		return registry.ConnectionStatus{Connected: false, Message: err.Error()}
	}
	return registry.ConnectionStatus{Connected: true}
}

func (c *Connector) Fetch(ctx context.Context, kind entity.Kind, opts registry.FetchOptions) (registry.Page, error) {
	ep, ok := c.def.Endpoint(kind)
	if !ok {
		return registry.Page{}, fmt.Errorf("%s: unsupported entity type %q", c.def.Slug, kind)
	}
	pg := ep.Pagination

	q := url.Values{}
	for k, v := range ep.Query {
		q.Set(k, v)
	}
	if pg.LimitParam != "" && opts.Limit > 0 {
		q.Set(pg.LimitParam, strconv.Itoa(opts.Limit))
	}
	if pg.CursorParam != "" && opts.Cursor != "" {
		q.Set(pg.CursorParam, opts.Cursor)
	}
	if pg.SinceParam != "" && opts.Since != nil {
		q.Set(pg.SinceParam, opts.Since.UTC().Format(time.RFC3339))
	}

	resp, err := c.http.Do(ctx, ep.Method, ep.Path, q, nil)
	if err != nil {
		return registry.Page{}, err
	}
	records, err := provider.Items(resp.Body, ep.ItemsPath)
	if err != nil {
		return registry.Page{}, fmt.Errorf("%s %s: %w", c.def.Slug, kind, err)
	}

	page := registry.Page{Records: records}
	if pg.NextCursorPath != "" {
		page.NextCursor = provider.StringField(resp.Body, pg.NextCursorPath)
	}
	if pg.HasMorePath != "" {
		page.HasMore = provider.BoolField(resp.Body, pg.HasMorePath)
	} else {
		page.HasMore = page.NextCursor != ""
	}
	return page, nil
}

// VerifyWebhook checks a hex HMAC-SHA256 of the body, optionally prefixed
// with "sha256=".
func (p *Provider) VerifyWebhook(payload []byte, headers http.Header, secret string, _ time.Time) bool {
	if p.def.Webhook.SignatureHeader == "" {
		return false
	}
	return signature.VerifyHex(headers.Get(p.def.Webhook.SignatureHeader), payload, secret)
}

func (p *Provider) WebhookEventID(payload []byte, _ http.Header) string {
	return provider.StringField(payload, "id")
}

// DecodeWebhook expects an {id, type, created_at?, data} envelope.
func (p *Provider) DecodeWebhook(payload []byte, headers http.Header) (registry.WebhookEvent, error) {
	var env struct {
		ID        json.RawMessage `json:"id"`
		Type      string          `json:"type"`
		CreatedAt string          `json:"created_at"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return registry.WebhookEvent{}, fmt.Errorf("decode %s event: %w", p.def.Slug, err)
	}
	if env.Type == "" {
		return registry.WebhookEvent{}, fmt.Errorf("decode %s event: missing type", p.def.Slug)
	}
	ev := registry.WebhookEvent{
		ID:      p.WebhookEventID(payload, headers),
		Type:    env.Type,
		Payload: env.Data,
		Headers: headers,
	}
	if ts, err := time.Parse(time.RFC3339Nano, env.CreatedAt); err == nil {
		ev.Timestamp = ts.UTC()
	}
	return ev, nil
}

func (p *Provider) ParseWebhook(ev registry.WebhookEvent) (entity.Entity, error) {
	kind, deleted, ok := p.def.WebhookEntity(ev.Type)
	if !ok {
		return nil, nil
	}
	tdef, ok := p.def.Transform(kind)
	if !ok {
		return nil, fmt.Errorf("%s: no transform for %s", p.def.Slug, kind)
	}
	if len(ev.Payload) == 0 {
		return nil, fmt.Errorf("%s %s: event has no data", p.def.Slug, ev.Type)
	}
	e, err := p.engine.Transform(ev.Payload, tdef)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", p.def.Slug, ev.Type, err)
	}
	if deleted {
		entity.MarkDeleted(e)
	}
	return e, nil
}
