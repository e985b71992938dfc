// Package stripe syncs customers, products, subscriptions and invoices from
// the Stripe API and normalizes its webhook events.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tallyhq/tally/internal/connectors/provider"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/entity"
	"github.com/tallyhq/tally/internal/transform"
)

// Slug identifies the connector in routes, credentials and env names.
const Slug = "stripe"

const (
	maxPageSize = 100
	// ConfigAPIBase overrides the API root, e.g. for a mock server.
	ConfigAPIBase = "api_base"
)

type Provider struct {
	def    *registry.ConnectorDefinition
	engine *transform.Engine
}

// New loads the embedded Stripe definition.
func New(engine *transform.Engine) (*Provider, error) {
	def, err := registry.BuiltinDefinition(Slug, engine)
	if err != nil {
		return nil, err
	}
	return NewWithDefinition(def, engine), nil
}

func NewWithDefinition(def *registry.ConnectorDefinition, engine *transform.Engine) *Provider {
	if engine == nil {
		engine = transform.NewEngine()
	}
	return &Provider{def: def, engine: engine}
}

func (p *Provider) Definition() *registry.ConnectorDefinition { return p.def }

func (p *Provider) BaseURL(cfg map[string]any) (string, error) {
	if v, ok := cfg[ConfigAPIBase].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimRight(strings.TrimSpace(v), "/"), nil
	}
	return p.def.BaseURL, nil
}

func (p *Provider) Connect(session registry.Session) (registry.Connector, error) {
	if session.HTTP == nil {
		return nil, fmt.Errorf("stripe: session has no http client")
	}
	return &Connector{Provider: p, http: session.HTTP}, nil
}

// Connector is the Stripe provider bound to one workspace.
type Connector struct {
	*Provider
	http *provider.Client
}

func (c *Connector) TestConnection(ctx context.Context) registry.ConnectionStatus {
	resp, err := c.http.Get(ctx, "/v1/account", nil)
	if err != nil {
		return registry.ConnectionStatus{Connected: false, Message: err.Error()}
	}
	account := provider.StringField(resp.Body, "business_profile.name")
	if account == "" {
		account = provider.StringField(resp.Body, "id")
	}
	return registry.ConnectionStatus{Connected: true, Account: account}
}

// Fetch lists one page. The cursor is the id of the last record returned,
// passed back as starting_after.
func (c *Connector) Fetch(ctx context.Context, kind entity.Kind, opts registry.FetchOptions) (registry.Page, error) {
	ep, ok := c.def.Endpoint(kind)
	if !ok {
		return registry.Page{}, fmt.Errorf("stripe: unsupported entity type %q", kind)
	}

	q := url.Values{}
	for k, v := range ep.Query {
		q.Set(k, v)
	}
	limit := opts.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	q.Set("limit", strconv.Itoa(limit))
	if opts.Cursor != "" {
		q.Set("starting_after", opts.Cursor)
	}
	if opts.Since != nil {
		q.Set("created[gte]", strconv.FormatInt(opts.Since.Unix(), 10))
	}

	resp, err := c.http.Do(ctx, ep.Method, ep.Path, q, nil)
	if err != nil {
		return registry.Page{}, err
	}
	records, err := provider.Items(resp.Body, ep.ItemsPath)
	if err != nil {
		return registry.Page{}, fmt.Errorf("stripe %s: %w", kind, err)
	}

	page := registry.Page{
		Records: records,
		HasMore: provider.BoolField(resp.Body, "has_more"),
	}
	if page.HasMore && len(records) > 0 {
		page.NextCursor = recordID(records[len(records)-1])
	}
	return page, nil
}

func recordID(raw json.RawMessage) string {
	return provider.StringField(raw, "id")
}
