// Package shopify syncs customers, orders and products from the Shopify
// Admin REST API and normalizes its webhooks.
package shopify

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tallyhq/tally/internal/connectors/provider"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/entity"
	"github.com/tallyhq/tally/internal/transform"
)

const Slug = "shopify"

const maxPageSize = 250

type Provider struct {
	def    *registry.ConnectorDefinition
	engine *transform.Engine
}

// New loads the embedded Shopify definition.
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

// BaseURL substitutes the store handle into the definition's base URL.
func (p *Provider) BaseURL(m map[string]any) (string, error) {
	cfg := ConfigFromMap(m)
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if cfg.APIBase != "" {
		return cfg.APIBase, nil
	}
	return strings.ReplaceAll(p.def.BaseURL, "{shop}", cfg.Handle()), nil
}

func (p *Provider) Connect(session registry.Session) (registry.Connector, error) {
	if session.HTTP == nil {
		return nil, fmt.Errorf("shopify: session has no http client")
	}
	return &Connector{Provider: p, http: session.HTTP}, nil
}

// Connector is the Shopify provider bound to one store.
type Connector struct {
	*Provider
	http *provider.Client
}

func (c *Connector) TestConnection(ctx context.Context) registry.ConnectionStatus {
	resp, err := c.http.Get(ctx, "/shop.json", nil)
	if err != nil {
		return registry.ConnectionStatus{Connected: false, Message: err.Error()}
	}
	account := provider.StringField(resp.Body, "shop.name")
	if account == "" {
		account = provider.StringField(resp.Body, "shop.myshopify_domain")
	}
	return registry.ConnectionStatus{Connected: true, Account: account}
}

// Fetch lists one page. The cursor is Shopify's page_info token from the
// Link header. Filters may only accompany the first request, so Since and
// the endpoint query are dropped once a cursor is present.
func (c *Connector) Fetch(ctx context.Context, kind entity.Kind, opts registry.FetchOptions) (registry.Page, error) {
	ep, ok := c.def.Endpoint(kind)
	if !ok {
		return registry.Page{}, fmt.Errorf("shopify: unsupported entity type %q", kind)
	}

	q := url.Values{}
	limit := opts.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	q.Set("limit", strconv.Itoa(limit))
	if opts.Cursor != "" {
		q.Set("page_info", opts.Cursor)
	} else {
		for k, v := range ep.Query {
			q.Set(k, v)
		}
		if opts.Since != nil {
			q.Set("updated_at_min", opts.Since.UTC().Format(time.RFC3339))
		}
	}

	resp, err := c.http.Do(ctx, ep.Method, ep.Path, q, nil)
	if err != nil {
		return registry.Page{}, err
	}
	records, err := provider.Items(resp.Body, ep.ItemsPath)
	if err != nil {
		return registry.Page{}, fmt.Errorf("shopify %s: %w", kind, err)
	}

	next := provider.QueryParam(provider.ParseNextLink(resp.Header.Get("Link")), "page_info")
	return registry.Page{
		Records:    records,
		NextCursor: next,
		HasMore:    next != "",
	}, nil
}
