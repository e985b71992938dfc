package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownProvider is returned for slugs nobody registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ConnectorRegistry is the central registry for all connector providers.
type ConnectorRegistry struct {
	providers map[string]Provider
	order     []string // Display order
}

// NewRegistry creates a new connector registry.
func NewRegistry() *ConnectorRegistry {
	return &ConnectorRegistry{
		providers: make(map[string]Provider),
		order:     make([]string, 0),
	}
}

// Register adds a provider keyed by its definition slug.
func (r *ConnectorRegistry) Register(p Provider) error {
	if p == nil || p.Definition() == nil {
		return fmt.Errorf("provider has no definition")
	}
	slug := normalizeSlug(p.Definition().Slug)
	if slug == "" {
		return fmt.Errorf("connector slug cannot be empty")
	}
	if _, exists := r.providers[slug]; exists {
		return fmt.Errorf("connector slug %q already registered", slug)
	}
	r.providers[slug] = p
	r.order = append(r.order, slug)
	return nil
}

// Get retrieves a provider by slug.
func (r *ConnectorRegistry) Get(slug string) (Provider, bool) {
	p, ok := r.providers[normalizeSlug(slug)]
	return p, ok
}

// Lookup is Get with an error naming the supported slugs.
func (r *ConnectorRegistry) Lookup(slug string) (Provider, error) {
	if p, ok := r.Get(slug); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w %q (supported: %s)", ErrUnknownProvider, slug, strings.Join(r.Slugs(), ", "))
}

// All returns all registered providers in registration order.
func (r *ConnectorRegistry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, slug := range r.order {
		out = append(out, r.providers[slug])
	}
	return out
}

// Slugs returns the registered slugs in registration order.
func (r *ConnectorRegistry) Slugs() []string {
	return append([]string(nil), r.order...)
}

func normalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}
