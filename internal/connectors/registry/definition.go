package registry

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/connectors/provider"
	"github.com/tallyhq/tally/internal/entity"
	"github.com/tallyhq/tally/internal/transform"
)

// ConnectorDefinition is the immutable descriptor of a provider integration.
type ConnectorDefinition struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	Version  string `json:"version"`
	Name     string `json:"name"`
	Category string `json:"category"`
	BaseURL  string `json:"baseUrl"`

	Auth       auth.Config                          `json:"auth"`
	Entities   []EntityDefinition                   `json:"entities"`
	Endpoints  []EndpointDefinition                 `json:"endpoints"`
	Webhook    WebhookDefinition                    `json:"webhook"`
	RateLimits map[string]provider.Tier             `json:"rateLimits,omitempty"`
	Transforms map[entity.Kind]transform.Definition `json:"transforms"`
}

// EntityDefinition declares one entity type the connector can sync.
type EntityDefinition struct {
	Name                entity.Kind `json:"name"`
	Table               string      `json:"table"`
	PrimaryKey          string      `json:"primaryKey"`
	SupportsIncremental bool        `json:"supportsIncremental"`
}

// EndpointDefinition locates the provider list endpoint for an entity.
type EndpointDefinition struct {
	EntityType entity.Kind `json:"entityType"`
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	// ItemsPath is the key of the record array in the response body.
	ItemsPath  string               `json:"itemsPath"`
	Query      map[string]string    `json:"query,omitempty"`
	Pagination PaginationDefinition `json:"pagination,omitempty"`
}

// PaginationDefinition drives the generic REST connector. Built-in
// providers with bespoke paging ignore it.
type PaginationDefinition struct {
	CursorParam string `json:"cursorParam,omitempty"`
	LimitParam  string `json:"limitParam,omitempty"`
	SinceParam  string `json:"sinceParam,omitempty"`
	// NextCursorPath and HasMorePath are transform style paths into the
	// response body.
	NextCursorPath string `json:"nextCursorPath,omitempty"`
	HasMorePath    string `json:"hasMorePath,omitempty"`
}

// WebhookDefinition describes inbound change notifications.
type WebhookDefinition struct {
	SignatureHeader string   `json:"signatureHeader"`
	Events          []string `json:"events"`
	// EventEntities maps an event type to the entity kind its payload holds.
	EventEntities map[string]entity.Kind `json:"eventEntities,omitempty"`
	// DeleteEvents lists event types that remove the entity.
	DeleteEvents []string `json:"deleteEvents,omitempty"`
}

// Entity returns the declaration for kind.
func (d *ConnectorDefinition) Entity(kind entity.Kind) (EntityDefinition, bool) {
	for _, e := range d.Entities {
		if e.Name == kind {
			return e, true
		}
	}
	return EntityDefinition{}, false
}

// Endpoint returns the list endpoint for kind.
func (d *ConnectorDefinition) Endpoint(kind entity.Kind) (EndpointDefinition, bool) {
	for _, e := range d.Endpoints {
		if e.EntityType == kind {
			return e, true
		}
	}
	return EndpointDefinition{}, false
}

// Transform returns the mapping for kind.
func (d *ConnectorDefinition) Transform(kind entity.Kind) (transform.Definition, bool) {
	t, ok := d.Transforms[kind]
	return t, ok
}

// EntityTypes lists the declared entity kinds in declaration order.
func (d *ConnectorDefinition) EntityTypes() []entity.Kind {
	out := make([]entity.Kind, 0, len(d.Entities))
	for _, e := range d.Entities {
		out = append(out, e.Name)
	}
	return out
}

// SupportsEvent reports whether the webhook event type is declared.
func (d *ConnectorDefinition) SupportsEvent(eventType string) bool {
	return slices.Contains(d.Webhook.Events, eventType)
}

// WebhookEntity resolves the entity kind carried by eventType and whether
// the event is a deletion.
func (d *ConnectorDefinition) WebhookEntity(eventType string) (entity.Kind, bool, bool) {
	kind, ok := d.Webhook.EventEntities[eventType]
	if !ok {
		return "", false, false
	}
	return kind, slices.Contains(d.Webhook.DeleteEvents, eventType), true
}

func (d *ConnectorDefinition) normalize() {
	d.Slug = strings.ToLower(strings.TrimSpace(d.Slug))
	if d.ID == "" {
		d.ID = d.Slug
	}
	for i := range d.Endpoints {
		if d.Endpoints[i].Method == "" {
			d.Endpoints[i].Method = http.MethodGet
		}
		d.Endpoints[i].Method = strings.ToUpper(d.Endpoints[i].Method)
	}
	for kind, t := range d.Transforms {
		if t.EntityType == "" {
			t.EntityType = kind
			d.Transforms[kind] = t
		}
	}
}

// Validate checks cross references the JSON schema cannot express: every
// entity has an endpoint and a transform, and every transform is well formed.
func (d *ConnectorDefinition) Validate(engine *transform.Engine) error {
	var errs []error
	if d.Slug == "" {
		errs = append(errs, errors.New("slug is required"))
	}
	if err := d.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}
	if len(d.Entities) == 0 {
		errs = append(errs, errors.New("at least one entity is required"))
	}
	seen := make(map[entity.Kind]bool, len(d.Entities))
	for _, e := range d.Entities {
		if _, err := entity.New(e.Name); err != nil {
			errs = append(errs, fmt.Errorf("entities: %w", err))
			continue
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Errorf("entities: %s declared twice", e.Name))
		}
		seen[e.Name] = true
		if _, ok := d.Endpoint(e.Name); !ok {
			errs = append(errs, fmt.Errorf("entities: %s has no endpoint", e.Name))
		}
		t, ok := d.Transform(e.Name)
		if !ok {
			errs = append(errs, fmt.Errorf("entities: %s has no transform", e.Name))
			continue
		}
		if t.EntityType != e.Name {
			errs = append(errs, fmt.Errorf("transforms: %s maps to %s", e.Name, t.EntityType))
		}
		if engine != nil {
			if err := engine.Validate(t); err != nil {
				errs = append(errs, fmt.Errorf("transforms.%s: %w", e.Name, err))
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("connector %q: %w", d.Slug, errors.Join(errs...))
}
