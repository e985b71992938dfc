package shopify

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tallyhq/tally/internal/connectors/provider"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/entity"
	"github.com/tallyhq/tally/internal/signature"
)

const (
	headerTopic     = "X-Shopify-Topic"
	headerWebhookID = "X-Shopify-Webhook-Id"
	headerEventID   = "X-Shopify-Event-Id"
	headerTriggered = "X-Shopify-Triggered-At"
)

// VerifyWebhook checks the base64 HMAC of the raw body. Shopify signs no
// timestamp, so now is unused.
func (p *Provider) VerifyWebhook(payload []byte, headers http.Header, secret string, _ time.Time) bool {
	return signature.VerifyBase64(headers.Get(p.def.Webhook.SignatureHeader), payload, secret)
}

func (p *Provider) WebhookEventID(_ []byte, headers http.Header) string {
	if id := strings.TrimSpace(headers.Get(headerWebhookID)); id != "" {
		return id
	}
	return strings.TrimSpace(headers.Get(headerEventID))
}

// DecodeWebhook takes the event type from the topic header; the body is the
// resource itself.
func (p *Provider) DecodeWebhook(payload []byte, headers http.Header) (registry.WebhookEvent, error) {
	topic := strings.TrimSpace(headers.Get(headerTopic))
	if topic == "" {
		return registry.WebhookEvent{}, fmt.Errorf("decode shopify webhook: missing %s header", headerTopic)
	}
	if _, ok := provider.Lookup(payload, ""); !ok {
		return registry.WebhookEvent{}, fmt.Errorf("decode shopify webhook: empty body")
	}
	ev := registry.WebhookEvent{
		ID:      p.WebhookEventID(payload, headers),
		Type:    topic,
		Payload: payload,
		Headers: headers,
	}
	if ts, err := time.Parse(time.RFC3339Nano, headers.Get(headerTriggered)); err == nil {
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
		return nil, fmt.Errorf("shopify: no transform for %s", kind)
	}
	e, err := p.engine.Transform(ev.Payload, tdef)
	if err != nil {
		return nil, fmt.Errorf("shopify %s: %w", ev.Type, err)
	}
	if deleted {
		entity.MarkDeleted(e)
	}
	return e, nil
}
