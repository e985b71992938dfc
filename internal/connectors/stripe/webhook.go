package stripe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tallyhq/tally/internal/connectors/provider"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/entity"
	"github.com/tallyhq/tally/internal/signature"
)

type event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (p *Provider) VerifyWebhook(payload []byte, headers http.Header, secret string, now time.Time) bool {
	return signature.VerifyTimestamped(headers.Get(p.def.Webhook.SignatureHeader), payload, secret, signature.DefaultTolerance, now)
}

// WebhookEventID peeks at the event id so rejections can be reported.
func (p *Provider) WebhookEventID(payload []byte, _ http.Header) string {
	return provider.StringField(payload, "id")
}

func (p *Provider) DecodeWebhook(payload []byte, headers http.Header) (registry.WebhookEvent, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return registry.WebhookEvent{}, fmt.Errorf("decode stripe event: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return registry.WebhookEvent{}, fmt.Errorf("decode stripe event: missing id or type")
	}
	out := registry.WebhookEvent{
		ID:      ev.ID,
		Type:    ev.Type,
		Payload: ev.Data.Object,
		Headers: headers,
	}
	if ev.Created > 0 {
		out.Timestamp = time.Unix(ev.Created, 0).UTC()
	}
	return out, nil
}

// ParseWebhook maps data.object through the entity transform. Event types
// without a declared entity return nil.
func (p *Provider) ParseWebhook(ev registry.WebhookEvent) (entity.Entity, error) {
	kind, deleted, ok := p.def.WebhookEntity(ev.Type)
	if !ok {
		return nil, nil
	}
	tdef, ok := p.def.Transform(kind)
	if !ok {
		return nil, fmt.Errorf("stripe: no transform for %s", kind)
	}
	if len(ev.Payload) == 0 {
		return nil, fmt.Errorf("stripe %s: event has no data.object", ev.Type)
	}
	e, err := p.engine.Transform(ev.Payload, tdef)
	if err != nil {
		return nil, fmt.Errorf("stripe %s: %w", ev.Type, err)
	}
	if deleted {
		entity.MarkDeleted(e)
	}
	return e, nil
}
