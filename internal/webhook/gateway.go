// Package webhook authenticates provider pushed events and applies them to
// the normalized store.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/store"
)

var (
	// ErrSecretNotConfigured means no signing secret exists for the provider.
	ErrSecretNotConfigured = errors.New("webhook secret not configured")
	// ErrInvalidSignature means the payload failed verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrWorkspaceRequired means an event carried data but no workspace was
	// addressed.
	ErrWorkspaceRequired = errors.New("workspace_id is required")
)

const (
	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionDeleted   = "deleted"
	ActionIgnored   = "ignored"
	ActionDuplicate = "duplicate"
)

// Error is a rejected delivery. Status is the HTTP status to answer with.
type Error struct {
	Status  int
	EventID string
	Err     error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Request is one inbound delivery.
type Request struct {
	Provider    string
	WorkspaceID string
	Body        []byte
	Headers     http.Header
}

// Result is the acknowledgement returned to the provider.
type Result struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId,omitempty"`
	Action   string `json:"action"`
	ObjectID string `json:"objectId,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Info describes a provider's webhook endpoint.
type Info struct {
	Provider        string   `json:"provider"`
	Status          string   `json:"status"`
	SupportedEvents []string `json:"supportedEvents"`
	WebhookURL      string   `json:"webhookUrl"`
}

type Options struct {
	Registry *registry.ConnectorRegistry
	Store    store.Store
	Logger   *slog.Logger
	// Getenv resolves secret environment variables. Defaults to os.Getenv.
	Getenv        func(string) string
	PublicBaseURL string
	Now           func() time.Time
}

// Gateway verifies and normalizes webhook deliveries. It holds no per
// request state.
type Gateway struct {
	registry      *registry.ConnectorRegistry
	store         store.Store
	logger        *slog.Logger
	getenv        func(string) string
	publicBaseURL string
	now           func() time.Time
}

func NewGateway(opts Options) (*Gateway, error) {
	if opts.Registry == nil {
		return nil, errors.New("webhook: registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("webhook: store is required")
	}
	g := &Gateway{
		registry:      opts.Registry,
		store:         opts.Store,
		logger:        opts.Logger,
		getenv:        opts.Getenv,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(opts.PublicBaseURL), "/"),
		now:           opts.Now,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.getenv == nil {
		g.getenv = os.Getenv
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// SecretEnvVar names the environment variable holding a provider's signing
// secret, e.g. STRIPE_WEBHOOK_SECRET.
func SecretEnvVar(slug string) string {
	return config.EnvPrefix(slug) + "_WEBHOOK_SECRET"
}

// Secret resolves the signing secret: the environment first, then the
// secret stored with the workspace's connector credentials.
func (g *Gateway) Secret(ctx context.Context, slug, workspaceID string) (string, error) {
	if v := strings.TrimSpace(g.getenv(SecretEnvVar(slug))); v != "" {
		return v, nil
	}
	if workspaceID == "" {
		return "", ErrSecretNotConfigured
	}
	state, err := g.store.GetConnectorState(ctx, store.Ref{WorkspaceID: workspaceID, ConnectorID: slug})
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrSecretNotConfigured
	}
	if err != nil {
		return "", fmt.Errorf("load connector state: %w", err)
	}
	if v := strings.TrimSpace(state.Credentials[auth.KeyWebhookSecret]); v != "" {
		return v, nil
	}
	return "", ErrSecretNotConfigured
}

// Handle runs one delivery through verification, decoding, normalization
// and the store. Nothing is written unless the signature verifies.
func (g *Gateway) Handle(ctx context.Context, req Request) (Result, error) {
	p, err := g.registry.Lookup(req.Provider)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "unknown_provider").Inc()
		return Result{}, &Error{Status: http.StatusBadRequest, Err: err}
	}
	slug := p.Definition().Slug
	headers := canonicalHeaders(req.Headers)
	eventID := p.WebhookEventID(req.Body, headers)

	fail := func(status int, result string, err error) (Result, error) {
		metrics.WebhookEventsTotal.WithLabelValues(slug, result).Inc()
		return Result{}, &Error{Status: status, EventID: eventID, Err: err}
	}

	secret, err := g.Secret(ctx, slug, req.WorkspaceID)
	if err != nil {
		if errors.Is(err, ErrSecretNotConfigured) {
			g.logger.Error("webhook secret not configured", "provider", slug, "env", SecretEnvVar(slug))
			return fail(http.StatusInternalServerError, "not_configured", fmt.Errorf("%s: %w", slug, err))
		}
		return fail(http.StatusInternalServerError, "error", err)
	}

	if !p.VerifyWebhook(req.Body, headers, secret, g.now()) {
		g.logger.Warn("webhook signature rejected", "provider", slug, "event_id", eventID)
		return fail(http.StatusUnauthorized, "rejected", ErrInvalidSignature)
	}

	event, err := p.DecodeWebhook(req.Body, headers)
	if err != nil {
		return fail(http.StatusBadRequest, "invalid", err)
	}
	if event.ID != "" {
		eventID = event.ID
	}

	e, err := p.ParseWebhook(event)
	if err != nil {
		g.logger.Warn("webhook event could not be normalized", "provider", slug, "event_id", eventID, "event_type", event.Type, "err", err)
		return fail(http.StatusUnprocessableEntity, "invalid", err)
	}

	result := Result{Received: true, EventID: eventID, Action: ActionIgnored}
	if e == nil {
		result.Message = fmt.Sprintf("event type %s carries no entity data", event.Type)
	} else {
		if req.WorkspaceID == "" {
			return fail(http.StatusBadRequest, "invalid", ErrWorkspaceRequired)
		}
		outcome, err := g.store.Upsert(ctx, store.Ref{WorkspaceID: req.WorkspaceID, ConnectorID: slug}, e)
		if err != nil {
			g.logger.Error("webhook upsert failed", "provider", slug, "event_id", eventID, "err", err)
			return fail(http.StatusInternalServerError, "error", fmt.Errorf("store %s %s: %w", e.Kind(), e.ExternalID(), err))
		}
		result.Action = string(outcome)
		result.ObjectID = e.ExternalID()
		result.Message = fmt.Sprintf("%s %s %s", event.Type, e.Kind(), outcome)
	}

	// Marked only after the entity is applied.
	if eventID != "" {
		first, err := g.store.MarkWebhookEvent(ctx, slug, eventID)
		if err != nil {
			g.logger.Warn("failed to record webhook event", "provider", slug, "event_id", eventID, "err", err)
		} else if !first {
			result.Message = "duplicate delivery; " + result.Message
			metrics.WebhookEventsTotal.WithLabelValues(slug, ActionDuplicate).Inc()
			return result, nil
		}
	}

	metrics.WebhookEventsTotal.WithLabelValues(slug, result.Action).Inc()
	g.logger.Info("webhook processed", "provider", slug, "event_id", eventID, "event_type", event.Type, "action", result.Action)
	return result, nil
}

// Info reports whether a provider's endpoint can verify deliveries.
func (g *Gateway) Info(ctx context.Context, slug, workspaceID string) (Info, error) {
	p, err := g.registry.Lookup(slug)
	if err != nil {
		return Info{}, &Error{Status: http.StatusBadRequest, Err: err}
	}
	def := p.Definition()
	info := Info{
		Provider:        def.Slug,
		Status:          "configured",
		SupportedEvents: append([]string{}, def.Webhook.Events...),
		WebhookURL:      g.publicBaseURL + "/webhooks/" + def.Slug,
	}
	if _, err := g.Secret(ctx, def.Slug, workspaceID); err != nil {
		if !errors.Is(err, ErrSecretNotConfigured) {
			return Info{}, err
		}
		info.Status = "not_configured"
	}
	return info, nil
}

// StatusCode maps a Handle or Info error to an HTTP status.
func StatusCode(err error) int {
	var werr *Error
	if errors.As(err, &werr) && werr.Status != 0 {
		return werr.Status
	}
	return http.StatusInternalServerError
}

// EventID returns the rejected event id carried by err, if any.
func EventID(err error) string {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.EventID
	}
	return ""
}

func canonicalHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, vs := range in {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}
