// Package handlers contains HTTP handler logic split by domain.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/webhook"
)

const (
	// ContextKeyRequestID stores the request id (X-Request-ID) for logging and client error references.
	ContextKeyRequestID = "request_id"

	// InternalErrorCode is a stable error code safe to return to clients.
	InternalErrorCode = "INTERNAL_ERROR"

	// maxWebhookBody bounds the raw body read for signature verification.
	maxWebhookBody = 1 << 20
)

// WebhookGateway verifies and applies provider deliveries.
type WebhookGateway interface {
	Handle(ctx context.Context, req webhook.Request) (webhook.Result, error)
	Info(ctx context.Context, slug, workspaceID string) (webhook.Info, error)
}

// OAuthFlow is the authorization code half of the auth manager.
type OAuthFlow interface {
	AuthCodeURL(connectorID, state, redirectURL string) (string, error)
	Exchange(ctx context.Context, ref store.Ref, code, redirectURL string) (auth.Credentials, error)
}

// Handlers groups all HTTP handlers and shared dependencies.
type Handlers struct {
	Registry      *registry.ConnectorRegistry
	Webhooks      WebhookGateway
	OAuth         OAuthFlow
	States        auth.StateSigner
	PublicBaseURL string
}

type errorResponse struct {
	Error   string `json:"error"`
	EventID string `json:"eventId,omitempty"`
}

// RenderError returns a plain text error response.
func (h *Handlers) RenderError(c *echo.Context, err error) error {
	requestID, _ := c.Get(ContextKeyRequestID).(string)
	path := ""
	if req := c.Request(); req != nil && req.URL != nil {
		path = req.URL.Path
	}
	method := ""
	if req := c.Request(); req != nil {
		method = req.Method
	}
	c.Logger().Error("http error",
		"request_id", requestID,
		"method", method,
		"path", path,
		"ip", c.RealIP(),
		"error", err,
	)

	msg := "Internal server error."
	if requestID != "" {
		msg = fmt.Sprintf("%s Reference: %s.", msg, requestID)
	}
	msg = fmt.Sprintf("%s Code: %s.", msg, InternalErrorCode)
	return c.String(http.StatusInternalServerError, msg)
}

// RenderNotFound returns a 404 response.
func RenderNotFound(c *echo.Context) error {
	return c.String(http.StatusNotFound, "404 page not found")
}

// HandleHealthz returns a simple health check response.
func (h *Handlers) HandleHealthz(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

type connectorSummary struct {
	Slug          string   `json:"slug"`
	Name          string   `json:"name"`
	Category      string   `json:"category"`
	AuthType      string   `json:"authType"`
	EntityTypes   []string `json:"entityTypes"`
	WebhookEvents int      `json:"webhookEvents"`
}

// HandleConnectors lists the registered providers.
func (h *Handlers) HandleConnectors(c *echo.Context) error {
	out := make([]connectorSummary, 0)
	for _, p := range h.Registry.All() {
		def := p.Definition()
		kinds := make([]string, 0, len(def.Entities))
		for _, k := range def.EntityTypes() {
			kinds = append(kinds, string(k))
		}
		out = append(out, connectorSummary{
			Slug:          def.Slug,
			Name:          def.Name,
			Category:      def.Category,
			AuthType:      string(def.Auth.Type),
			EntityTypes:   kinds,
			WebhookEvents: len(def.Webhook.Events),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handlers) baseURL(c *echo.Context) string {
	if base := strings.TrimRight(strings.TrimSpace(h.PublicBaseURL), "/"); base != "" {
		return base
	}
	req := c.Request()
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + req.Host
}
