package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/tallyhq/tally/internal/webhook"
)

// HandleWebhook verifies the raw body of a provider delivery and applies it.
func (h *Handlers) HandleWebhook(c *echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "could not read request body"})
	}
	if len(body) > maxWebhookBody {
		return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("body exceeds %d bytes", maxWebhookBody)})
	}

	res, err := h.Webhooks.Handle(req.Context(), webhook.Request{
		Provider:    c.Param("provider"),
		WorkspaceID: strings.TrimSpace(c.QueryParam("workspace_id")),
		Body:        body,
		Headers:     req.Header,
	})
	if err != nil {
		return h.webhookError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// HandleWebhookInfo describes the provider's webhook endpoint.
func (h *Handlers) HandleWebhookInfo(c *echo.Context) error {
	info, err := h.Webhooks.Info(c.Request().Context(), c.Param("provider"), strings.TrimSpace(c.QueryParam("workspace_id")))
	if err != nil {
		return h.webhookError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *Handlers) webhookError(c *echo.Context, err error) error {
	var werr *webhook.Error
	if !errors.As(err, &werr) {
		return h.RenderError(c, err)
	}
	msg := err.Error()
	if werr.Status >= http.StatusInternalServerError && !errors.Is(err, webhook.ErrSecretNotConfigured) {
		c.Logger().Error("webhook failed", "provider", c.Param("provider"), "event_id", werr.EventID, "err", err)
		msg = "webhook processing failed"
	}
	return c.JSON(webhook.StatusCode(err), errorResponse{Error: msg, EventID: werr.EventID})
}
