package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/store"
)

type oauthConnected struct {
	Connected   bool   `json:"connected"`
	Provider    string `json:"provider"`
	WorkspaceID string `json:"workspaceId"`
}

// HandleOAuthAuthorize redirects to the provider consent screen with a
// signed state naming the workspace.
func (h *Handlers) HandleOAuthAuthorize(c *echo.Context) error {
	p, err := h.Registry.Lookup(c.Param("provider"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	slug := p.Definition().Slug
	workspaceID := strings.TrimSpace(c.QueryParam("workspace_id"))
	if workspaceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "workspace_id is required"})
	}

	state, err := h.States.Sign(workspaceID, slug)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	target, err := h.OAuth.AuthCodeURL(slug, state, h.redirectURL(c, slug))
	if err != nil {
		if errors.Is(err, auth.ErrRefreshUnsupported) || errors.Is(err, auth.ErrUnknownProvider) {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		return h.RenderError(c, err)
	}
	return c.Redirect(http.StatusFound, target)
}

// HandleOAuthCallback verifies the state, exchanges the code and stores the
// resulting credentials.
func (h *Handlers) HandleOAuthCallback(c *echo.Context) error {
	p, err := h.Registry.Lookup(c.Param("provider"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	slug := p.Definition().Slug

	if denied := strings.TrimSpace(c.QueryParam("error")); denied != "" {
		msg := denied
		if desc := strings.TrimSpace(c.QueryParam("error_description")); desc != "" {
			msg += ": " + desc
		}
		return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
	}

	state, err := h.States.Verify(c.QueryParam("state"))
	if err != nil || state.ConnectorID != slug {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: auth.ErrInvalidOAuthState.Error()})
	}
	code := strings.TrimSpace(c.QueryParam("code"))
	if code == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "code is required"})
	}

	ref := store.Ref{WorkspaceID: state.WorkspaceID, ConnectorID: slug}
	if _, err := h.OAuth.Exchange(c.Request().Context(), ref, code, h.redirectURL(c, slug)); err != nil {
		var refreshErr *auth.RefreshError
		switch {
		case errors.Is(err, auth.ErrCredentialsInvalid):
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "authorization code was rejected"})
		case errors.As(err, &refreshErr):
			return c.JSON(http.StatusBadGateway, errorResponse{Error: "token endpoint unavailable"})
		default:
			return h.RenderError(c, err)
		}
	}
	c.Logger().Info("connector connected", "provider", slug, "workspace_id", state.WorkspaceID)
	return c.JSON(http.StatusOK, oauthConnected{Connected: true, Provider: slug, WorkspaceID: state.WorkspaceID})
}

func (h *Handlers) redirectURL(c *echo.Context, slug string) string {
	return h.baseURL(c) + "/oauth/" + slug + "/callback"
}
