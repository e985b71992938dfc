package httpapp

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/tallyhq/tally/internal/http/handlers"
)

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h *handlers.Handlers
	e *echo.Echo
}

// NewEchoServer creates a new HTTP server.
func NewEchoServer(h *handlers.Handlers, logger *slog.Logger) (*EchoServer, error) {
	if h == nil || h.Registry == nil || h.Webhooks == nil {
		return nil, errors.New("http: handlers need a registry and a webhook gateway")
	}
	e := echo.New()
	if logger != nil {
		e.Logger = logger
	}
	es := &EchoServer{h: h, e: e}
	e.HTTPErrorHandler = es.httpErrorHandler
	es.registerRoutes()
	return es, nil
}

func (es *EchoServer) registerRoutes() {
	es.e.Use(middleware.Recover())
	es.e.Use(requestID)

	es.e.GET("/healthz", es.h.HandleHealthz)
	es.e.GET("/connectors", es.h.HandleConnectors)

	es.e.GET("/webhooks/:provider", es.h.HandleWebhookInfo)
	es.e.POST("/webhooks/:provider", es.h.HandleWebhook)

	if es.h.OAuth != nil {
		es.e.GET("/oauth/:provider/authorize", es.h.HandleOAuthAuthorize)
		es.e.GET("/oauth/:provider/callback", es.h.HandleOAuthCallback)
	}
}

// ServeHTTP makes the server usable as an http.Handler.
func (es *EchoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	es.e.ServeHTTP(w, r)
}

func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := strings.TrimSpace(c.Request().Header.Get(echo.HeaderXRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(handlers.ContextKeyRequestID, id)
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		return next(c)
	}
}

func (es *EchoServer) httpErrorHandler(c *echo.Context, err error) {
	status := httpStatusFromError(err)
	switch {
	case status >= http.StatusInternalServerError:
		_ = es.h.RenderError(c, err)
	case status == http.StatusNotFound:
		_ = handlers.RenderNotFound(c)
	default:
		_ = c.String(status, http.StatusText(status))
	}
}

func httpStatusFromError(err error) int {
	var coder interface{ StatusCode() int }
	if errors.As(err, &coder) {
		if code := coder.StatusCode(); code != 0 {
			return code
		}
	}
	return http.StatusInternalServerError
}
