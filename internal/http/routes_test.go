package httpapp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/connectors/stripe"
	"github.com/tallyhq/tally/internal/http/handlers"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/transform"
	"github.com/tallyhq/tally/internal/webhook"
)

type fakeGateway struct {
	got webhook.Request
	res webhook.Result
	err error
}

func (g *fakeGateway) Handle(_ context.Context, req webhook.Request) (webhook.Result, error) {
	g.got = req
	return g.res, g.err
}

func (g *fakeGateway) Info(_ context.Context, slug, _ string) (webhook.Info, error) {
	if g.err != nil {
		return webhook.Info{}, g.err
	}
	return webhook.Info{Provider: slug, Status: "configured", SupportedEvents: []string{"customer.created"}}, nil
}

type fakeOAuth struct {
	exchanged store.Ref
	redirect  string
	err       error
}

func (o *fakeOAuth) AuthCodeURL(connectorID, state, redirectURL string) (string, error) {
	o.redirect = redirectURL
	return "https://connect.stripe.com/oauth/authorize?state=" + url.QueryEscape(state), nil
}

func (o *fakeOAuth) Exchange(_ context.Context, ref store.Ref, _ string, redirectURL string) (auth.Credentials, error) {
	o.exchanged = ref
	o.redirect = redirectURL
	return auth.Credentials{"access_token": "tok"}, o.err
}

func newTestServer(t *testing.T, gw *fakeGateway, oauth *fakeOAuth) *EchoServer {
	t.Helper()

	p, err := stripe.New(transform.NewEngine())
	if err != nil {
		t.Fatalf("stripe.New() error = %v", err)
	}
	reg := registry.NewRegistry()
	if err := reg.Register(p); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	es, err := NewEchoServer(&handlers.Handlers{
		Registry:      reg,
		Webhooks:      gw,
		OAuth:         oauth,
		States:        auth.StateSigner{Secret: []byte("state-secret")},
		PublicBaseURL: "https://tally.example.com",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewEchoServer() error = %v", err)
	}
	return es
}

func TestWebhookRoutePassesRawBody(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{res: webhook.Result{Received: true, EventID: "evt_1", Action: "created", ObjectID: "cus_1"}}
	es := newTestServer(t, gw, &fakeOAuth{})

	body := `{"id":"evt_1",  "type":"customer.created"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe?workspace_id=ws_1", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	es.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want %d body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if string(gw.got.Body) != body || gw.got.Provider != "stripe" || gw.got.WorkspaceID != "ws_1" {
		t.Fatalf("gateway request = %+v", gw.got)
	}
	if gw.got.Headers.Get("Stripe-Signature") != "t=1,v1=abc" {
		t.Fatalf("signature header not forwarded: %v", gw.got.Headers)
	}
	var res webhook.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !res.Received || res.EventID != "evt_1" || res.ObjectID != "cus_1" {
		t.Fatalf("response = %+v", res)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("response missing request id")
	}
}

func TestWebhookRouteMapsGatewayErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"rejected", &webhook.Error{Status: http.StatusUnauthorized, EventID: "evt_1", Err: webhook.ErrInvalidSignature}, http.StatusUnauthorized, "invalid webhook signature"},
		{"not configured", &webhook.Error{Status: http.StatusInternalServerError, Err: webhook.ErrSecretNotConfigured}, http.StatusInternalServerError, "not configured"},
		{"store failure", &webhook.Error{Status: http.StatusInternalServerError, Err: io.ErrUnexpectedEOF}, http.StatusInternalServerError, "webhook processing failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			es := newTestServer(t, &fakeGateway{err: tt.err}, &fakeOAuth{})
			rec := httptest.NewRecorder()
			es.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`)))

			if rec.Code != tt.status {
				t.Fatalf("status=%d want %d", rec.Code, tt.status)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Fatalf("body=%q want %q", rec.Body.String(), tt.want)
			}
			if strings.Contains(rec.Body.String(), "unexpected EOF") {
				t.Fatalf("body leaked internal error: %q", rec.Body.String())
			}
		})
	}
}

func TestWebhookInfoRoute(t *testing.T) {
	t.Parallel()

	es := newTestServer(t, &fakeGateway{}, &fakeOAuth{})
	rec := httptest.NewRecorder()
	es.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusOK)
	}
	var info webhook.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if info.Provider != "stripe" || info.Status != "configured" {
		t.Fatalf("info = %+v", info)
	}
}

func TestOAuthRoundTrip(t *testing.T) {
	t.Parallel()

	oauth := &fakeOAuth{}
	es := newTestServer(t, &fakeGateway{}, oauth)

	rec := httptest.NewRecorder()
	es.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/stripe/authorize?workspace_id=ws_1", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status=%d want %d", rec.Code, http.StatusFound)
	}
	if oauth.redirect != "https://tally.example.com/oauth/stripe/callback" {
		t.Fatalf("redirect url = %q", oauth.redirect)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatalf("Location %q has no state", loc)
	}

	rec = httptest.NewRecorder()
	es.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/stripe/callback?code=abc&state="+url.QueryEscape(state), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status=%d want %d body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if oauth.exchanged != (store.Ref{WorkspaceID: "ws_1", ConnectorID: "stripe"}) {
		t.Fatalf("exchanged ref = %+v", oauth.exchanged)
	}

	rec = httptest.NewRecorder()
	es.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/stripe/callback?code=abc&state=forged.state", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("forged state status=%d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestOAuthRejectsUnknownProviderAndMissingWorkspace(t *testing.T) {
	t.Parallel()

	es := newTestServer(t, &fakeGateway{}, &fakeOAuth{})
	for _, target := range []string{"/oauth/ga4/authorize?workspace_id=ws_1", "/oauth/stripe/authorize"} {
		rec := httptest.NewRecorder()
		es.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status=%d want %d", target, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestHealthzAndConnectors(t *testing.T) {
	t.Parallel()

	es := newTestServer(t, &fakeGateway{}, &fakeOAuth{})

	rec := httptest.NewRecorder()
	es.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	es.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connectors", nil))
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode connectors: %v", err)
	}
	if len(list) != 1 || list[0]["slug"] != "stripe" || list[0]["authType"] != "oauth2" {
		t.Fatalf("connectors = %v", list)
	}
}
