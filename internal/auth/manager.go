package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/store"
)

var (
	// ErrCredentialsInvalid means the credentials were rejected and cannot be
	// refreshed; a user must reconnect.
	ErrCredentialsInvalid = errors.New("auth: credentials invalid")
	// ErrNotConnected means no credentials exist for the connector.
	ErrNotConnected = errors.New("auth: connector not connected")
	// ErrRefreshUnsupported is returned for schemes without a refresh flow.
	ErrRefreshUnsupported = errors.New("auth: refresh not supported")
	// ErrUnknownProvider is returned for connectors never registered.
	ErrUnknownProvider = errors.New("auth: unknown provider")
)

const refreshTimeout = 30 * time.Second

// RefreshError is a refresh failure that may succeed on a later attempt.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string { return "auth: refresh failed: " + e.Err.Error() }

func (e *RefreshError) Unwrap() error { return e.Err }

// Retryable is always true; permanent failures surface as ErrCredentialsInvalid.
func (e *RefreshError) Retryable() bool { return true }

// CredentialStore is the slice of store.Store the manager needs.
type CredentialStore interface {
	GetConnectorState(ctx context.Context, ref store.Ref) (store.ConnectorState, error)
	SaveCredentials(ctx context.Context, ref store.Ref, creds map[string]string, authState string) error
}

// OAuthClient is the registered application identity at a provider.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

type providerAuth struct {
	cfg    Config
	client OAuthClient
}

// ManagerOptions tunes a Manager. Zero values select defaults.
type ManagerOptions struct {
	RefreshBuffer time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
	Now           func() time.Time
}

// Manager hands out fresh credentials per (workspace, connector) and
// coalesces concurrent refreshes for the same key into one token request.
type Manager struct {
	store      CredentialStore
	buffer     time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.RWMutex
	providers  map[string]providerAuth
	refreshing map[string]bool

	flights singleflight.Group
}

func NewManager(st CredentialStore, opts ManagerOptions) *Manager {
	m := &Manager{
		store:      st,
		buffer:     opts.RefreshBuffer,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		now:        opts.Now,
		providers:  make(map[string]providerAuth),
		refreshing: make(map[string]bool),
	}
	if m.buffer <= 0 {
		m.buffer = DefaultRefreshBuffer
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// RegisterProvider records how connectorID authenticates.
func (m *Manager) RegisterProvider(connectorID string, cfg Config, client OAuthClient) error {
	connectorID = normalizeID(connectorID)
	if connectorID == "" {
		return errors.New("connector id cannot be empty")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", connectorID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[connectorID] = providerAuth{cfg: cfg, client: client}
	return nil
}

// Config returns the registered auth config for connectorID.
func (m *Manager) Config(connectorID string) (Config, bool) {
	p, ok := m.provider(connectorID)
	return p.cfg, ok
}

func (m *Manager) provider(connectorID string) (providerAuth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[normalizeID(connectorID)]
	return p, ok
}

// State reports the credential state for ref as of now.
func (m *Manager) State(ctx context.Context, ref store.Ref) (State, error) {
	m.mu.RLock()
	inFlight := m.refreshing[ref.String()]
	m.mu.RUnlock()
	if inFlight {
		return StateRefreshing, nil
	}

	st, err := m.store.GetConnectorState(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotConnected
	}
	if err != nil {
		return "", err
	}
	return Evaluate(State(st.AuthState), Credentials(st.Credentials), m.now(), m.buffer), nil
}

// Credentials returns usable credentials for ref, refreshing first when
// they are within the refresh buffer of expiry.
func (m *Manager) Credentials(ctx context.Context, ref store.Ref) (Credentials, error) {
	st, err := m.store.GetConnectorState(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	creds := Credentials(st.Credentials)
	if len(creds) == 0 {
		return nil, ErrNotConnected
	}

	now := m.now()
	switch Evaluate(State(st.AuthState), creds, now, m.buffer) {
	case StateInvalid:
		return nil, ErrCredentialsInvalid
	case StateValid:
		return creds, nil
	}

	p, ok := m.provider(ref.ConnectorID)
	if !ok || p.cfg.Type != TypeOAuth2 {
		return creds, nil
	}
	fresh, err := m.refresh(ctx, ref, false)
	if err == nil {
		return fresh, nil
	}
	var retry *RefreshError
	if errors.As(err, &retry) && !expired(creds, now) {
		m.logger.Warn("credential refresh failed, using current token", "workspace_id", ref.WorkspaceID, "connector", ref.ConnectorID, "err", err)
		return creds, nil
	}
	return nil, err
}

// Refresh unconditionally exchanges the refresh token for a new access
// token. Concurrent calls for the same ref share one token request.
func (m *Manager) Refresh(ctx context.Context, ref store.Ref) (Credentials, error) {
	return m.refresh(ctx, ref, true)
}

func (m *Manager) refresh(ctx context.Context, ref store.Ref, force bool) (Credentials, error) {
	key := ref.String()
	v, err, _ := m.flights.Do(key, func() (any, error) {
		m.setRefreshing(key, true)
		defer m.setRefreshing(key, false)

		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.doRefresh(flightCtx, ref, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(Credentials), nil
}

func (m *Manager) doRefresh(ctx context.Context, ref store.Ref, force bool) (Credentials, error) {
	st, err := m.store.GetConnectorState(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	creds := Credentials(st.Credentials)
	if State(st.AuthState) == StateInvalid {
		return nil, ErrCredentialsInvalid
	}
	if !force && Evaluate(StateValid, creds, m.now(), m.buffer) == StateValid {
		// Another caller refreshed between our read and this flight.
		return creds, nil
	}

	p, ok := m.provider(ref.ConnectorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, ref.ConnectorID)
	}
	if p.cfg.Type != TypeOAuth2 {
		return nil, fmt.Errorf("%w: %s uses %s", ErrRefreshUnsupported, ref.ConnectorID, p.cfg.Type)
	}
	refreshToken := creds[KeyRefreshToken]
	if refreshToken == "" {
		if err := m.markInvalid(ctx, ref, creds); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no refresh token", ErrCredentialsInvalid)
	}

	started := m.now()
	conf := p.oauthConfig("")
	tok, err := conf.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		if isPermanentTokenError(err) {
			metrics.CredentialRefreshesTotal.WithLabelValues(ref.ConnectorID, "rejected").Inc()
			m.logger.Warn("credential refresh rejected", "workspace_id", ref.WorkspaceID, "connector", ref.ConnectorID, "err", err)
			if merr := m.markInvalid(ctx, ref, creds); merr != nil {
				return nil, errors.Join(ErrCredentialsInvalid, merr)
			}
			return nil, fmt.Errorf("%w: %v", ErrCredentialsInvalid, err)
		}
		metrics.CredentialRefreshesTotal.WithLabelValues(ref.ConnectorID, "error").Inc()
		return nil, &RefreshError{Err: err}
	}
	metrics.CredentialRefreshesTotal.WithLabelValues(ref.ConnectorID, "success").Inc()

	next := m.credentialsFromToken(creds, tok)
	if err := m.store.SaveCredentials(ctx, ref, next, string(StateValid)); err != nil {
		return nil, fmt.Errorf("persist refreshed credentials: %w", err)
	}
	m.logger.Info("credentials refreshed", "workspace_id", ref.WorkspaceID, "connector", ref.ConnectorID, "duration", m.now().Sub(started))
	return next, nil
}

// Invalidate marks the credentials for ref as unusable.
func (m *Manager) Invalidate(ctx context.Context, ref store.Ref) error {
	st, err := m.store.GetConnectorState(ctx, ref)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return m.markInvalid(ctx, ref, Credentials(st.Credentials))
}

func (m *Manager) markInvalid(ctx context.Context, ref store.Ref, creds Credentials) error {
	if err := m.store.SaveCredentials(ctx, ref, creds, string(StateInvalid)); err != nil {
		return fmt.Errorf("mark credentials invalid: %w", err)
	}
	return nil
}

// SetCredentials stores operator supplied credentials and resets the state
// to valid.
func (m *Manager) SetCredentials(ctx context.Context, ref store.Ref, creds Credentials) error {
	next := make(Credentials, len(creds)+1)
	for k, v := range creds {
		next[k] = v
	}
	if next[KeyAccessToken] != "" && next[KeyIssuedAt] == "" {
		next[KeyIssuedAt] = strconv.FormatInt(m.now().Unix(), 10)
	}
	return m.store.SaveCredentials(ctx, ref, next, string(StateValid))
}

// AuthCodeURL builds the provider consent URL for connectorID.
func (m *Manager) AuthCodeURL(connectorID, state, redirectURL string) (string, error) {
	p, ok := m.provider(connectorID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, connectorID)
	}
	if p.cfg.Type != TypeOAuth2 {
		return "", fmt.Errorf("%w: %s uses %s", ErrRefreshUnsupported, connectorID, p.cfg.Type)
	}
	if p.client.ClientID == "" {
		return "", fmt.Errorf("%s: oauth client id is not configured", connectorID)
	}
	return p.oauthConfig(redirectURL).AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades an authorization code for tokens and stores them.
func (m *Manager) Exchange(ctx context.Context, ref store.Ref, code, redirectURL string) (Credentials, error) {
	p, ok := m.provider(ref.ConnectorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, ref.ConnectorID)
	}
	if p.cfg.Type != TypeOAuth2 {
		return nil, fmt.Errorf("%w: %s uses %s", ErrRefreshUnsupported, ref.ConnectorID, p.cfg.Type)
	}
	tok, err := p.oauthConfig(redirectURL).Exchange(m.oauthContext(ctx), code)
	if err != nil {
		if isPermanentTokenError(err) {
			return nil, fmt.Errorf("%w: %v", ErrCredentialsInvalid, err)
		}
		return nil, &RefreshError{Err: err}
	}
	creds := m.credentialsFromToken(nil, tok)
	if err := m.store.SaveCredentials(ctx, ref, creds, string(StateValid)); err != nil {
		return nil, fmt.Errorf("persist credentials: %w", err)
	}
	return creds, nil
}

// Authorizer returns a request decorator bound to ref.
func (m *Manager) Authorizer(ref store.Ref) *Authorizer {
	return &Authorizer{m: m, ref: ref}
}

// Authorizer applies the current credentials of one connector to requests.
type Authorizer struct {
	m   *Manager
	ref store.Ref
}

func (a *Authorizer) Authorize(ctx context.Context, req *http.Request) error {
	p, ok := a.m.provider(a.ref.ConnectorID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, a.ref.ConnectorID)
	}
	creds, err := a.m.Credentials(ctx, a.ref)
	if err != nil {
		return err
	}
	name, value, err := BuildHeader(p.cfg, creds)
	if err != nil {
		return err
	}
	req.Header.Set(name, value)
	return nil
}

func (p providerAuth) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.client.ClientID,
		ClientSecret: p.client.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.cfg.AuthorizationURL,
			TokenURL:  p.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURL,
		Scopes:      p.cfg.Scopes,
	}
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) credentialsFromToken(prev Credentials, tok *oauth2.Token) Credentials {
	now := m.now()
	next := make(Credentials, len(prev)+6)
	for k, v := range prev {
		next[k] = v
	}
	next[KeyAccessToken] = tok.AccessToken
	if tok.RefreshToken != "" {
		next[KeyRefreshToken] = tok.RefreshToken
	}
	if tok.TokenType != "" {
		next[KeyTokenType] = tok.TokenType
	}
	next[KeyIssuedAt] = strconv.FormatInt(now.Unix(), 10)

	switch {
	case tok.ExpiresIn > 0:
		next[KeyExpiresIn] = strconv.FormatInt(tok.ExpiresIn, 10)
	case !tok.Expiry.IsZero():
		next[KeyExpiresIn] = strconv.FormatInt(int64(tok.Expiry.Sub(now).Round(time.Second)/time.Second), 10)
	default:
		delete(next, KeyExpiresIn)
	}
	if scope, ok := tok.Extra(KeyScope).(string); ok && scope != "" {
		next[KeyScope] = scope
	}
	return next
}

func (m *Manager) setRefreshing(key string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.refreshing[key] = true
		return
	}
	delete(m.refreshing, key)
}

// expired reports whether the token is past its real expiry, ignoring the
// refresh buffer.
func expired(creds Credentials, now time.Time) bool {
	expiresIn, ok := creds.ExpiresIn()
	if !ok {
		return false
	}
	issuedAt, ok := creds.IssuedAt()
	if !ok {
		return true
	}
	return !now.Before(issuedAt.Add(expiresIn))
}

func isPermanentTokenError(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client", "unsupported_grant_type":
		return true
	}
	if re.Response == nil {
		return false
	}
	switch re.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	default:
		return false
	}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
