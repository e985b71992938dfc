package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/tallyhq/tally/internal/connectors/provider"
	"github.com/tallyhq/tally/internal/store"
	"golang.org/x/time/rate"
)

// StateReader loads the per workspace connector state.
type StateReader interface {
	GetConnectorState(ctx context.Context, ref store.Ref) (store.ConnectorState, error)
}

type SessionOptions struct {
	States StateReader
	// Authorizer returns the request authorizer for one credential set.
	Authorizer func(ref store.Ref) provider.Authorizer
	HTTPClient *http.Client
	// Tier names the rate limit budget applied per credential set.
	Tier       string
	MaxRetries int
	UserAgent  string
}

// Sessions opens connectors bound to a workspace. Rate limiters are shared
// by every session of the same credential set.
type Sessions struct {
	opts SessionOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewSessions(opts SessionOptions) *Sessions {
	return &Sessions{opts: opts, limiters: make(map[string]*rate.Limiter)}
}

// Open resolves the workspace's connector config and returns a connector
// ready to fetch.
func (s *Sessions) Open(ctx context.Context, p Provider, workspaceID string) (Connector, error) {
	def := p.Definition()
	ref := store.Ref{WorkspaceID: workspaceID, ConnectorID: def.Slug}

	var cfg map[string]any
	if s.opts.States != nil {
		state, err := s.opts.States.GetConnectorState(ctx, ref)
		switch {
		case err == nil:
			cfg = state.Config
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("load connector state %s: %w", ref, err)
		}
	}

	base, err := p.BaseURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", def.Slug, err)
	}
	limiter, err := s.limiter(ref, def)
	if err != nil {
		return nil, err
	}
	var authz provider.Authorizer
	if s.opts.Authorizer != nil {
		authz = s.opts.Authorizer(ref)
	}
	client, err := provider.NewClient(provider.ClientOptions{
		HTTPClient: s.opts.HTTPClient,
		BaseURL:    base,
		Authorizer: authz,
		Limiter:    limiter,
		MaxRetries: s.opts.MaxRetries,
		UserAgent:  s.opts.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	return p.Connect(Session{WorkspaceID: workspaceID, Config: cfg, HTTP: client})
}

func (s *Sessions) limiter(ref store.Ref, def *ConnectorDefinition) (*rate.Limiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ref.String()
	if l, ok := s.limiters[key]; ok {
		return l, nil
	}
	tier, err := provider.LookupTier(s.opts.Tier, def.RateLimits)
	if err != nil {
		return nil, err
	}
	l := tier.Limiter()
	s.limiters[key] = l
	return l, nil
}
