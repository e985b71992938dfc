package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/connectors/provider"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/entity"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/transform"
)

const (
	DefaultPageLimit   = 100
	DefaultConcurrency = 4

	lockScopeKind = "entity_sync"
)

var errSyncLockLost = errors.New("sync lock lost")

// SessionOpener binds a provider to one workspace's credentials and config.
type SessionOpener interface {
	Open(ctx context.Context, p registry.Provider, workspaceID string) (registry.Connector, error)
}

// CredentialManager is the part of the auth manager a sync needs.
type CredentialManager interface {
	State(ctx context.Context, ref store.Ref) (auth.State, error)
	Refresh(ctx context.Context, ref store.Ref) (auth.Credentials, error)
	Invalidate(ctx context.Context, ref store.Ref) error
}

type Options struct {
	Store    store.Store
	Registry *registry.ConnectorRegistry
	Sessions SessionOpener
	Auth     CredentialManager
	Engine   *transform.Engine
	Locks    LockManager
	Reporter registry.Reporter
	Logger   *slog.Logger

	PageLimit   int
	Concurrency int
	Now         func() time.Time
}

// Request scopes one sync to a workspace, a provider and an entity type.
type Request struct {
	WorkspaceID string
	Provider    string
	EntityType  entity.Kind
	// Since additionally limits incremental syncs server side where the
	// provider supports it.
	Since *time.Time
}

// Orchestrator drives full and incremental syncs. Each invocation makes a
// single pass and reports problems in its SyncResult; re-invocation and
// backoff belong to whoever schedules syncs.
type Orchestrator struct {
	store    store.Store
	registry *registry.ConnectorRegistry
	sessions SessionOpener
	auth     CredentialManager
	engine   *transform.Engine
	locks    LockManager
	reporter registry.Reporter
	logger   *slog.Logger

	pageLimit   int
	concurrency int
	now         func() time.Time
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("sync: store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("sync: registry is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("sync: session opener is required")
	}
	if opts.Auth == nil {
		return nil, errors.New("sync: credential manager is required")
	}

	o := &Orchestrator{
		store:       opts.Store,
		registry:    opts.Registry,
		sessions:    opts.Sessions,
		auth:        opts.Auth,
		engine:      opts.Engine,
		locks:       opts.Locks,
		reporter:    opts.Reporter,
		logger:      opts.Logger,
		pageLimit:   opts.PageLimit,
		concurrency: opts.Concurrency,
		now:         opts.Now,
	}
	if o.engine == nil {
		o.engine = transform.NewEngine()
	}
	if o.locks == nil {
		o.locks = NewMemoryLockManager()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.reporter == nil {
		o.reporter = &LogReporter{Logger: o.logger}
	}
	if o.pageLimit <= 0 {
		o.pageLimit = DefaultPageLimit
	}
	if o.concurrency <= 0 {
		o.concurrency = DefaultConcurrency
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// FullSync refetches every record of the entity type from the first page.
// It never reads or writes the persisted cursor.
func (o *Orchestrator) FullSync(ctx context.Context, req Request) SyncResult {
	return o.Run(ctx, req, registry.RunModeFull)
}

// IncrementalSync resumes from the persisted cursor and saves the cursor
// after every page. Entity types without incremental support fall back to
// a full sync.
func (o *Orchestrator) IncrementalSync(ctx context.Context, req Request) SyncResult {
	return o.Run(ctx, req, registry.RunModeIncremental)
}

// SyncAll syncs every entity type the provider declares, concurrently. The
// results follow declaration order and one failing entity type never stops
// the others.
func (o *Orchestrator) SyncAll(ctx context.Context, workspaceID, providerSlug string, mode registry.RunMode, since *time.Time) []SyncResult {
	p, err := o.registry.Lookup(providerSlug)
	if err != nil {
		res := o.begin(Request{WorkspaceID: workspaceID, Provider: providerSlug}, mode)
		res.addError(newSyncError(KindConfiguration, err))
		o.finish(ctx, &res)
		return []SyncResult{res}
	}

	kinds := p.Definition().EntityTypes()
	return ParallelMap(ctx, kinds, o.concurrency, func(ctx context.Context, kind entity.Kind) SyncResult {
		return o.Run(ctx, Request{
			WorkspaceID: workspaceID,
			Provider:    p.Definition().Slug,
			EntityType:  kind,
			Since:       since,
		}, mode)
	}, nil)
}

// Run executes one sync of req in the requested mode.
// The result is named so the deferred finish stamps what the caller receives.
func (o *Orchestrator) Run(ctx context.Context, req Request, mode registry.RunMode) (res SyncResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	res = o.begin(req, mode)
	defer o.finish(ctx, &res)

	if strings.TrimSpace(req.WorkspaceID) == "" {
		res.addError(newSyncError(KindConfiguration, errors.New("workspace id is required")))
		return res
	}
	p, err := o.registry.Lookup(req.Provider)
	if err != nil {
		res.addError(newSyncError(KindConfiguration, err))
		return res
	}
	def := p.Definition()
	res.ConnectorID = def.Slug

	ent, ok := def.Entity(req.EntityType)
	if !ok {
		res.addError(newSyncError(KindConfiguration, fmt.Errorf("connector %s does not support entity type %q", def.Slug, req.EntityType)))
		return res
	}
	tdef, ok := def.Transform(req.EntityType)
	if !ok {
		res.addError(newSyncError(KindConfiguration, fmt.Errorf("connector %s has no transform for %s", def.Slug, req.EntityType)))
		return res
	}
	res.Mode = registry.ModeFor(mode, ent)

	job := pageJob{
		provider:  p,
		ref:       store.Ref{WorkspaceID: req.WorkspaceID, ConnectorID: def.Slug},
		kind:      req.EntityType,
		transform: tdef,
		since:     req.Since,
	}
	o.syncUnderLock(ctx, job, &res, func(lockCtx context.Context) {
		o.paginate(lockCtx, job, &res)
	})
	return res
}

type pageJob struct {
	provider  registry.Provider
	ref       store.Ref
	kind      entity.Kind
	transform transform.Definition
	since     *time.Time
}

func (o *Orchestrator) paginate(ctx context.Context, job pageJob, res *SyncResult) {
	incremental := res.Mode == registry.RunModeIncremental

	state, err := o.auth.State(ctx, job.ref)
	switch {
	case errors.Is(err, auth.ErrNotConnected):
		res.addError(newSyncError(KindAuthentication, fmt.Errorf("%s: %w", job.ref, err)))
		return
	case err != nil:
		res.addError(storeError(fmt.Errorf("load credential state: %w", err)))
		return
	case state == auth.StateInvalid:
		res.addError(newSyncError(KindAuthentication, fmt.Errorf("%s: %w; reconnect the connector", job.ref, auth.ErrCredentialsInvalid)))
		return
	}

	cursor := ""
	if incremental {
		cs, err := o.store.GetConnectorState(ctx, job.ref)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			res.addError(storeError(fmt.Errorf("load connector state: %w", err)))
			return
		}
		cursor = cs.Cursors[string(job.kind)]
	}

	conn, err := o.sessions.Open(ctx, job.provider, job.ref.WorkspaceID)
	if err != nil {
		res.addError(newSyncError(KindConfiguration, fmt.Errorf("open %s session: %w", job.ref.ConnectorID, err)))
		return
	}

	source := job.ref.ConnectorID
	stage := string(job.kind)
	o.reporter.Report(res.event(0, 0, o.now()))

	opts := registry.FetchOptions{Limit: o.pageLimit}
	if incremental {
		opts.Since = job.since
	}

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			res.addError(newSyncError(KindCanceled, err))
			res.Cursor = cursor
			return
		}

		opts.Cursor = cursor
		pg, serr := o.fetchPage(ctx, conn, job.ref, job.kind, opts)
		if serr != nil {
			res.addError(*serr)
			res.Cursor = cursor
			return
		}
		if len(pg.Records) == 0 {
			break
		}

		for _, raw := range pg.Records {
			res.Processed++
			e, err := o.engine.Transform(raw, job.transform)
			if err != nil {
				res.addError(recordError(transform.RecordID(raw, job.transform), err))
				continue
			}
			outcome, err := o.store.Upsert(ctx, job.ref, e)
			if err != nil {
				res.addError(storeError(fmt.Errorf("upsert %s %s: %w", job.kind, e.ExternalID(), err)))
				res.Cursor = cursor
				return
			}
			res.count(outcome)
			metrics.SyncRecordsTotal.WithLabelValues(source, stage, string(outcome)).Inc()
		}

		if pg.HasMore && pg.NextCursor == "" {
			res.addError(SyncError{
				Kind:    KindData,
				Message: fmt.Sprintf("page %d reported more records without a cursor", page),
			})
			res.Cursor = cursor
			return
		}

		if incremental {
			if err := o.store.SaveCursor(ctx, job.ref, job.kind, pg.NextCursor); err != nil {
				res.addError(storeError(fmt.Errorf("save cursor: %w", err)))
				res.Cursor = cursor
				return
			}
		}
		cursor = pg.NextCursor

		o.reporter.Report(res.event(page, len(pg.Records), o.now()))

		if !pg.HasMore {
			break
		}
	}

	if incremental {
		res.Cursor = cursor
	}
}

// fetchPage fetches one page, refreshing credentials and retrying that page
// once when the provider answers 401.
func (o *Orchestrator) fetchPage(ctx context.Context, conn registry.Connector, ref store.Ref, kind entity.Kind, opts registry.FetchOptions) (registry.Page, *SyncError) {
	const maxAttempts = 2
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		page, err := conn.Fetch(ctx, kind, opts)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			serr := newSyncError(KindCanceled, errors.Join(ctx.Err(), err))
			return registry.Page{}, &serr
		}
		if !provider.IsUnauthorized(err) {
			serr := classifyFetchError(err)
			return registry.Page{}, &serr
		}
		if attempt == maxAttempts {
			break
		}

		o.logger.Info("provider rejected credentials, refreshing", "connector", ref.ConnectorID, "workspace_id", ref.WorkspaceID, "entity_type", kind)
		if _, err := o.auth.Refresh(ctx, ref); err != nil {
			if errors.Is(err, auth.ErrRefreshUnsupported) {
				o.invalidate(ctx, ref)
			}
			serr := classifyRefreshError(err)
			return registry.Page{}, &serr
		}
	}

	o.invalidate(ctx, ref)
	serr := newSyncError(KindAuthentication, fmt.Errorf("%w: provider rejected refreshed credentials", auth.ErrCredentialsInvalid))
	return registry.Page{}, &serr
}

func (o *Orchestrator) invalidate(ctx context.Context, ref store.Ref) {
	if err := o.auth.Invalidate(context.WithoutCancel(ctx), ref); err != nil {
		o.logger.Warn("failed to mark credentials invalid", "connector", ref.ConnectorID, "workspace_id", ref.WorkspaceID, "err", err)
	}
}

func (o *Orchestrator) begin(req Request, mode registry.RunMode) SyncResult {
	return SyncResult{
		ID:          uuid.New(),
		WorkspaceID: req.WorkspaceID,
		ConnectorID: strings.ToLower(strings.TrimSpace(req.Provider)),
		EntityType:  req.EntityType,
		Mode:        mode.Normalize(),
		Errors:      []SyncError{},
		StartedAt:   o.now(),
	}
}

// finish settles success, records the run and publishes metrics. Data
// errors on single records do not fail a run that walked every page.
func (o *Orchestrator) finish(ctx context.Context, res *SyncResult) {
	res.FinishedAt = o.now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Success = true
	for _, e := range res.Errors {
		if !e.record {
			res.Success = false
		}
	}

	connector, kind, mode := res.ConnectorID, string(res.EntityType), string(res.Mode)
	metrics.SyncDuration.WithLabelValues(connector, kind, mode).Observe(res.Duration.Seconds())
	metrics.SyncRunsTotal.WithLabelValues(connector, kind, mode, res.status()).Inc()
	if res.Success {
		metrics.SyncLastSuccessTimestamp.WithLabelValues(connector, kind).Set(float64(res.FinishedAt.Unix()))
	}
	for _, e := range res.Errors {
		metrics.SyncErrorsTotal.WithLabelValues(connector, string(e.Kind)).Inc()
	}

	if res.WorkspaceID != "" && res.ConnectorID != "" {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := o.store.RecordSyncRun(recordCtx, res.run()); err != nil {
			o.logger.Warn("failed to record sync run", "connector", connector, "entity_type", kind, "err", err)
		}
		cancel()
	}

	event := res.event(0, 0, res.FinishedAt)
	event.Done = true
	if !res.Success {
		event.Err = res.firstError()
	}
	o.reporter.Report(event)
}
