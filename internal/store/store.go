// Package store persists normalized entities and per-connector state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/entity"
)

// ErrNotFound is returned when no connector state exists for a key.
var ErrNotFound = errors.New("store: not found")

// Outcome reports what an upsert did.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeDeleted Outcome = "deleted"
)

// Ref addresses one connector inside one workspace.
type Ref struct {
	WorkspaceID string
	ConnectorID string
}

func (r Ref) String() string { return r.WorkspaceID + "/" + r.ConnectorID }

// ConnectorState is the mutable per-workspace record for a connector.
type ConnectorState struct {
	WorkspaceID string
	ConnectorID string
	Credentials map[string]string
	AuthState   string
	Config      map[string]any
	// Cursors holds the last persisted sync cursor keyed by entity type.
	Cursors   map[string]string
	UpdatedAt time.Time
}

// Ref returns the state's key.
func (s ConnectorState) Ref() Ref {
	return Ref{WorkspaceID: s.WorkspaceID, ConnectorID: s.ConnectorID}
}

// Clone returns a deep copy of the maps so callers cannot alias stored state.
func (s ConnectorState) Clone() ConnectorState {
	out := s
	out.Credentials = maps.Clone(s.Credentials)
	out.Config = maps.Clone(s.Config)
	out.Cursors = maps.Clone(s.Cursors)
	return out
}

// SyncRun is the audit record of one sync invocation.
type SyncRun struct {
	ID          uuid.UUID
	WorkspaceID string
	ConnectorID string
	EntityType  string
	Mode        string
	Success     bool
	Processed   int
	Created     int
	Updated     int
	Deleted     int
	Errors      json.RawMessage
	Cursor      string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Store is the persistence boundary used by the sync orchestrator, the auth
// manager and the webhook gateway.
type Store interface {
	// Upsert writes e keyed by (workspace, connector, entity type, external
	// id). Applying the same entity twice leaves the same persisted state.
	Upsert(ctx context.Context, ref Ref, e entity.Entity) (Outcome, error)

	GetConnectorState(ctx context.Context, ref Ref) (ConnectorState, error)
	SaveConnectorState(ctx context.Context, state ConnectorState) error

	// SaveCursor atomically replaces one entity type's cursor without
	// touching the rest of the state. An empty cursor removes the entry.
	SaveCursor(ctx context.Context, ref Ref, entityType entity.Kind, cursor string) error
	// SaveCredentials atomically replaces credentials and auth state.
	SaveCredentials(ctx context.Context, ref Ref, creds map[string]string, authState string) error

	// MarkWebhookEvent records a delivered event and reports whether it was
	// seen for the first time.
	MarkWebhookEvent(ctx context.Context, provider, eventID string) (bool, error)

	RecordSyncRun(ctx context.Context, run SyncRun) error
}
