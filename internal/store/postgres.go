package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tallyhq/tally/internal/entity"
)

// DBTX is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Postgres is the Store backed by the tables in db/migrations.
type Postgres struct {
	db DBTX
}

func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

const upsertEntity = `-- name: UpsertEntity :one
INSERT INTO normalized_entities (
  workspace_id, connector_id, entity_type, external_id, payload, deleted_at
) VALUES (
  $1, $2, $3, $4, $5, CASE WHEN $6::boolean THEN now() ELSE NULL END
)
ON CONFLICT (workspace_id, connector_id, entity_type, external_id) DO UPDATE SET
  payload = EXCLUDED.payload,
  deleted_at = CASE
    WHEN EXCLUDED.deleted_at IS NULL THEN NULL
    ELSE COALESCE(normalized_entities.deleted_at, EXCLUDED.deleted_at)
  END,
  updated_at = CASE
    WHEN normalized_entities.payload IS DISTINCT FROM EXCLUDED.payload THEN now()
    ELSE normalized_entities.updated_at
  END
RETURNING (xmax = 0) AS inserted
`

func (p *Postgres) Upsert(ctx context.Context, ref Ref, e entity.Entity) (Outcome, error) {
	payload, err := entity.Marshal(e)
	if err != nil {
		return "", err
	}
	var inserted bool
	err = p.db.QueryRow(ctx, upsertEntity,
		ref.WorkspaceID,
		ref.ConnectorID,
		string(e.Kind()),
		e.ExternalID(),
		payload,
		e.IsDeleted(),
	).Scan(&inserted)
	if err != nil {
		return "", fmt.Errorf("upsert %s %s: %w", e.Kind(), e.ExternalID(), err)
	}
	switch {
	case e.IsDeleted():
		return OutcomeDeleted, nil
	case inserted:
		return OutcomeCreated, nil
	default:
		return OutcomeUpdated, nil
	}
}

const getConnectorState = `-- name: GetConnectorState :one
SELECT workspace_id, connector_id, credentials, auth_state, config, last_sync_cursors, updated_at
FROM connector_states
WHERE workspace_id = $1 AND connector_id = $2
`

func (p *Postgres) GetConnectorState(ctx context.Context, ref Ref) (ConnectorState, error) {
	var (
		state                  ConnectorState
		creds, config, cursors []byte
		updatedAt              pgtype.Timestamptz
	)
	err := p.db.QueryRow(ctx, getConnectorState, ref.WorkspaceID, ref.ConnectorID).Scan(
		&state.WorkspaceID,
		&state.ConnectorID,
		&creds,
		&state.AuthState,
		&config,
		&cursors,
		&updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConnectorState{}, ErrNotFound
	}
	if err != nil {
		return ConnectorState{}, fmt.Errorf("get connector state %s: %w", ref, err)
	}
	if err := decodeJSONColumn(creds, &state.Credentials); err != nil {
		return ConnectorState{}, fmt.Errorf("decode credentials %s: %w", ref, err)
	}
	if err := decodeJSONColumn(config, &state.Config); err != nil {
		return ConnectorState{}, fmt.Errorf("decode config %s: %w", ref, err)
	}
	if err := decodeJSONColumn(cursors, &state.Cursors); err != nil {
		return ConnectorState{}, fmt.Errorf("decode cursors %s: %w", ref, err)
	}
	if updatedAt.Valid {
		state.UpdatedAt = updatedAt.Time
	}
	return state, nil
}

const saveConnectorState = `-- name: SaveConnectorState :exec
INSERT INTO connector_states (
  workspace_id, connector_id, credentials, auth_state, config, last_sync_cursors
) VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (workspace_id, connector_id) DO UPDATE SET
  credentials = EXCLUDED.credentials,
  auth_state = EXCLUDED.auth_state,
  config = EXCLUDED.config,
  last_sync_cursors = EXCLUDED.last_sync_cursors,
  updated_at = now()
`

func (p *Postgres) SaveConnectorState(ctx context.Context, state ConnectorState) error {
	creds, err := encodeJSONColumn(state.Credentials)
	if err != nil {
		return err
	}
	config, err := encodeJSONColumn(state.Config)
	if err != nil {
		return err
	}
	cursors, err := encodeJSONColumn(state.Cursors)
	if err != nil {
		return err
	}
	authState := state.AuthState
	if authState == "" {
		authState = "valid"
	}
	if _, err := p.db.Exec(ctx, saveConnectorState,
		state.WorkspaceID, state.ConnectorID, creds, authState, config, cursors,
	); err != nil {
		return fmt.Errorf("save connector state %s: %w", state.Ref(), err)
	}
	return nil
}

const setCursor = `-- name: SetCursor :exec
INSERT INTO connector_states (workspace_id, connector_id, last_sync_cursors)
VALUES ($1, $2, jsonb_build_object($3::text, $4::text))
ON CONFLICT (workspace_id, connector_id) DO UPDATE SET
  last_sync_cursors = connector_states.last_sync_cursors || jsonb_build_object($3::text, $4::text),
  updated_at = now()
`

const clearCursor = `-- name: ClearCursor :exec
UPDATE connector_states
SET last_sync_cursors = last_sync_cursors - $3::text,
    updated_at = now()
WHERE workspace_id = $1 AND connector_id = $2
`

func (p *Postgres) SaveCursor(ctx context.Context, ref Ref, entityType entity.Kind, cursor string) error {
	var err error
	if cursor == "" {
		_, err = p.db.Exec(ctx, clearCursor, ref.WorkspaceID, ref.ConnectorID, string(entityType))
	} else {
		_, err = p.db.Exec(ctx, setCursor, ref.WorkspaceID, ref.ConnectorID, string(entityType), cursor)
	}
	if err != nil {
		return fmt.Errorf("save %s cursor %s: %w", entityType, ref, err)
	}
	return nil
}

const saveCredentials = `-- name: SaveCredentials :exec
INSERT INTO connector_states (workspace_id, connector_id, credentials, auth_state)
VALUES ($1, $2, $3, $4)
ON CONFLICT (workspace_id, connector_id) DO UPDATE SET
  credentials = EXCLUDED.credentials,
  auth_state = EXCLUDED.auth_state,
  updated_at = now()
`

func (p *Postgres) SaveCredentials(ctx context.Context, ref Ref, creds map[string]string, authState string) error {
	raw, err := encodeJSONColumn(creds)
	if err != nil {
		return err
	}
	if _, err := p.db.Exec(ctx, saveCredentials, ref.WorkspaceID, ref.ConnectorID, raw, authState); err != nil {
		return fmt.Errorf("save credentials %s: %w", ref, err)
	}
	return nil
}

const markWebhookEvent = `-- name: MarkWebhookEvent :exec
INSERT INTO webhook_events (provider, event_id)
VALUES ($1, $2)
ON CONFLICT (provider, event_id) DO NOTHING
`

func (p *Postgres) MarkWebhookEvent(ctx context.Context, provider, eventID string) (bool, error) {
	tag, err := p.db.Exec(ctx, markWebhookEvent, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("mark webhook event %s/%s: %w", provider, eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

const insertSyncRun = `-- name: InsertSyncRun :exec
INSERT INTO sync_runs (
  id, workspace_id, connector_id, entity_type, mode, success,
  processed, created, updated, deleted, errors, cursor, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

func (p *Postgres) RecordSyncRun(ctx context.Context, run SyncRun) error {
	errs := run.Errors
	if len(errs) == 0 {
		errs = json.RawMessage("[]")
	}
	_, err := p.db.Exec(ctx, insertSyncRun,
		pgtype.UUID{Bytes: run.ID, Valid: true},
		run.WorkspaceID,
		run.ConnectorID,
		run.EntityType,
		run.Mode,
		run.Success,
		run.Processed,
		run.Created,
		run.Updated,
		run.Deleted,
		[]byte(errs),
		pgtype.Text{String: run.Cursor, Valid: run.Cursor != ""},
		pgTimestamptz(run.StartedAt),
		pgTimestamptz(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record sync run %s: %w", run.ID, err)
	}
	return nil
}

func pgTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func encodeJSONColumn(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return []byte("{}"), nil
	}
	return raw, nil
}

func decodeJSONColumn[T any](raw []byte, dst *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
