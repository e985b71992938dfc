package sync

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/entity"
	"github.com/tallyhq/tally/internal/store"
)

// SyncResult summarizes one entity-type sync invocation.
type SyncResult struct {
	ID          uuid.UUID        `json:"id"`
	WorkspaceID string           `json:"workspaceId"`
	ConnectorID string           `json:"connectorId"`
	EntityType  entity.Kind      `json:"entityType"`
	Mode        registry.RunMode `json:"mode"`
	Success     bool             `json:"success"`
	Processed   int              `json:"recordsProcessed"`
	Created     int              `json:"recordsCreated"`
	Updated     int              `json:"recordsUpdated"`
	Deleted     int              `json:"recordsDeleted"`
	Errors      []SyncError      `json:"errors"`
	// Cursor is the pagination position reached. It is empty once a sync
	// has walked every page.
	Cursor     string        `json:"cursor,omitempty"`
	Duration   time.Duration `json:"-"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// MarshalJSON reports the duration in milliseconds.
func (r SyncResult) MarshalJSON() ([]byte, error) {
	type plain SyncResult
	return json.Marshal(struct {
		plain
		Duration int64 `json:"durationMs"`
	}{plain: plain(r), Duration: r.Duration.Milliseconds()})
}

// Failed reports whether any run in results did not succeed.
func Failed(results []SyncResult) bool {
	for _, r := range results {
		if !r.Success {
			return true
		}
	}
	return false
}

func (r SyncResult) event(page, records int, at time.Time) registry.Event {
	return registry.Event{
		WorkspaceID: r.WorkspaceID,
		ConnectorID: r.ConnectorID,
		Entity:      string(r.EntityType),
		Mode:        r.Mode,
		Page:        page,
		Records:     records,
		Processed:   r.Processed,
		Created:     r.Created,
		Updated:     r.Updated,
		Deleted:     r.Deleted,
		Errors:      len(r.Errors),
		At:          at,
	}
}

// HasKind reports whether the result collected an error of kind.
func (r SyncResult) HasKind(kind ErrorKind) bool {
	for _, e := range r.Errors {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func (r SyncResult) firstError() error {
	for i := range r.Errors {
		if !r.Errors[i].record {
			return &r.Errors[i]
		}
	}
	if len(r.Errors) > 0 {
		return &r.Errors[0]
	}
	return nil
}

func (r *SyncResult) addError(e SyncError) {
	r.Errors = append(r.Errors, e)
}

func (r *SyncResult) count(outcome store.Outcome) {
	switch outcome {
	case store.OutcomeCreated:
		r.Created++
	case store.OutcomeUpdated:
		r.Updated++
	case store.OutcomeDeleted:
		r.Deleted++
	}
}

func (r SyncResult) status() string {
	switch {
	case r.Success:
		return "success"
	case r.HasKind(KindCanceled):
		return "canceled"
	default:
		return "error"
	}
}

func (r SyncResult) run() store.SyncRun {
	errs, err := json.Marshal(r.Errors)
	if err != nil || len(r.Errors) == 0 {
		errs = json.RawMessage("[]")
	}
	return store.SyncRun{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		ConnectorID: r.ConnectorID,
		EntityType:  string(r.EntityType),
		Mode:        string(r.Mode),
		Success:     r.Success,
		Processed:   r.Processed,
		Created:     r.Created,
		Updated:     r.Updated,
		Deleted:     r.Deleted,
		Errors:      errs,
		Cursor:      r.Cursor,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
}
