package store

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/tallyhq/tally/internal/entity"
)

type entityKey struct {
	ref        Ref
	entityType entity.Kind
	externalID string
}

type storedEntity struct {
	payload []byte
	deleted bool
}

// Memory is an in-process Store used by tests and the CLI when no database
// is configured.
type Memory struct {
	mu       sync.Mutex
	states   map[Ref]ConnectorState
	entities map[entityKey]storedEntity
	webhooks map[string]struct{}
	runs     []SyncRun
	now      func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		states:   make(map[Ref]ConnectorState),
		entities: make(map[entityKey]storedEntity),
		webhooks: make(map[string]struct{}),
		now:      time.Now,
	}
}

func (m *Memory) Upsert(ctx context.Context, ref Ref, e entity.Entity) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, err := entity.Marshal(e)
	if err != nil {
		return "", err
	}
	key := entityKey{ref: ref, entityType: e.Kind(), externalID: e.ExternalID()}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.entities[key]
	m.entities[key] = storedEntity{payload: payload, deleted: e.IsDeleted()}
	switch {
	case e.IsDeleted():
		return OutcomeDeleted, nil
	case existed:
		return OutcomeUpdated, nil
	default:
		return OutcomeCreated, nil
	}
}

// Entity returns a stored entity and whether it is marked deleted.
func (m *Memory) Entity(ref Ref, kind entity.Kind, externalID string) (entity.Entity, bool, error) {
	m.mu.Lock()
	stored, ok := m.entities[entityKey{ref: ref, entityType: kind, externalID: externalID}]
	m.mu.Unlock()
	if !ok {
		return nil, false, ErrNotFound
	}
	e, err := entity.Unmarshal(kind, stored.payload)
	if err != nil {
		return nil, false, err
	}
	return e, stored.deleted, nil
}

// Count returns how many entities of kind are stored for ref.
func (m *Memory) Count(ref Ref, kind entity.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.entities {
		if key.ref == ref && key.entityType == kind {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of every stored payload for ref, keyed by
// "type/externalId".
func (m *Memory) Snapshot(ref Ref) map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for key, stored := range m.entities {
		if key.ref != ref {
			continue
		}
		out[string(key.entityType)+"/"+key.externalID] = bytes.Clone(stored.payload)
	}
	return out
}

func (m *Memory) GetConnectorState(ctx context.Context, ref Ref) (ConnectorState, error) {
	if err := ctx.Err(); err != nil {
		return ConnectorState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[ref]
	if !ok {
		return ConnectorState{}, ErrNotFound
	}
	return state.Clone(), nil
}

func (m *Memory) SaveConnectorState(ctx context.Context, state ConnectorState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state = state.Clone()
	state.UpdatedAt = m.now()
	m.mu.Lock()
	m.states[state.Ref()] = state
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveCursor(ctx context.Context, ref Ref, entityType entity.Kind, cursor string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(ref)
	if cursor == "" {
		delete(state.Cursors, string(entityType))
	} else {
		state.Cursors[string(entityType)] = cursor
	}
	state.UpdatedAt = m.now()
	m.states[ref] = state
	return nil
}

func (m *Memory) SaveCredentials(ctx context.Context, ref Ref, creds map[string]string, authState string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(ref)
	state.Credentials = make(map[string]string, len(creds))
	for k, v := range creds {
		state.Credentials[k] = v
	}
	state.AuthState = authState
	state.UpdatedAt = m.now()
	m.states[ref] = state
	return nil
}

func (m *Memory) stateLocked(ref Ref) ConnectorState {
	state, ok := m.states[ref]
	if !ok {
		state = ConnectorState{WorkspaceID: ref.WorkspaceID, ConnectorID: ref.ConnectorID}
	}
	state = state.Clone()
	if state.Cursors == nil {
		state.Cursors = make(map[string]string)
	}
	return state
}

func (m *Memory) MarkWebhookEvent(ctx context.Context, provider, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := provider + "/" + eventID
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.webhooks[key]; seen {
		return false, nil
	}
	m.webhooks[key] = struct{}{}
	return true, nil
}

func (m *Memory) RecordSyncRun(ctx context.Context, run SyncRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.runs = append(m.runs, run)
	m.mu.Unlock()
	return nil
}

// SyncRuns returns the recorded runs in insertion order.
func (m *Memory) SyncRuns() []SyncRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SyncRun(nil), m.runs...)
}
