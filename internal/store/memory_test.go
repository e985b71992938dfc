package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tallyhq/tally/internal/entity"
)

func mustEntity(t *testing.T, kind entity.Kind, fields map[string]any) entity.Entity {
	t.Helper()
	e, err := entity.FromFields(kind, fields)
	if err != nil {
		t.Fatalf("FromFields() error = %v", err)
	}
	return e
}

func TestMemoryUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemory()
	ref := Ref{WorkspaceID: "ws_1", ConnectorID: "stripe"}
	e := mustEntity(t, entity.KindCustomer, map[string]any{"externalId": "cus_1", "email": "a@b.co"})

	got, err := s.Upsert(ctx, ref, e)
	if err != nil || got != OutcomeCreated {
		t.Fatalf("Upsert() = %q, %v, want created", got, err)
	}
	before := s.Snapshot(ref)

	got, err = s.Upsert(ctx, ref, e)
	if err != nil || got != OutcomeUpdated {
		t.Fatalf("Upsert() second = %q, %v, want updated", got, err)
	}
	after := s.Snapshot(ref)
	if len(before) != 1 || string(before["customer/cus_1"]) != string(after["customer/cus_1"]) {
		t.Fatalf("Snapshot() changed after repeated upsert: %s vs %s", before, after)
	}
}

func TestMemoryUpsertTracksDeletes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemory()
	ref := Ref{WorkspaceID: "ws_1", ConnectorID: "shopify"}
	e := mustEntity(t, entity.KindProduct, map[string]any{"externalId": "10"})
	entity.MarkDeleted(e)

	got, err := s.Upsert(ctx, ref, e)
	if err != nil || got != OutcomeDeleted {
		t.Fatalf("Upsert() = %q, %v, want deleted", got, err)
	}
	_, deleted, err := s.Entity(ref, entity.KindProduct, "10")
	if err != nil || !deleted {
		t.Fatalf("Entity() deleted = %v, %v, want true", deleted, err)
	}
}

func TestMemoryConnectorState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemory()
	ref := Ref{WorkspaceID: "ws_1", ConnectorID: "stripe"}

	if _, err := s.GetConnectorState(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetConnectorState() error = %v, want ErrNotFound", err)
	}

	state := ConnectorState{
		WorkspaceID: ref.WorkspaceID,
		ConnectorID: ref.ConnectorID,
		Credentials: map[string]string{"access_token": "tok"},
		Config:      map[string]any{"account": "acct_1"},
	}
	if err := s.SaveConnectorState(ctx, state); err != nil {
		t.Fatalf("SaveConnectorState() error = %v", err)
	}
	state.Credentials["access_token"] = "mutated"

	got, err := s.GetConnectorState(ctx, ref)
	if err != nil {
		t.Fatalf("GetConnectorState() error = %v", err)
	}
	if got.Credentials["access_token"] != "tok" {
		t.Fatalf("Credentials aliased caller map: %v", got.Credentials)
	}

	if err := s.SaveCursor(ctx, ref, entity.KindCustomer, "cus_9"); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	if err := s.SaveCredentials(ctx, ref, map[string]string{"access_token": "new"}, "valid"); err != nil {
		t.Fatalf("SaveCredentials() error = %v", err)
	}
	got, _ = s.GetConnectorState(ctx, ref)
	if got.Cursors["customer"] != "cus_9" {
		t.Fatalf("Cursors = %v, want customer cursor kept after credential save", got.Cursors)
	}
	if got.Config["account"] != "acct_1" {
		t.Fatalf("Config = %v, want account kept", got.Config)
	}

	if err := s.SaveCursor(ctx, ref, entity.KindCustomer, ""); err != nil {
		t.Fatalf("SaveCursor(clear) error = %v", err)
	}
	got, _ = s.GetConnectorState(ctx, ref)
	if _, ok := got.Cursors["customer"]; ok {
		t.Fatalf("Cursors = %v, want customer cursor cleared", got.Cursors)
	}
}

func TestMemoryConcurrentCursorWritesDoNotLoseUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemory()
	ref := Ref{WorkspaceID: "ws_1", ConnectorID: "stripe"}

	var wg sync.WaitGroup
	for _, kind := range entity.Kinds() {
		wg.Add(1)
		go func(kind entity.Kind) {
			defer wg.Done()
			if err := s.SaveCursor(ctx, ref, kind, "c_"+string(kind)); err != nil {
				t.Errorf("SaveCursor(%s) error = %v", kind, err)
			}
		}(kind)
	}
	wg.Wait()

	got, err := s.GetConnectorState(ctx, ref)
	if err != nil {
		t.Fatalf("GetConnectorState() error = %v", err)
	}
	if len(got.Cursors) != len(entity.Kinds()) {
		t.Fatalf("Cursors = %v, want one per kind", got.Cursors)
	}
}

func TestMemoryMarkWebhookEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemory()
	first, err := s.MarkWebhookEvent(ctx, "stripe", "evt_1")
	if err != nil || !first {
		t.Fatalf("MarkWebhookEvent() = %v, %v, want true", first, err)
	}
	again, err := s.MarkWebhookEvent(ctx, "stripe", "evt_1")
	if err != nil || again {
		t.Fatalf("MarkWebhookEvent() repeat = %v, %v, want false", again, err)
	}
}
