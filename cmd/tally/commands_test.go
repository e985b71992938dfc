package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/sync"
	"github.com/tallyhq/tally/internal/transform"
)

const acmeDefinition = `
slug: acme
version: "1"
name: Acme CRM
category: other
baseUrl: https://api.acme.test
auth:
  type: bearer
entities:
  - name: customer
    supportsIncremental: true
endpoints:
  - entityType: customer
    path: /v2/contacts
    itemsPath: items
    pagination:
      cursorParam: after
      nextCursorPath: next
webhook:
  signatureHeader: X-Acme-Signature
  events: [contact.updated]
  eventEntities:
    contact.updated: customer
transforms:
  customer:
    fields:
      - {source: uid, target: externalId, type: string}
`

func TestBuildRegistry_BuiltinsAndDefinitionDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "acme.yaml"), []byte(acmeDefinition), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	reg, err := buildRegistry(config.Config{ConnectorDefinitionsDir: dir}, transform.NewEngine())
	if err != nil {
		t.Fatalf("buildRegistry() error = %v", err)
	}
	if got, want := reg.Slugs(), []string{"stripe", "shopify", "acme"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Slugs() = %v, want %v", got, want)
	}

	var out bytes.Buffer
	if err := writeConnectorList(&out, reg); err != nil {
		t.Fatalf("writeConnectorList() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("list has %d lines, want 4:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "SLUG") || !strings.Contains(lines[3], "acme") || !strings.Contains(lines[3], "bearer") {
		t.Fatalf("unexpected list output:\n%s", out.String())
	}
}

func TestBuildRegistry_DuplicateSlugFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dup := strings.Replace(acmeDefinition, "slug: acme", "slug: stripe", 1)
	if err := os.WriteFile(filepath.Join(dir, "stripe.yaml"), []byte(dup), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := buildRegistry(config.Config{ConnectorDefinitionsDir: dir}, transform.NewEngine()); err == nil {
		t.Fatal("buildRegistry() error = nil, want duplicate slug error")
	}
}

func TestSyncFlags(t *testing.T) {
	t.Parallel()

	if got := (syncFlags{}).mode(); got != registry.RunModeIncremental {
		t.Fatalf("mode() = %q, want %q", got, registry.RunModeIncremental)
	}
	if got := (syncFlags{full: true}).mode(); got != registry.RunModeFull {
		t.Fatalf("mode(full) = %q, want %q", got, registry.RunModeFull)
	}

	since, err := (syncFlags{since: "2024-03-01T10:00:00Z"}).sinceTime()
	if err != nil {
		t.Fatalf("sinceTime() error = %v", err)
	}
	if want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC); since == nil || !since.Equal(want) {
		t.Fatalf("sinceTime() = %v, want %v", since, want)
	}
	if since, err := (syncFlags{}).sinceTime(); err != nil || since != nil {
		t.Fatalf("sinceTime(empty) = %v, %v, want nil, nil", since, err)
	}
	if _, err := (syncFlags{since: "yesterday"}).sinceTime(); err == nil {
		t.Fatal("sinceTime(invalid) error = nil, want error")
	}
}

func TestSyncOutcome(t *testing.T) {
	t.Parallel()

	ok := sync.SyncResult{Success: true}
	failed := sync.SyncResult{Errors: []sync.SyncError{{Kind: sync.KindTransient, Message: "502"}}}
	canceled := sync.SyncResult{Errors: []sync.SyncError{{Kind: sync.KindCanceled, Message: "canceled"}}}

	if err := syncOutcome([]sync.SyncResult{ok, ok}); err != nil {
		t.Fatalf("syncOutcome(success) = %v, want nil", err)
	}

	var ee *exitError
	if err := syncOutcome([]sync.SyncResult{ok, failed}); !errors.As(err, &ee) || ee.code != 1 || !ee.silent {
		t.Fatalf("syncOutcome(failed) = %#v, want silent exit 1", err)
	}
	err := syncOutcome([]sync.SyncResult{failed, canceled})
	if !errors.As(err, &ee) || ee.code != exitCodeCanceled {
		t.Fatalf("syncOutcome(canceled) = %#v, want exit %d", err, exitCodeCanceled)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("syncOutcome(canceled) = %v, want context.Canceled", err)
	}
}

func TestWriteResults(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	res := []sync.SyncResult{{WorkspaceID: "ws_1", ConnectorID: "stripe", EntityType: "customer", Success: true, Processed: 3}}
	if err := writeResults(&out, res); err != nil {
		t.Fatalf("writeResults() error = %v", err)
	}
	for _, want := range []string{`"recordsProcessed": 3`, `"connectorId": "stripe"`, `"success": true`} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %s:\n%s", want, out.String())
		}
	}
}

func TestParseSettings(t *testing.T) {
	t.Parallel()

	got, err := parseSettings([]string{"shop=acme-store", " api_version = 2024-01 ", "legacy="})
	if err != nil {
		t.Fatalf("parseSettings() error = %v", err)
	}
	want := map[string]any{"shop": "acme-store", "api_version": "2024-01", "legacy": ""}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseSettings() = %v, want %v", got, want)
	}

	for _, bad := range [][]string{nil, {"novalue"}, {"=x"}} {
		if _, err := parseSettings(bad); err == nil {
			t.Fatalf("parseSettings(%q) error = nil, want error", bad)
		}
	}
}

func TestMergeConfig(t *testing.T) {
	t.Parallel()

	current := map[string]any{"shop": "old", "legacy": "x"}
	got := mergeConfig(current, map[string]any{"shop": "new", "legacy": "", "region": "eu"})
	want := map[string]any{"shop": "new", "region": "eu"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("mergeConfig() = %v, want %v", got, want)
	}
	if current["shop"] != "old" {
		t.Fatalf("mergeConfig() mutated current: %v", current)
	}
}

func TestReadFirstLine(t *testing.T) {
	t.Parallel()

	got, err := readFirstLine(strings.NewReader("sk_test_123\r\nignored\n"))
	if err != nil || got != "sk_test_123" {
		t.Fatalf("readFirstLine() = %q, %v, want %q", got, err, "sk_test_123")
	}
	if _, err := readFirstLine(strings.NewReader("  \n")); err == nil {
		t.Fatal("readFirstLine(blank) error = nil, want error")
	}
	if _, err := readFirstLine(strings.NewReader("")); err == nil {
		t.Fatal("readFirstLine(empty) error = nil, want error")
	}
}
