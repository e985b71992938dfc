package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/entity"
	"github.com/tallyhq/tally/internal/sync"
)

type syncFlags struct {
	workspace string
	provider  string
	entity    string
	full      bool
	since     string
}

var syncOpts syncFlags

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-off sync for one provider of a workspace and print the per-entity results.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd.OutOrStdout(), syncOpts)
	},
}

func init() {
	f := syncCmd.Flags()
	f.StringVar(&syncOpts.workspace, "workspace", "", "Workspace id (required).")
	f.StringVar(&syncOpts.provider, "provider", "", "Provider slug (required).")
	f.StringVar(&syncOpts.entity, "entity", "", "Entity type to sync; all declared types when empty.")
	f.BoolVar(&syncOpts.full, "full", false, "Ignore persisted cursors and fetch everything.")
	f.StringVar(&syncOpts.since, "since", "", "RFC3339 timestamp limiting incremental syncs server side.")
	_ = syncCmd.MarkFlagRequired("workspace")
	_ = syncCmd.MarkFlagRequired("provider")
}

func (f syncFlags) mode() registry.RunMode {
	if f.full {
		return registry.RunModeFull
	}
	return registry.RunModeIncremental
}

func (f syncFlags) sinceTime() (*time.Time, error) {
	raw := strings.TrimSpace(f.since)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("--since must be an RFC3339 timestamp: %w", err)
	}
	return &t, nil
}

func runSync(out io.Writer, opts syncFlags) error {
	since, err := opts.sinceTime()
	if err != nil {
		return err
	}
	var kind entity.Kind
	if opts.entity != "" {
		kind, err = entity.ParseKind(opts.entity)
		if err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := openApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer rt.Close()

	orch, err := rt.orchestrator(&sync.LogReporter{})
	if err != nil {
		return err
	}

	var results []sync.SyncResult
	if kind == "" {
		results = orch.SyncAll(ctx, opts.workspace, opts.provider, opts.mode(), since)
	} else {
		req := sync.Request{WorkspaceID: opts.workspace, Provider: opts.provider, EntityType: kind, Since: since}
		if opts.full {
			results = []sync.SyncResult{orch.FullSync(ctx, req)}
		} else {
			results = []sync.SyncResult{orch.IncrementalSync(ctx, req)}
		}
	}

	if err := writeResults(out, results); err != nil {
		return err
	}
	return syncOutcome(results)
}

func writeResults(out io.Writer, results []sync.SyncResult) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// syncOutcome turns failed results into the command's exit status. The
// results are already printed, so the error itself stays quiet.
func syncOutcome(results []sync.SyncResult) error {
	if !sync.Failed(results) {
		return nil
	}
	for _, res := range results {
		if res.HasKind(sync.KindCanceled) {
			return &exitError{code: exitCodeCanceled, err: context.Canceled, silent: true}
		}
	}
	return &exitError{code: 1, err: errors.New("sync failed"), silent: true}
}
