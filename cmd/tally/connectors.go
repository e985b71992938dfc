package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/transform"
)

const connectionTestTimeout = 30 * time.Second

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "Inspect and configure provider connectors.",
}

var connectorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered providers and the entity types they sync.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOptionalDB()
		if err != nil {
			return err
		}
		reg, err := buildRegistry(cfg, transform.NewEngine())
		if err != nil {
			return err
		}
		return writeConnectorList(cmd.OutOrStdout(), reg)
	},
}

var (
	connectorWorkspace string
	connectorProvider  string
	connectorSettings  []string
)

var connectorsTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Check that stored credentials can reach the provider.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConnectionTest(cmd.OutOrStdout())
	},
}

var connectorsConfigureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Set connector configuration values such as a shop domain.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseSettings(connectorSettings)
		if err != nil {
			return err
		}
		return runConfigure(values)
	},
}

func init() {
	for _, c := range []*cobra.Command{connectorsTestCmd, connectorsConfigureCmd} {
		c.Flags().StringVar(&connectorWorkspace, "workspace", "", "Workspace id (required).")
		c.Flags().StringVar(&connectorProvider, "provider", "", "Provider slug (required).")
		_ = c.MarkFlagRequired("workspace")
		_ = c.MarkFlagRequired("provider")
	}
	connectorsConfigureCmd.Flags().StringArrayVar(&connectorSettings, "set", nil, "Config value as key=value; repeatable.")
	connectorsCmd.AddCommand(connectorsListCmd, connectorsTestCmd, connectorsConfigureCmd)
}

func writeConnectorList(out io.Writer, reg *registry.ConnectorRegistry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tNAME\tAUTH\tENTITIES")
	for _, p := range reg.All() {
		def := p.Definition()
		kinds := make([]string, 0, len(def.Entities))
		for _, k := range def.EntityTypes() {
			kinds = append(kinds, string(k))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", def.Slug, def.Name, def.Auth.Type, strings.Join(kinds, ","))
	}
	return tw.Flush()
}

func runConnectionTest(out io.Writer) error {
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

	p, err := rt.registry.Lookup(connectorProvider)
	if err != nil {
		return err
	}
	conn, err := rt.sessions.Open(ctx, p, connectorWorkspace)
	if err != nil {
		return err
	}

	testCtx, testCancel := context.WithTimeout(ctx, connectionTestTimeout)
	defer testCancel()
	status := conn.TestConnection(testCtx)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return err
	}
	if !status.Connected {
		return &exitError{code: 1, err: errors.New(status.Message), silent: true}
	}
	return nil
}

func runConfigure(values map[string]any) error {
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

	p, err := rt.registry.Lookup(connectorProvider)
	if err != nil {
		return err
	}
	ref := store.Ref{WorkspaceID: connectorWorkspace, ConnectorID: p.Definition().Slug}

	state, err := rt.store.GetConnectorState(ctx, ref)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		state = store.ConnectorState{WorkspaceID: ref.WorkspaceID, ConnectorID: ref.ConnectorID}
	default:
		return err
	}
	state.Config = mergeConfig(state.Config, values)

	if _, err := p.BaseURL(state.Config); err != nil {
		return fmt.Errorf("invalid %s config: %w", ref.ConnectorID, err)
	}
	if err := rt.store.SaveConnectorState(ctx, state); err != nil {
		return err
	}
	slog.Info("connector configured", "workspace_id", ref.WorkspaceID, "connector", ref.ConnectorID, "keys", sortedKeys(values))
	return nil
}

// parseSettings reads key=value pairs. An empty value removes the key.
func parseSettings(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, errors.New("at least one --set key=value is required")
	}
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func mergeConfig(current, values map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(values))
	maps.Copy(out, current)
	for k, v := range values {
		if s, ok := v.(string); ok && s == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
