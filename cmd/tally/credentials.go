package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/store"
	"golang.org/x/term"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage stored provider credentials.",
}

var (
	credentialsWorkspace string
	credentialsProvider  string
	credentialsKey       string
	credentialsStdin     bool
)

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store one credential value for a workspace connector and mark its credentials valid.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.TrimSpace(credentialsKey)
		if key == "" {
			return errors.New("--key is required")
		}
		value, err := readSecret(cmd, credentialsStdin, os.Stdin)
		if err != nil {
			return err
		}
		return runCredentialsSet(cmd, key, value)
	},
}

func init() {
	f := credentialsSetCmd.Flags()
	f.StringVar(&credentialsWorkspace, "workspace", "", "Workspace id (required).")
	f.StringVar(&credentialsProvider, "provider", "", "Provider slug (required).")
	f.StringVar(&credentialsKey, "key", auth.KeyAPIKey, "Credential field, e.g. api_key, access_token, webhook_secret.")
	f.BoolVar(&credentialsStdin, "stdin", false, "Read the value from stdin instead of prompting.")
	_ = credentialsSetCmd.MarkFlagRequired("workspace")
	_ = credentialsSetCmd.MarkFlagRequired("provider")
	credentialsCmd.AddCommand(credentialsSetCmd)
}

func runCredentialsSet(cmd *cobra.Command, key, value string) error {
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

	p, err := rt.registry.Lookup(credentialsProvider)
	if err != nil {
		return err
	}
	ref := store.Ref{WorkspaceID: credentialsWorkspace, ConnectorID: p.Definition().Slug}

	// Other stored fields survive, so a webhook secret can be added next to
	// an api key.
	creds := auth.Credentials{}
	state, err := rt.store.GetConnectorState(ctx, ref)
	switch {
	case err == nil:
		maps.Copy(creds, state.Credentials)
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}
	creds[key] = value

	if err := rt.auth.SetCredentials(ctx, ref, creds); err != nil {
		return err
	}
	cmd.Printf("stored %s for %s\n", key, ref)
	return nil
}

// readSecret prompts without echo on a terminal. With fromStdin the first
// line of in is used.
func readSecret(cmd *cobra.Command, fromStdin bool, in *os.File) (string, error) {
	if fromStdin {
		return readFirstLine(in)
	}
	if !term.IsTerminal(int(in.Fd())) {
		return "", errors.New("stdin is not a terminal; use --stdin to pipe the value")
	}
	cmd.Print("Value: ")
	raw, err := term.ReadPassword(int(in.Fd()))
	cmd.Println()
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return "", errors.New("value is empty")
	}
	return value, nil
}

func readFirstLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.New("value is empty")
	}
	value := strings.TrimRight(scanner.Text(), "\r\n")
	if strings.TrimSpace(value) == "" {
		return "", errors.New("value is empty")
	}
	return value, nil
}
