package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/config"
	httpapp "github.com/tallyhq/tally/internal/http"
	"github.com/tallyhq/tally/internal/http/handlers"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and OAuth HTTP server.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExitError(runServe())
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	gateway, err := webhook.NewGateway(webhook.Options{
		Registry:      rt.registry,
		Store:         rt.store,
		Logger:        logger,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		return err
	}

	h := &handlers.Handlers{
		Registry:      rt.registry,
		Webhooks:      gateway,
		PublicBaseURL: cfg.PublicBaseURL,
	}
	if cfg.OAuthStateSecret != "" {
		h.OAuth = rt.auth
		h.States = auth.StateSigner{Secret: []byte(cfg.OAuthStateSecret)}
	} else {
		logger.Warn("OAUTH_STATE_SECRET is not set; oauth routes disabled")
	}

	srv, err := httpapp.NewEchoServer(h, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	_, metricsErrCh := metrics.StartServer(ctx, cfg.MetricsAddr, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-metricsErrCh:
		return err
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
