package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mintkey/mintkey/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the allocation API server",
		RunE:  runServe,
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, filter, allocator, err := openComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	filter.StartRefresh(ctx, cfg.Reserved.RefreshIntervalDuration())

	srv := server.NewServer(cfg, st, allocator, filter)
	httpSrv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Str("version", Version).Msg("mintkey server starting")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
