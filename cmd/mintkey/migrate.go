package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Assign identifiers to records that predate identifier allocation",
		Long: `Walks records that have no identifier yet, oldest first, and mints one
for each. Safe to re-run: records that already have an identifier are
never reassigned.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMigrate(batchSize)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "records fetched per round")
	return cmd
}

func runMigrate(batchSize int) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, _, allocator, err := openComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	assigned := 0
	for {
		missing, err := st.MissingIdentifiers(ctx, batchSize)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			break
		}
		for _, rec := range missing {
			if err := ctx.Err(); err != nil {
				return err
			}
			updated, ok, err := allocator.EnsureIdentifier(ctx, rec.Fingerprint)
			if err != nil {
				return fmt.Errorf("assign %s: %w", rec.Fingerprint, err)
			}
			if ok {
				assigned++
				log.Info().
					Str("identifier", updated.Identifier).
					Str("filename", updated.OriginalFilename).
					Msg("identifier assigned")
			}
		}
	}

	fmt.Printf("%d identifiers assigned\n", assigned)
	return nil
}
