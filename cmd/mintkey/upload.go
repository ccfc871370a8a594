package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mintkey/mintkey/internal/batch"
	"github.com/mintkey/mintkey/internal/upload"
)

func newUploadCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "upload <files or directories...>",
		Short: "Fingerprint files, allocate identifiers, and upload them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runUpload(args, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "allocate identifiers without uploading")
	return cmd
}

func runUpload(paths []string, dryRun bool) error {
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

	var objects batch.ObjectStore
	if !dryRun && cfg.Upload.Endpoint != "" {
		client, err := upload.New(ctx, cfg.Upload)
		if err != nil {
			return err
		}
		if err := client.Check(ctx); err != nil {
			return fmt.Errorf("object store unreachable: %w", err)
		}
		objects = client
	}

	pipeline := batch.New(allocator, st, objects, cfg.Batch.Workers, cfg.Batch.Extensions)
	files, err := pipeline.Expand(paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no matching files under %v", paths)
	}

	results, summary := pipeline.Process(ctx, files)
	for _, res := range results {
		switch {
		case res.Err != nil:
			fmt.Printf("FAIL  %s: %v\n", res.Path, res.Err)
		case res.PublicURL != "":
			fmt.Printf("%-5s %s -> %s (%s)\n", res.Outcome, res.Path, res.Identifier, res.PublicURL)
		default:
			fmt.Printf("%-5s %s -> %s\n", res.Outcome, res.Path, res.Identifier)
		}
	}
	fmt.Printf("\n%d assigned, %d duplicates, %d failed\n",
		summary.Assigned, summary.DedupHits, summary.Failed)

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", summary.Failed, len(files))
	}
	return nil
}
