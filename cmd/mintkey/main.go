// mintkey is a content-addressed short-identifier allocation service.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mintkey/mintkey/internal/alloc"
	"github.com/mintkey/mintkey/internal/config"
	"github.com/mintkey/mintkey/internal/reserved"
	"github.com/mintkey/mintkey/internal/store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mintkey",
		Short: "Mintkey - content-addressed short identifier allocation",
		Long: `Mintkey deduplicates files by content fingerprint and mints short,
collision-free identifiers for them from a cryptographically random keyspace.

QUICK START - upload files:

  # Generate a config:
  mintkey init

  # Edit ~/.mintkey/mintkey.yaml with your R2/S3 credentials, then:
  mintkey upload photos/ sunset.jpg

QUICK START - run the API server:

  mintkey serve --config ~/.mintkey/mintkey.yaml

For more help on any command, use: mintkey <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newReservedCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads the configured file, or falls back to defaults when no
// --config was given.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openComponents wires the store, reserved filter, and allocator from config.
func openComponents(ctx context.Context, cfg *config.Config) (*store.Store, *reserved.Filter, *alloc.Allocator, error) {
	st, err := store.Open(ctx, cfg.Store.Path, store.Options{
		PoolSize:    cfg.Store.PoolSize,
		BusyTimeout: cfg.Store.BusyTimeoutDuration(),
		MinLength:   cfg.Keyspace.MinLength,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	filter, err := reserved.NewFilter(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, fmt.Errorf("load reserved filter: %w", err)
	}

	allocator := alloc.New(st, filter, alloc.Config{
		MaxLength:        cfg.Keyspace.MaxLength,
		EscalateAt:       cfg.Keyspace.EscalateAt,
		MaxAttempts:      cfg.Allocator.MaxAttempts,
		MaxCommitRetries: cfg.Allocator.MaxCommitRetries,
		MaxEscalations:   cfg.Allocator.MaxEscalations,
		TransientRetries: cfg.Allocator.TransientRetries,
		RetryBackoff:     cfg.Allocator.RetryBackoffDuration(),
	})
	return st, filter, allocator, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("mintkey %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}

func newInitCmd() *cobra.Command {
	var outputDir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			setupLogging()
			if outputDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("get home dir: %w", err)
				}
				outputDir = home + "/.mintkey"
			}
			if err := os.MkdirAll(outputDir, 0o750); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			path := outputDir + "/mintkey.yaml"
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists: %s", path)
			}
			if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("Config generated: %s\n", path)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Edit the upload section with your R2/S3 credentials")
			fmt.Println("  2. mintkey upload <files...> --config " + path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default ~/.mintkey)")
	return cmd
}

const starterConfig = `store:
  path: "~/.mintkey/mintkey.db"

keyspace:
  min_length: 4
  max_length: 12
  escalate_at: 0.85

server:
  listen: ":8080"
  auth_token: ""        # required for serve; openssl rand -hex 32
  public_base_url: ""   # e.g. https://cdn.example.com

upload:
  endpoint: ""          # e.g. https://<account>.r2.cloudflarestorage.com
  region: "auto"
  bucket: ""
  access_key_id: ""
  secret_access_key: ""
  key_prefix: "i"
  public_base_url: ""   # e.g. https://cdn.example.com

batch:
  workers: 4
  extensions: [".jpg", ".jpeg", ".png", ".gif", ".webp"]
`

// shutdownTimeout bounds graceful HTTP shutdown on SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second
