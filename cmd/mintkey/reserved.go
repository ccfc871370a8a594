package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mintkey/mintkey/internal/store"
)

func newReservedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reserved",
		Short: "Manage the reserved identifier set",
	}
	cmd.AddCommand(newReservedListCmd())
	cmd.AddCommand(newReservedAddCmd())
	return cmd
}

func newReservedListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List reserved identifiers",
		RunE: func(_ *cobra.Command, _ []string) error {
			setupLogging()
			st, err := openStoreOnly()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			reserved, err := st.ListReserved(context.Background())
			if err != nil {
				return err
			}
			for _, r := range reserved {
				fmt.Printf("%-12s %s\n", r.Value, r.Reason)
			}
			return nil
		},
	}
}

func newReservedAddCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "add <value>",
		Short: "Reserve an identifier so it is never minted",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			setupLogging()
			st, err := openStoreOnly()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.AddReserved(context.Background(), args[0], reason); err != nil {
				return err
			}
			fmt.Printf("Reserved: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manually reserved", "why the value is reserved")
	return cmd
}

func openStoreOnly() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(context.Background(), cfg.Store.Path, store.Options{
		PoolSize:    cfg.Store.PoolSize,
		BusyTimeout: cfg.Store.BusyTimeoutDuration(),
		MinLength:   cfg.Keyspace.MinLength,
	})
}
