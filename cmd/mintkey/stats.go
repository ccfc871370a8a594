package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mintkey/mintkey/pkg/bytesize"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store and keyspace statistics",
		RunE:  runStats,
	}
}

func runStats(_ *cobra.Command, _ []string) error {
	setupLogging()

	st, err := openStoreOnly()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	stats, err := st.CollectStats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Records:     %d active (%d with identifier)\n", stats.TotalRecords, stats.WithIdentifier)
	fmt.Printf("Total size:  %s\n", bytesize.Format(stats.TotalSizeBytes))
	fmt.Printf("Reserved:    %d identifiers\n", stats.ReservedCount)
	fmt.Println("\nKeyspace ledger:")
	for _, e := range stats.Ledger {
		state := ""
		if e.Exhausted {
			state = "  [exhausted]"
		}
		fmt.Printf("  length %2d: %d / %d (%.2f%%)%s\n",
			e.Length, e.Consumed, e.Capacity, e.UsageRatio()*100, state)
	}
	return nil
}
