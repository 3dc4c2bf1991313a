package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/veil/internal/event"
	"github.com/felixgeelhaar/veil/internal/graph"
	"github.com/felixgeelhaar/veil/internal/runtime"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics and the last run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := getStore(cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := graph.New(s, nil).WorkflowAnalytics(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Indexed documents: %d\n", a.NamespaceSize)
		fmt.Fprintf(out, "Relationships:     %d\n", a.Relationships)
		fmt.Fprintf(out, "Archives:          %d\n", a.Archives)
		fmt.Fprintf(out, "Embedding size:    %d\n", a.EmbeddingDimension)

		types := make([]event.EventType, 0, len(a.EventTypeDistribution))
		for t := range a.EventTypeDistribution {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		for _, t := range types {
			fmt.Fprintf(out, "  %-20s %d\n", t, a.EventTypeDistribution[t])
		}

		raw, err := s.GetConfig(runtime.LastRunKey)
		if err != nil || raw == "" {
			return err
		}
		run, err := runtime.ParseRunState(raw)
		if err != nil {
			return fmt.Errorf("failed to read last run: %w", err)
		}
		fmt.Fprintf(out, "Last run %s: %s, %d batches, %d indexed, %d dropped (%s)\n",
			run.RunID, run.Status, run.Batches, run.Indexed, run.Dropped, run.LastUpdatedAt.Format(time.RFC3339))
		if run.LastError != "" {
			fmt.Fprintf(out, "  error: %s\n", run.LastError)
		}
		return nil
	},
}

var olderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete indexed workflows older than the retention period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		age := olderThan
		if age <= 0 {
			age = cfg.Index.Retention
		}
		if age <= 0 {
			return fmt.Errorf("no retention configured; pass --older-than")
		}

		s, err := getStore(cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		obs := newObserver(cmd.ErrOrStderr())
		defer obs.Close()

		n, err := graph.New(s, nil, graph.WithObserver(obs)).CleanupOldWorkflowData(ctx, age)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d workflow records older than %s\n", n, age)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	RootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff (default: index.retention)")
}
