package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/veil/internal/event"
	"github.com/felixgeelhaar/veil/internal/graph"
)

var (
	searchType  string
	searchLimit int
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed workflows by meaning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var typ event.EventType
		if searchType != "" {
			var err error
			if typ, err = event.ParseEventType(searchType); err != nil {
				return err
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := openIndex(&cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		hits, err := graph.New(s, nil).SearchRelatedWorkflows(ctx, args[0], typ, searchLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(hits) == 0 {
			fmt.Fprintln(out, "No matching workflows.")
			return nil
		}
		for _, h := range hits {
			fmt.Fprintf(out, "%.3f  %-20s  %s  %s  %s\n",
				h.Similarity, h.EventType, h.Timestamp.Format(time.RFC3339), h.PrivacyLevel, h.WorkflowID)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVarP(&searchType, "type", "t", "", "Restrict to one event type (e.g. documentSave)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum results")
}
