package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/veil/internal/observe"
	"github.com/felixgeelhaar/veil/internal/runtime"
	"github.com/felixgeelhaar/veil/internal/seal"
	"github.com/felixgeelhaar/veil/internal/ui/tui"
)

var (
	interactive  bool
	embedderName string
	modelName    string
	pace         time.Duration
)

var replayCmd = &cobra.Command{
	Use:   "replay [actions-file]",
	Short: "Replay recorded actions through the privacy pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

func init() {
	RootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Start interactive TUI")
	replayCmd.Flags().StringVar(&embedderName, "embedder", "", "Embedding provider (stub, ollama, openai, gemini)")
	replayCmd.Flags().StringVarP(&modelName, "model", "m", "", "Model name (default depends on provider)")
	replayCmd.Flags().DurationVar(&pace, "pace", 0, "Delay between replayed actions")
}

func runReplay(ctx context.Context, out io.Writer, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	obs := newObserver(os.Stderr)
	defer obs.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if embedderName != "" {
		cfg.Embedding.Name = embedderName
	}
	if modelName != "" {
		cfg.Embedding.Model = modelName
	}

	shutdown, err := observe.Setup(ctx, cfg.Telemetry)
	if err != nil {
		obs.Log().Warn().Err(err).Msg("tracing disabled")
	}
	defer shutdown(context.Background())

	actions, err := loadActions(path, time.Now())
	if err != nil {
		return err
	}

	s, err := openIndex(&cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	sealer, err := seal.NewMachine("fields")
	if err != nil {
		return err
	}

	runner := NewRunner(obs, cfg, s, actions, nil)
	runner.Sealer = sealer
	runner.Pace = pace

	var snap runtime.Snapshot
	var runErr error
	if interactive && !ciMode {
		model := tui.NewModel("Veil replay", len(actions))
		program := tea.NewProgram(model)
		runner.UI = tui.NewTUI(program)
		// The TUI owns the terminal.
		runner.Observer = observe.Nop()

		go func() {
			snap, runErr = runner.Run(ctx)
			program.Quit()
		}()

		if _, err := program.Run(); err != nil {
			return fmt.Errorf("tui failed: %w", err)
		}
	} else {
		snap, runErr = runner.Run(ctx)
	}

	printSummary(out, snap)
	return runErr
}

func printSummary(w io.Writer, s runtime.Snapshot) {
	fmt.Fprintf(w, "Run %s: %s\n", s.RunID, s.Status)
	fmt.Fprintf(w, "  captured:   %d (%d deferred)\n", s.Captured, s.Deferred)

	reasons := make([]string, 0, len(s.Drops))
	for r, n := range s.Drops {
		if n > 0 {
			reasons = append(reasons, fmt.Sprintf("%s=%d", r, n))
		}
	}
	sort.Strings(reasons)
	fmt.Fprintf(w, "  dropped:    %v\n", reasons)
	fmt.Fprintf(w, "  processed:  %d in %d batches (%.0f/s)\n",
		s.Processing.ProcessedEvents, s.Processing.Batches, s.Processing.Throughput)
	fmt.Fprintf(w, "  batch size: %d (avg %.1f, %d adjustments)\n",
		s.Batching.CurrentBatchSize, s.Batching.AverageBatchSize, s.Batching.Adjustments)
	fmt.Fprintf(w, "  privacy:    eps %.2f, budget %.2f used / %.2f left, %d groups, %d sealed fields\n",
		s.Privacy.Epsilon, s.Privacy.BudgetUsed, s.Privacy.BudgetRemaining, s.Privacy.GroupCount, s.Privacy.EncryptedFields)
}
