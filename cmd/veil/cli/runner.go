package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/veil/internal/capture"
	"github.com/felixgeelhaar/veil/internal/config"
	"github.com/felixgeelhaar/veil/internal/event"
	"github.com/felixgeelhaar/veil/internal/observe"
	"github.com/felixgeelhaar/veil/internal/runtime"
	"github.com/felixgeelhaar/veil/internal/seal"
	"github.com/felixgeelhaar/veil/internal/store"
	"github.com/felixgeelhaar/veil/internal/ui"
)

const shutdownTimeout = 30 * time.Second

// Runner replays recorded actions through a pipeline.
type Runner struct {
	Observer *observe.Observer
	Config   config.Config
	Store    *store.SQLiteStore
	Sealer   *seal.Sealer
	Actions  []event.UserAction
	Pace     time.Duration
	UI       ui.UI
}

func (r *Runner) Run(ctx context.Context) (runtime.Snapshot, error) {
	r.UI.UpdateStatus("Starting")
	r.Observer.Log().Info().Int("actions", len(r.Actions)).Msg("Veil: replay starting")

	opts := []runtime.Option{
		runtime.WithObserver(r.Observer),
		runtime.WithUI(r.UI),
		runtime.WithArchiver(r.Store),
		runtime.WithRunStore(r.Store),
	}
	if r.Sealer != nil {
		opts = append(opts, runtime.WithSealer(r.Sealer))
	}
	pipe, err := runtime.New(r.Config, r.Store, opts...)
	if err != nil {
		r.Observer.Log().Error().Err(err).Msg("Failed to build pipeline")
		return runtime.Snapshot{}, err
	}
	if err := pipe.Start(ctx); err != nil {
		return runtime.Snapshot{}, err
	}

	for _, a := range r.Actions {
		res := pipe.Capture(a)
		if res.Status != capture.Success {
			r.Observer.Log().Debug().Str("type", a.Type.String()).Str("result", res.String()).Msg("action not captured cleanly")
		}
		if r.Pace > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(r.Pace):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	runErr := pipe.Shutdown(sctx)
	snap := pipe.Snapshot()
	if runErr != nil {
		r.Observer.Log().Error().Err(runErr).Msg("Replay failed")
		return snap, runErr
	}

	if ret := r.Config.Index.Retention; ret > 0 {
		if _, err := pipe.Cleanup(ctx, ret); err != nil {
			r.Observer.Log().Warn().Err(err).Msg("retention cleanup failed")
		}
	}

	r.UI.UpdateStatus("Completed")
	return snap, nil
}

func NewRunner(obs *observe.Observer, cfg config.Config, s *store.SQLiteStore, actions []event.UserAction, u ui.UI) *Runner {
	if u == nil {
		u = ui.SilentUI{}
	}
	return &Runner{
		Observer: obs,
		Config:   cfg,
		Store:    s,
		Actions:  actions,
		UI:       u,
	}
}

// loadActions reads a JSON or YAML list of actions. Actions without a
// timestamp are spaced one second apart ending now.
func loadActions(path string, now time.Time) ([]event.UserAction, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to read actions: %w", err)
	}

	var actions []event.UserAction
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &actions)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &actions)
	default:
		return nil, fmt.Errorf("unsupported actions format: %s (use .json or .yaml)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse actions: %w", err)
	}

	for i := range actions {
		if actions[i].Timestamp.IsZero() {
			actions[i].Timestamp = now.Add(-time.Duration(len(actions)-i) * time.Second)
		}
	}
	return actions, nil
}
