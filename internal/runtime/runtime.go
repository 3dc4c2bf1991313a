// Package runtime wires capture, batching, privacy and indexing into one
// running pipeline.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/veil/internal/capture"
	"github.com/felixgeelhaar/veil/internal/codec"
	"github.com/felixgeelhaar/veil/internal/config"
	"github.com/felixgeelhaar/veil/internal/event"
	"github.com/felixgeelhaar/veil/internal/graph"
	"github.com/felixgeelhaar/veil/internal/guard"
	"github.com/felixgeelhaar/veil/internal/memory"
	"github.com/felixgeelhaar/veil/internal/observe"
	"github.com/felixgeelhaar/veil/internal/privacy"
	"github.com/felixgeelhaar/veil/internal/processor"
	"github.com/felixgeelhaar/veil/internal/seal"
	"github.com/felixgeelhaar/veil/internal/ui"
)

const (
	defaultMonitorInterval = 100 * time.Millisecond
	burstEnterUtilization  = 0.8
	burstExitUtilization   = 0.25
)

var (
	ErrAlreadyStarted = errors.New("pipeline already started")
	ErrNotStarted     = errors.New("pipeline not started")
)

// Snapshot is a point-in-time view of every pipeline stage.
type Snapshot struct {
	RunID      string
	Status     string
	Captured   int64
	Deferred   int64
	Drops      map[capture.DropReason]int64
	Pressure   memory.PressureLevel
	UsedBytes  int64
	Buffer     processor.BufferStats
	Processing processor.ProcessingMetrics
	Batching   processor.BatchingMetrics
	Burst      processor.BurstMetrics
	Privacy    privacy.Metrics
	Capture    capture.ComplianceResult
}

// Pipeline runs capture -> processor -> graph updater. Capture must be
// called from a single producer goroutine.
type Pipeline struct {
	cfg       config.Config
	obs       *observe.Observer
	ui        ui.UI
	bus       *EventBus
	state     *StateManager
	runID     string
	interval  time.Duration
	sealer    *seal.Sealer
	archiver  graph.Archiver
	rng       *rand.Rand
	runStore  ConfigStore
	processed int

	capture   *capture.Capture
	permits   *memory.Permits
	engine    *privacy.Engine
	processor *processor.Processor
	updater   *graph.Updater

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	pressure memory.PressureLevel
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithObserver(o *observe.Observer) Option {
	return func(p *Pipeline) { p.obs = o }
}

func WithUI(u ui.UI) Option {
	return func(p *Pipeline) {
		if u != nil {
			p.ui = u
		}
	}
}

func WithEventBus(b *EventBus) Option {
	return func(p *Pipeline) { p.bus = b }
}

// WithSealer sets the field sealer. Without one, a per-run key is generated
// and sealed fields cannot be revealed after the run.
func WithSealer(s *seal.Sealer) Option {
	return func(p *Pipeline) { p.sealer = s }
}

// WithArchiver keeps a packed copy of every batch.
func WithArchiver(a graph.Archiver) Option {
	return func(p *Pipeline) { p.archiver = a }
}

// WithRunStore persists the run summary when the pipeline stops.
func WithRunStore(s ConfigStore) Option {
	return func(p *Pipeline) { p.runStore = s }
}

// WithRand makes privacy noise reproducible.
func WithRand(r *rand.Rand) Option {
	return func(p *Pipeline) { p.rng = r }
}

// WithMonitorInterval sets how often buffer utilization is checked for
// burst mode.
func WithMonitorInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.interval = d }
}

// New assembles a pipeline over index.
func New(cfg config.Config, index graph.Index, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:      cfg,
		obs:      observe.Nop(),
		ui:       ui.SilentUI{},
		bus:      NewEventBus(),
		runID:    uuid.NewString(),
		interval: defaultMonitorInterval,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := cfg.Privacy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid privacy policy: %w", err)
	}
	compression, err := codec.ParseCompression(cfg.Index.Compression)
	if err != nil {
		return nil, err
	}

	if p.sealer == nil {
		if p.sealer, err = seal.NewEphemeral("fields"); err != nil {
			return nil, err
		}
	}
	var privOpts []privacy.Option
	if p.rng != nil {
		privOpts = append(privOpts, privacy.WithRand(p.rng))
	}
	p.engine = privacy.New(guard.New(cfg.Privacy), p.sealer, privOpts...)

	p.permits = memory.NewPermits(cfg.Memory.LimitBytes)
	p.capture = capture.New(p.permits,
		capture.WithQueueSize(cfg.Capture.QueueSize),
		capture.WithFutureTolerance(cfg.Capture.FutureTolerance),
	)

	graphOpts := []graph.Option{graph.WithObserver(p.obs)}
	if p.archiver != nil {
		enc, err := newEncoder(cfg.Index.Salt)
		if err != nil {
			return nil, err
		}
		graphOpts = append(graphOpts, graph.WithArchiver(p.archiver, enc, compression))
	}
	p.updater = graph.New(index, p.engine, graphOpts...)

	p.processor = processor.New(p.engine, p.updater,
		processor.WithConfig(cfg.Processor),
		processor.WithPermits(p.permits),
		processor.WithObserver(p.obs),
		processor.WithBatchHook(p.onBatch),
	)

	p.state = NewStateManager(p.runStore)
	p.state.InitRun(p.runID)
	return p, nil
}

func newEncoder(salt string) (*event.Encoder, error) {
	if salt == "" {
		return event.NewEphemeralEncoder()
	}
	return event.NewEncoder([]byte(salt))
}

// Start launches the batch loop and the burst monitor.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p.group = g

	monitorDone := make(chan struct{})
	g.Go(func() error {
		defer close(monitorDone)
		err := p.processor.Run(gctx, p.capture.Stream(), p.capture.Done())
		if err != nil && !errors.Is(err, context.Canceled) {
			p.state.Fail(p.runID, err)
			p.bus.PublishWithData(EventPipelineError, p.runID, map[string]any{"error": err.Error()})
			p.obs.Log().Error().Err(err).Msg("pipeline stopped")
		}
		return err
	})
	g.Go(func() error {
		p.monitor(gctx, monitorDone)
		return nil
	})

	p.state.SetStatus(p.runID, StatusRunning)
	p.ui.UpdateStatus("Running")
	p.bus.PublishSimple(EventPipelineStarted, p.runID)
	p.obs.Log().Info().Str("run", p.runID).Msg("pipeline started")
	return nil
}

// Capture hands one action to the front-end. It never blocks.
func (p *Pipeline) Capture(a event.UserAction) capture.Result {
	res := p.capture.Capture(a)
	if res.Status == capture.Dropped {
		p.state.RecordDrop(p.runID)
		p.bus.PublishWithData(EventActionDropped, p.runID, map[string]any{
			"reason": res.Reason.String(),
			"type":   a.Type.String(),
		})
	}
	return res
}

// Shutdown stops capture, lets the processor drain and flush, and waits for
// it. If ctx expires first the loop is cancelled.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.state.SetStatus(p.runID, StatusDraining)
	p.ui.UpdateStatus("Draining")
	p.capture.Close()

	errc := make(chan error, 1)
	go func() { errc <- p.group.Wait() }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		p.cancel()
		err = <-errc
		if err == nil || errors.Is(err, context.Canceled) {
			err = ctx.Err()
		}
	}
	p.cancel()

	if err != nil {
		p.state.Fail(p.runID, err)
		p.ui.UpdateStatus("Failed")
	} else {
		p.state.SetStatus(p.runID, StatusStopped)
		p.ui.UpdateStatus("Stopped")
	}
	if perr := p.state.PersistRun(p.runID); perr != nil {
		p.obs.Log().Warn().Err(perr).Msg("failed to persist run summary")
	}
	p.bus.PublishSimple(EventPipelineStopped, p.runID)
	p.obs.Log().Info().Str("run", p.runID).Str("status", p.state.GetStatus(p.runID)).Msg("pipeline stopped")
	return err
}

// onBatch runs inside the processor lock.
func (p *Pipeline) onBatch(r processor.Results) {
	p.state.RecordBatch(p.runID, len(r.Actions))
	p.processed += len(r.Actions)
	p.ui.UpdateProgress(p.processed)
	p.ui.Log(fmt.Sprintf("Batch %d: %d actions, %d patterns, %d anomalies (%s)",
		r.BatchID, len(r.Actions), len(r.Patterns), len(r.Anomalies), r.Duration.Round(time.Microsecond)))

	p.bus.PublishWithData(EventBatchProcessed, p.runID, map[string]any{
		"batch":     r.BatchID,
		"size":      len(r.Actions),
		"patterns":  len(r.Patterns),
		"anomalies": len(r.Anomalies),
		"duration":  r.Duration,
	})
	for _, pat := range r.Patterns {
		p.bus.PublishWithData(EventPatternDetected, p.runID, map[string]any{
			"key":        pat.Key,
			"confidence": pat.Confidence,
		})
	}
	for _, an := range r.Anomalies {
		p.bus.PublishWithData(EventAnomalyDetected, p.runID, map[string]any{
			"type":  an.Action.Type.String(),
			"score": an.Score,
		})
	}
}

// monitor toggles burst mode from buffer utilization and reports pressure
// changes until the batch loop exits.
func (p *Pipeline) monitor(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			p.checkBurst()
			p.checkPressure()
		}
	}
}

func (p *Pipeline) checkBurst() {
	util := p.processor.BufferStats().Utilization
	burst := p.processor.BatchingMetrics().BurstMode
	switch {
	case !burst && util >= burstEnterUtilization:
		p.processor.EnableBurstMode()
		p.bus.PublishWithData(EventBurstStarted, p.runID, map[string]any{"utilization": util})
	case burst && util <= burstExitUtilization:
		p.processor.DisableBurstMode()
		p.bus.PublishWithData(EventBurstEnded, p.runID, map[string]any{"utilization": util})
	}
}

func (p *Pipeline) checkPressure() {
	level := p.permits.Level()
	p.mu.Lock()
	changed := level != p.pressure
	p.pressure = level
	p.mu.Unlock()

	if changed {
		p.bus.PublishWithData(EventPressureChanged, p.runID, map[string]any{"level": level.String()})
		p.obs.Log().Warn().Str("level", level.String()).Msg("memory pressure changed")
	}
}

// Cleanup applies retention to the index and reports what was removed.
func (p *Pipeline) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := p.updater.CleanupOldWorkflowData(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	p.bus.PublishWithData(EventDataCleaned, p.runID, map[string]any{
		"deleted":    n,
		"older_than": olderThan.String(),
	})
	return n, nil
}

// Snapshot gathers metrics from every stage.
func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		RunID:      p.runID,
		Status:     p.state.GetStatus(p.runID),
		Captured:   p.capture.CapturedCount(),
		Deferred:   p.capture.DeferredCount(),
		Drops:      p.capture.DropCounts(),
		Pressure:   p.permits.Level(),
		UsedBytes:  p.permits.UsedBytes(),
		Buffer:     p.processor.BufferStats(),
		Processing: p.processor.ProcessingMetrics(),
		Batching:   p.processor.BatchingMetrics(),
		Burst:      p.processor.BurstMetrics(),
		Privacy:    p.engine.Metrics(),
		Capture:    p.capture.VerifyConcurrencyCompliance(),
	}
}

func (p *Pipeline) RunID() string                   { return p.runID }
func (p *Pipeline) Bus() *EventBus                  { return p.bus }
func (p *Pipeline) Engine() *privacy.Engine         { return p.engine }
func (p *Pipeline) Processor() *processor.Processor { return p.processor }
func (p *Pipeline) Permits() *memory.Permits        { return p.permits }
