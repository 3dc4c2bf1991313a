// Package processor buffers captured actions, privatizes them in adaptively
// sized batches and detects workflow patterns before handing each batch to
// a sink.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/veil/internal/event"
	"github.com/felixgeelhaar/veil/internal/memory"
	"github.com/felixgeelhaar/veil/internal/observe"
)

// ErrBufferFull is returned when an action arrives at a full buffer. The
// action is dropped and counted.
var ErrBufferFull = errors.New("buffer full")

// BatchError reports a batch aborted by a privatization failure. The drained
// actions are discarded.
type BatchError struct {
	Size       int
	Privatized int
	Err        error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch of %d aborted after %d actions: %v", e.Size, e.Privatized, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Privatizer transforms one raw action into its privatized form.
type Privatizer interface {
	Privatize(event.UserAction) (event.UserAction, error)
}

// BatchSink receives every successfully processed batch.
type BatchSink interface {
	Consume(ctx context.Context, r Results) error
}

// PermitPool bounds the memory held by in-flight batches.
type PermitPool interface {
	Acquire(ctx context.Context, bytes int64, timeout time.Duration) (memory.Permit, error)
	Release(memory.Permit)
	Limit() int64
}

// Config holds the batching limits.
type Config struct {
	MaxBufferSize     int           `json:"max_buffer_size" yaml:"max_buffer_size" env:"MAX_BUFFER_SIZE"`
	InitialBatchSize  int           `json:"initial_batch_size" yaml:"initial_batch_size" env:"INITIAL_BATCH_SIZE"`
	MinBatchSize      int           `json:"min_batch_size" yaml:"min_batch_size" env:"MIN_BATCH_SIZE"`
	MaxBatchSize      int           `json:"max_batch_size" yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	BurstMaxBatchSize int           `json:"burst_max_batch_size" yaml:"burst_max_batch_size" env:"BURST_MAX_BATCH_SIZE"`
	AdjustStep        int           `json:"adjust_step" yaml:"adjust_step" env:"ADJUST_STEP"`
	TargetLatency     time.Duration `json:"target_latency" yaml:"target_latency" env:"TARGET_LATENCY"`
	PermitTimeout     time.Duration `json:"permit_timeout" yaml:"permit_timeout" env:"PERMIT_TIMEOUT"`
	ActionBytes       int64         `json:"action_bytes" yaml:"action_bytes" env:"ACTION_BYTES"`
}

// DefaultConfig returns the standard batching limits.
func DefaultConfig() Config {
	return Config{
		MaxBufferSize:     2048,
		InitialBatchSize:  256,
		MinBatchSize:      64,
		MaxBatchSize:      2048,
		BurstMaxBatchSize: 4096,
		AdjustStep:        32,
		TargetLatency:     50 * time.Millisecond,
		PermitTimeout:     time.Second,
		ActionBytes:       256,
	}
}

// Results is one processed batch.
type Results struct {
	BatchID   int64
	Actions   []event.UserAction
	Patterns  []WorkflowPattern
	Temporal  []TemporalPattern
	Anomalies []WorkflowAnomaly
	Duration  time.Duration
}

// Processor owns the buffer and all batch state. Every public method holds
// the processor lock for its full duration, including sink delivery.
type Processor struct {
	mu      sync.Mutex
	cfg     Config
	engine  Privatizer
	sink    BatchSink
	permits PermitPool
	obs     *observe.Observer
	now     func() time.Time
	onBatch func(Results)

	buffer    []event.UserAction
	batchSize int

	transitions *transitionTable
	patterns    *patternStore
	anomalies   []WorkflowAnomaly

	stats processingStats
	burst burstState
}

// Option configures a Processor.
type Option func(*Processor)

// WithConfig overrides the default limits.
func WithConfig(cfg Config) Option {
	return func(p *Processor) { p.cfg = cfg }
}

// WithPermits bounds batch memory with a permit pool.
func WithPermits(pool PermitPool) Option {
	return func(p *Processor) { p.permits = pool }
}

// WithObserver sets the logger and tracer.
func WithObserver(o *observe.Observer) Option {
	return func(p *Processor) { p.obs = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithBatchHook is called after each batch has been delivered to the sink.
func WithBatchHook(fn func(Results)) Option {
	return func(p *Processor) { p.onBatch = fn }
}

func New(engine Privatizer, sink BatchSink, opts ...Option) *Processor {
	p := &Processor{
		cfg:         DefaultConfig(),
		engine:      engine,
		sink:        sink,
		obs:         observe.Nop(),
		now:         time.Now,
		transitions: newTransitionTable(),
		patterns:    newPatternStore(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.batchSize = clamp(p.cfg.InitialBatchSize, p.cfg.MinBatchSize, p.cfg.MaxBatchSize)
	p.stats.minBatch = p.batchSize
	p.stats.maxBatch = p.batchSize
	return p
}

// ProcessUserAction enqueues a and processes a batch once enough actions
// are buffered. ErrBufferFull leaves the buffer unchanged. A permit
// timeout leaves a and the pending batch buffered for the next call.
func (p *Processor) ProcessUserAction(ctx context.Context, a event.UserAction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.now()
	if len(p.buffer) >= p.cfg.MaxBufferSize {
		p.stats.dropped++
		if p.burst.active {
			p.burst.dropped++
		}
		return ErrBufferFull
	}

	p.buffer = append(p.buffer, a)
	p.transitions.record(a.Type)
	p.trackBurstMemory()

	var err error
	for err == nil && len(p.buffer) >= min(p.batchSize, p.cfg.MaxBufferSize) {
		err = p.processBatch(ctx, p.batchSize)
	}
	p.adjustBatchSize(p.now().Sub(start))
	p.checkRecovery()
	return err
}

// Flush processes everything still buffered. Permit timeouts are retried
// until ctx is done.
func (p *Processor) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.buffer) > 0 {
		err := p.processBatch(ctx, p.batchSize)
		if errors.Is(err, memory.ErrPermitTimeout) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.obs.Log().Warn().Int("buffered", len(p.buffer)).Msg("flush waiting for memory")
			continue
		}
		if err != nil {
			return err
		}
	}
	p.checkRecovery()
	return nil
}

// Run consumes actions until ctx is cancelled or done is closed, then
// drains what is left on the stream and flushes. Buffer overflow and permit
// failures are counted and skipped; any other error stops the loop.
func (p *Processor) Run(ctx context.Context, stream <-chan event.UserAction, done <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-stream:
			if err := p.consume(ctx, a); err != nil {
				return err
			}
		case <-done:
			for {
				select {
				case a := <-stream:
					if err := p.consume(ctx, a); err != nil {
						return err
					}
				default:
					return p.Flush(ctx)
				}
			}
		}
	}
}

func (p *Processor) consume(ctx context.Context, a event.UserAction) error {
	err := p.ProcessUserAction(ctx, a)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBufferFull):
		p.obs.Log().Warn().Str("type", a.Type.String()).Msg("buffer full, action dropped")
		return nil
	case errors.Is(err, memory.ErrPermitTimeout), errors.Is(err, memory.ErrPermitTooLarge):
		p.obs.Log().Warn().Err(err).Msg("batch deferred")
		return nil
	default:
		return err
	}
}

func (p *Processor) processBatch(ctx context.Context, n int) error {
	if n > len(p.buffer) {
		n = len(p.buffer)
	}
	n = p.permitCap(n)
	if n == 0 {
		return nil
	}

	ctx, span := p.obs.StartSpan(ctx, "processBatch")
	defer span.End()

	if p.permits != nil {
		permit, err := p.permits.Acquire(ctx, int64(n)*p.cfg.ActionBytes, p.cfg.PermitTimeout)
		if err != nil {
			p.stats.permitTimeouts++
			return fmt.Errorf("batch of %d deferred: %w", n, err)
		}
		defer p.permits.Release(permit)
	}

	batch := make([]event.UserAction, n)
	copy(batch, p.buffer[:n])
	p.buffer = append(p.buffer[:0], p.buffer[n:]...)

	start := p.now()
	private := make([]event.UserAction, 0, n)
	for i, a := range batch {
		pa, err := p.engine.Privatize(a)
		if err != nil {
			p.stats.failed += int64(n)
			p.obs.Log().Error().Int("size", n).Int("privatized", i).Err(err).Msg("batch aborted")
			return &BatchError{Size: n, Privatized: i, Err: err}
		}
		private = append(private, pa)
	}

	p.stats.batches++
	res := Results{
		BatchID:   p.stats.batches,
		Actions:   private,
		Patterns:  p.patterns.detect(private),
		Temporal:  p.patterns.detectTemporal(private),
		Anomalies: p.detectAnomalies(private),
	}
	res.Duration = p.now().Sub(start)
	p.recordAnomalies(res.Anomalies)
	p.recordBatch(n, res.Duration)

	p.obs.Log().Debug().
		Int("batch", int(res.BatchID)).
		Int("size", n).
		Int("patterns", len(res.Patterns)).
		Str("duration", res.Duration.String()).
		Msg("batch processed")

	if p.sink != nil {
		if err := p.sink.Consume(ctx, res); err != nil {
			return err
		}
	}
	if p.onBatch != nil {
		p.onBatch(res)
	}
	return nil
}

// permitCap splits batches that one permit could never cover.
func (p *Processor) permitCap(n int) int {
	if p.permits == nil || p.cfg.ActionBytes <= 0 || n == 0 {
		return n
	}
	return min(n, max(1, int(p.permits.Limit()/p.cfg.ActionBytes)))
}

func (p *Processor) ceiling() int {
	if p.burst.active {
		return p.cfg.BurstMaxBatchSize
	}
	return p.cfg.MaxBatchSize
}

// adjustBatchSize shrinks the batch when an action took longer than 1.5x
// the target and grows it when it took less than half.
func (p *Processor) adjustBatchSize(d time.Duration) {
	target := p.cfg.TargetLatency
	prev := p.batchSize
	switch {
	case d > target*3/2:
		p.batchSize = clamp(p.batchSize-p.cfg.AdjustStep, p.cfg.MinBatchSize, p.ceiling())
	case d < target/2:
		p.batchSize = clamp(p.batchSize+p.cfg.AdjustStep, p.cfg.MinBatchSize, p.ceiling())
	}
	if p.batchSize != prev {
		p.stats.adjustments++
		p.stats.minBatch = min(p.stats.minBatch, p.batchSize)
		p.stats.maxBatch = max(p.stats.maxBatch, p.batchSize)
	}
}

// CurrentBatchSize returns the batch size in effect.
func (p *Processor) CurrentBatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batchSize
}

// EnableBurstMode doubles the batch size up to the burst ceiling.
func (p *Processor) EnableBurstMode() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.burst.active {
		return
	}
	now := p.now()
	p.burst = burstState{
		active:  true,
		started: now,
		peak:    p.burst.peak,
	}
	p.batchSize = clamp(p.batchSize*2, p.cfg.MinBatchSize, p.cfg.BurstMaxBatchSize)
	p.stats.maxBatch = max(p.stats.maxBatch, p.batchSize)
	p.obs.Log().Info().Int("batch_size", p.batchSize).Msg("burst mode enabled")
}

// DisableBurstMode returns to the normal ceiling.
func (p *Processor) DisableBurstMode() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.burst.active {
		return
	}
	now := p.now()
	p.burst.active = false
	p.burst.ended = now
	p.burst.recovering = true
	p.batchSize = clamp(p.batchSize, p.cfg.MinBatchSize, p.cfg.MaxBatchSize)
	p.checkRecovery()
	p.obs.Log().Info().Int("batch_size", p.batchSize).Msg("burst mode disabled")
}

// checkRecovery ends the post-burst recovery window once the buffer is
// below half full.
func (p *Processor) checkRecovery() {
	if !p.burst.recovering {
		return
	}
	if len(p.buffer)*2 < p.cfg.MaxBufferSize {
		p.burst.recovering = false
		p.burst.recovery = p.now().Sub(p.burst.ended)
	}
}

func (p *Processor) trackBurstMemory() {
	if !p.burst.active {
		return
	}
	bytes := int64(len(p.buffer)) * p.cfg.ActionBytes
	if bytes > p.burst.memorySpike {
		p.burst.memorySpike = bytes
	}
}

// ResetMetrics clears counters. Buffered actions, patterns and the batch
// size are kept.
func (p *Processor) ResetMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = processingStats{minBatch: p.batchSize, maxBatch: p.batchSize}
	p.burst.peak = 0
	p.burst.memorySpike = 0
	p.burst.dropped = 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
