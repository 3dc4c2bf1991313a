// Package capture is the producer side of the pipeline. It validates user
// actions and hands them to the processor over a bounded queue without
// ever blocking the caller.
package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/veil/internal/event"
	"github.com/felixgeelhaar/veil/internal/memory"
)

// DefaultQueueSize is the hand-off capacity when none is configured.
const DefaultQueueSize = 4096

// Status is the outcome of a capture attempt.
type Status int

const (
	Success Status = iota
	Deferred
	Dropped
)

func (s Status) String() string {
	switch s {
	case Deferred:
		return "deferred"
	case Dropped:
		return "dropped"
	default:
		return "success"
	}
}

// DropReason explains a Dropped result.
type DropReason int

const (
	ReasonNone DropReason = iota
	ReasonMemoryPressure
	ReasonQueueFull
	ReasonInvalidAction
	ReasonSystemOverload
)

func (r DropReason) String() string {
	switch r {
	case ReasonMemoryPressure:
		return "memoryPressure"
	case ReasonQueueFull:
		return "queueFull"
	case ReasonInvalidAction:
		return "invalidAction"
	case ReasonSystemOverload:
		return "systemOverload"
	default:
		return "none"
	}
}

// Result reports what happened to one action.
type Result struct {
	Status Status
	Reason DropReason
}

func (r Result) String() string {
	if r.Status == Dropped {
		return "dropped(" + r.Reason.String() + ")"
	}
	return r.Status.String()
}

// PressureReporter supplies the current memory pressure level.
type PressureReporter interface {
	Level() memory.PressureLevel
}

// ComplianceResult reports whether the single-writer contract held.
type ComplianceResult struct {
	Compliant  bool
	Violations int64
	Issues     []string
}

// Capture is safe to call from any goroutine, but its contract is a single
// UI-bound producer; overlapping calls are recorded as violations.
type Capture struct {
	pressure  PressureReporter
	queue     chan event.UserAction
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	now       func() time.Time
	skew      time.Duration

	inFlight   atomic.Int32
	violations atomic.Int64
	captured   atomic.Int64
	deferred   atomic.Int64
	drops      [ReasonSystemOverload + 1]atomic.Int64
}

// Option configures a Capture.
type Option func(*Capture)

// WithQueueSize sets the hand-off capacity.
func WithQueueSize(n int) Option {
	return func(c *Capture) {
		if n > 0 {
			c.queue = make(chan event.UserAction, n)
		}
	}
}

// WithClock replaces time.Now for timestamp validation.
func WithClock(now func() time.Time) Option {
	return func(c *Capture) { c.now = now }
}

// WithFutureTolerance accepts timestamps up to d ahead of the clock.
func WithFutureTolerance(d time.Duration) Option {
	return func(c *Capture) { c.skew = d }
}

func New(pressure PressureReporter, opts ...Option) *Capture {
	c := &Capture{
		pressure: pressure,
		queue:    make(chan event.UserAction, DefaultQueueSize),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capture validates a and hands it off. It never blocks and never fails;
// every outcome is a Result.
func (c *Capture) Capture(a event.UserAction) Result {
	if c.inFlight.Add(1) > 1 {
		c.violations.Add(1)
	}
	defer c.inFlight.Add(-1)

	if c.closed.Load() {
		return c.drop(ReasonSystemOverload)
	}
	if !c.valid(a) {
		return c.drop(ReasonInvalidAction)
	}

	level := memory.Normal
	if c.pressure != nil {
		level = c.pressure.Level()
	}
	if level == memory.Critical {
		return c.drop(ReasonMemoryPressure)
	}

	select {
	case c.queue <- a:
	default:
		return c.drop(ReasonQueueFull)
	}

	c.captured.Add(1)
	if level == memory.Elevated {
		c.deferred.Add(1)
		return Result{Status: Deferred}
	}
	return Result{Status: Success}
}

func (c *Capture) valid(a event.UserAction) bool {
	if a.DocumentID == "" || a.Type == 0 {
		return false
	}
	return !a.Timestamp.After(c.now().Add(c.skew))
}

func (c *Capture) drop(reason DropReason) Result {
	c.drops[reason].Add(1)
	return Result{Status: Dropped, Reason: reason}
}

// Stream is the consumer side of the hand-off.
func (c *Capture) Stream() <-chan event.UserAction {
	return c.queue
}

// Done is closed once Close has been called.
func (c *Capture) Done() <-chan struct{} {
	return c.done
}

// Close stops accepting actions. Actions already queued stay readable from
// Stream; a Capture racing with Close may be dropped.
func (c *Capture) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// CapturedCount is the number of actions handed off.
func (c *Capture) CapturedCount() int64 {
	return c.captured.Load()
}

// DeferredCount is the number of actions accepted under elevated pressure.
func (c *Capture) DeferredCount() int64 {
	return c.deferred.Load()
}

// DropCounts returns drops keyed by reason.
func (c *Capture) DropCounts() map[DropReason]int64 {
	out := make(map[DropReason]int64)
	for r := ReasonMemoryPressure; r <= ReasonSystemOverload; r++ {
		if n := c.drops[r].Load(); n > 0 {
			out[r] = n
		}
	}
	return out
}

// VerifyConcurrencyCompliance reports overlapping Capture calls seen so far.
func (c *Capture) VerifyConcurrencyCompliance() ComplianceResult {
	v := c.violations.Load()
	res := ComplianceResult{Compliant: v == 0, Violations: v}
	if v > 0 {
		res.Issues = append(res.Issues, "capture invoked concurrently from multiple producers")
	}
	return res
}
