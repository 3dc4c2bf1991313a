// Package memory bounds how many bytes of in-flight batch data the pipeline
// may hold and reports the resulting pressure level to the capture layer.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	ErrPermitTimeout  = errors.New("memory permit timeout")
	ErrPermitTooLarge = errors.New("memory permit exceeds limit")
)

// DefaultTimeout applies when Acquire is called with a zero timeout.
const DefaultTimeout = time.Second

// PressureLevel is the coarse memory state seen by producers.
type PressureLevel int32

const (
	Normal PressureLevel = iota
	Elevated
	Critical
)

func (l PressureLevel) String() string {
	switch l {
	case Elevated:
		return "elevated"
	case Critical:
		return "critical"
	default:
		return "normal"
	}
}

// Permit is a grant of bytes that must be released.
type Permit struct {
	id    uint64
	Bytes int64
}

// Permits is a byte-weighted permit pool.
type Permits struct {
	limit int64
	sem   *semaphore.Weighted
	used  atomic.Int64
	next  atomic.Uint64

	// reported is an externally supplied level; -1 when unset.
	reported atomic.Int32

	mu          sync.Mutex
	outstanding map[uint64]int64
}

// NewPermits creates a pool of limit bytes.
func NewPermits(limit int64) *Permits {
	p := &Permits{
		limit:       limit,
		sem:         semaphore.NewWeighted(limit),
		outstanding: make(map[uint64]int64),
	}
	p.reported.Store(-1)
	return p
}

// Acquire blocks until bytes are available, ctx is done or timeout elapses.
func (p *Permits) Acquire(ctx context.Context, bytes int64, timeout time.Duration) (Permit, error) {
	if bytes > p.limit {
		return Permit{}, fmt.Errorf("%w: %d > %d", ErrPermitTooLarge, bytes, p.limit)
	}
	if bytes <= 0 {
		return Permit{}, nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.sem.Acquire(actx, bytes); err != nil {
		if ctx.Err() != nil {
			return Permit{}, ctx.Err()
		}
		return Permit{}, fmt.Errorf("%w: %d bytes after %s", ErrPermitTimeout, bytes, timeout)
	}

	id := p.next.Add(1)
	p.mu.Lock()
	p.outstanding[id] = bytes
	p.mu.Unlock()
	p.used.Add(bytes)
	return Permit{id: id, Bytes: bytes}, nil
}

// Release returns a permit. Releasing twice, or after EmergencyRelease, is a no-op.
func (p *Permits) Release(permit Permit) {
	if permit.id == 0 {
		return
	}
	p.mu.Lock()
	bytes, ok := p.outstanding[permit.id]
	delete(p.outstanding, permit.id)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.used.Add(-bytes)
	p.sem.Release(bytes)
}

// EmergencyRelease returns every outstanding permit at once.
func (p *Permits) EmergencyRelease() int64 {
	p.mu.Lock()
	var total int64
	for id, bytes := range p.outstanding {
		total += bytes
		delete(p.outstanding, id)
	}
	p.mu.Unlock()
	if total > 0 {
		p.used.Add(-total)
		p.sem.Release(total)
	}
	return total
}

// UsedBytes is the sum of outstanding permits.
func (p *Permits) UsedBytes() int64 {
	return p.used.Load()
}

// Limit is the pool size in bytes.
func (p *Permits) Limit() int64 {
	return p.limit
}

// ReportPressure overrides the derived level, e.g. from an OS signal.
func (p *Permits) ReportPressure(l PressureLevel) {
	p.reported.Store(int32(l))
}

// ClearReportedPressure returns to the utilization-derived level.
func (p *Permits) ClearReportedPressure() {
	p.reported.Store(-1)
}

// Level is the reported level if one is set, otherwise derived from
// utilization: elevated from 70%, critical from 90%.
func (p *Permits) Level() PressureLevel {
	if r := p.reported.Load(); r >= 0 {
		return PressureLevel(r)
	}
	if p.limit <= 0 {
		return Normal
	}
	ratio := float64(p.used.Load()) / float64(p.limit)
	switch {
	case ratio >= 0.9:
		return Critical
	case ratio >= 0.7:
		return Elevated
	default:
		return Normal
	}
}
