package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPermits_AcquireRelease(t *testing.T) {
	p := NewPermits(1000)
	ctx := context.Background()

	permit, err := p.Acquire(ctx, 400, 0)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if got := p.UsedBytes(); got != 400 {
		t.Errorf("expected 400 used, got %d", got)
	}

	p.Release(permit)
	p.Release(permit)
	if got := p.UsedBytes(); got != 0 {
		t.Errorf("expected 0 used after release, got %d", got)
	}
}

func TestPermits_Timeout(t *testing.T) {
	p := NewPermits(100)
	ctx := context.Background()

	if _, err := p.Acquire(ctx, 80, 0); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	_, err := p.Acquire(ctx, 50, 20*time.Millisecond)
	if !errors.Is(err, ErrPermitTimeout) {
		t.Errorf("expected ErrPermitTimeout, got %v", err)
	}
	if got := p.UsedBytes(); got != 80 {
		t.Errorf("failed acquire changed usage: %d", got)
	}
}

func TestPermits_TooLarge(t *testing.T) {
	p := NewPermits(100)
	if _, err := p.Acquire(context.Background(), 101, 0); !errors.Is(err, ErrPermitTooLarge) {
		t.Errorf("expected ErrPermitTooLarge, got %v", err)
	}
}

func TestPermits_EmergencyRelease(t *testing.T) {
	p := NewPermits(100)
	ctx := context.Background()

	first, _ := p.Acquire(ctx, 40, 0)
	if _, err := p.Acquire(ctx, 50, 0); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if freed := p.EmergencyRelease(); freed != 90 {
		t.Errorf("expected 90 freed, got %d", freed)
	}
	if got := p.UsedBytes(); got != 0 {
		t.Errorf("expected 0 used, got %d", got)
	}

	p.Release(first)
	if got := p.UsedBytes(); got != 0 {
		t.Errorf("stale release changed usage: %d", got)
	}
	if _, err := p.Acquire(ctx, 100, 20*time.Millisecond); err != nil {
		t.Errorf("expected full capacity after emergency release: %v", err)
	}
}

func TestPermits_Level(t *testing.T) {
	p := NewPermits(100)
	ctx := context.Background()

	if p.Level() != Normal {
		t.Errorf("expected normal, got %s", p.Level())
	}
	a, _ := p.Acquire(ctx, 75, 0)
	if p.Level() != Elevated {
		t.Errorf("expected elevated, got %s", p.Level())
	}
	b, _ := p.Acquire(ctx, 20, 0)
	if p.Level() != Critical {
		t.Errorf("expected critical, got %s", p.Level())
	}
	p.Release(a)
	p.Release(b)

	p.ReportPressure(Critical)
	if p.Level() != Critical {
		t.Errorf("expected reported critical, got %s", p.Level())
	}
	p.ClearReportedPressure()
	if p.Level() != Normal {
		t.Errorf("expected normal after clear, got %s", p.Level())
	}
}
