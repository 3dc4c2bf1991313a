package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/veil/internal/event"
	"github.com/felixgeelhaar/veil/internal/memory"
)

type fixedPressure memory.PressureLevel

func (f fixedPressure) Level() memory.PressureLevel { return memory.PressureLevel(f) }

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func validAction() event.UserAction {
	return event.UserAction{
		Type:       event.DocumentOpen,
		DocumentID: "doc-1",
		Timestamp:  testNow.Add(-time.Second),
	}
}

func newTestCapture(level memory.PressureLevel, opts ...Option) *Capture {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(fixedPressure(level), opts...)
}

func TestCapture_Success(t *testing.T) {
	c := newTestCapture(memory.Normal)

	res := c.Capture(validAction())
	if res.Status != Success {
		t.Fatalf("expected success, got %s", res)
	}
	if c.CapturedCount() != 1 {
		t.Errorf("expected 1 captured, got %d", c.CapturedCount())
	}

	select {
	case a := <-c.Stream():
		if a.DocumentID != "doc-1" {
			t.Errorf("expected doc-1, got %s", a.DocumentID)
		}
	default:
		t.Error("expected action on stream")
	}
}

func TestCapture_Invalid(t *testing.T) {
	c := newTestCapture(memory.Normal)

	tests := []struct {
		name   string
		mutate func(*event.UserAction)
	}{
		{"empty document", func(a *event.UserAction) { a.DocumentID = "" }},
		{"zero type", func(a *event.UserAction) { a.Type = 0 }},
		{"future timestamp", func(a *event.UserAction) { a.Timestamp = testNow.Add(time.Minute) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAction()
			tt.mutate(&a)
			res := c.Capture(a)
			if res.Status != Dropped || res.Reason != ReasonInvalidAction {
				t.Errorf("expected dropped(invalidAction), got %s", res)
			}
		})
	}

	if got := c.DropCounts()[ReasonInvalidAction]; got != 3 {
		t.Errorf("expected 3 invalid drops, got %d", got)
	}
}

func TestCapture_FutureTolerance(t *testing.T) {
	c := newTestCapture(memory.Normal, WithFutureTolerance(2*time.Second))
	a := validAction()
	a.Timestamp = testNow.Add(time.Second)
	if res := c.Capture(a); res.Status != Success {
		t.Errorf("expected success within tolerance, got %s", res)
	}
}

func TestCapture_Pressure(t *testing.T) {
	t.Run("critical drops", func(t *testing.T) {
		c := newTestCapture(memory.Critical)
		res := c.Capture(validAction())
		if res.Status != Dropped || res.Reason != ReasonMemoryPressure {
			t.Errorf("expected dropped(memoryPressure), got %s", res)
		}
		if len(c.Stream()) != 0 {
			t.Error("nothing should be queued under critical pressure")
		}
	})

	t.Run("elevated defers", func(t *testing.T) {
		c := newTestCapture(memory.Elevated)
		res := c.Capture(validAction())
		if res.Status != Deferred {
			t.Errorf("expected deferred, got %s", res)
		}
		if len(c.Stream()) != 1 || c.DeferredCount() != 1 {
			t.Error("deferred action should be queued")
		}
	})
}

func TestCapture_QueueFull(t *testing.T) {
	c := newTestCapture(memory.Normal, WithQueueSize(2))
	c.Capture(validAction())
	c.Capture(validAction())

	done := make(chan Result, 1)
	go func() { done <- c.Capture(validAction()) }()

	select {
	case res := <-done:
		if res.Status != Dropped || res.Reason != ReasonQueueFull {
			t.Errorf("expected dropped(queueFull), got %s", res)
		}
	case <-time.After(time.Second):
		t.Fatal("capture blocked on full queue")
	}
}

func TestCapture_Closed(t *testing.T) {
	c := newTestCapture(memory.Normal)
	c.Close()
	c.Close()

	res := c.Capture(validAction())
	if res.Status != Dropped || res.Reason != ReasonSystemOverload {
		t.Errorf("expected dropped(systemOverload), got %s", res)
	}
	select {
	case <-c.Done():
	default:
		t.Error("expected done to be closed")
	}
}

type blockingPressure struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPressure) Level() memory.PressureLevel {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return memory.Normal
}

func TestCapture_ConcurrencyCompliance(t *testing.T) {
	t.Run("single producer", func(t *testing.T) {
		c := newTestCapture(memory.Normal)
		for i := 0; i < 10; i++ {
			c.Capture(validAction())
		}
		if res := c.VerifyConcurrencyCompliance(); !res.Compliant {
			t.Errorf("expected compliant, got %+v", res)
		}
	})

	t.Run("overlapping producers", func(t *testing.T) {
		bp := &blockingPressure{entered: make(chan struct{}), release: make(chan struct{})}
		c := New(bp, WithClock(func() time.Time { return testNow }))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Capture(validAction())
		}()

		<-bp.entered
		c.Capture(validAction())
		close(bp.release)
		wg.Wait()

		res := c.VerifyConcurrencyCompliance()
		if res.Compliant || res.Violations != 1 {
			t.Errorf("expected one violation, got %+v", res)
		}
		if len(res.Issues) == 0 {
			t.Error("expected an issue description")
		}
	})
}
