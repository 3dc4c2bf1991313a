// Package observe carries veil's logging and tracing. Interactive runs log
// to the console, CI runs log JSON lines, and library code defaults to Nop
// until the CLI hands it a real Observer.
package observe

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "veil"

// Observer pairs the pipeline logger with the veil tracer.
type Observer struct {
	log *bolt.Logger
}

// New logs human-readable lines for terminal sessions. Without verbose only
// warnings and errors reach out.
func New(out io.Writer, verbose bool) *Observer {
	return newObserver(bolt.NewConsoleHandler(out), verbose)
}

// NewJSON logs one JSON object per line, for --ci runs whose output is
// collected by a build system.
func NewJSON(out io.Writer, verbose bool) *Observer {
	return newObserver(bolt.NewJSONHandler(out), verbose)
}

// ForMode picks JSON output in CI and console output otherwise.
func ForMode(out io.Writer, ci, verbose bool) *Observer {
	if ci {
		return NewJSON(out, verbose)
	}
	return New(out, verbose)
}

func newObserver(h bolt.Handler, verbose bool) *Observer {
	l := bolt.New(h)
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return &Observer{log: l}
}

// Nop discards everything. Components start with it so they can run in
// tests and under the TUI without writing to the terminal.
func Nop() *Observer {
	return New(io.Discard, false)
}

func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan opens a span on whatever provider Setup installed; with
// telemetry off that is the otel no-op provider.
func (o *Observer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name)
}

// Close is a no-op. Traces are flushed by the shutdown func from Setup and
// bolt writes through unbuffered.
func (o *Observer) Close() error {
	return nil
}
