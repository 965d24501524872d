//go:build unix

package signals

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// HandlerFunc reacts to a delivered signal. It runs in normal context, so it
// may log, allocate, and take locks.
type HandlerFunc func(ctx context.Context, sig int)

// Loop reads signals from a [Set] and dispatches them to registered
// handlers. Register handlers before calling Run.
type Loop struct {
	set      *Set
	handlers map[int][]HandlerFunc
	fallback HandlerFunc
}

// NewLoop returns a Loop reading from set.
func NewLoop(set *Set) *Loop {
	return &Loop{set: set, handlers: make(map[int][]HandlerFunc)}
}

// Handle appends fn to the handlers for sig.
func (l *Loop) Handle(sig int, fn HandlerFunc) {
	l.handlers[sig] = append(l.handlers[sig], fn)
}

// HandleDefault sets the handler for signals with no specific handler.
func (l *Loop) HandleDefault(fn HandlerFunc) {
	l.fallback = fn
}

// Run dispatches signals until ctx is done or the pipe is closed. It returns
// nil on a clean stop.
func (l *Loop) Run(ctx context.Context) error {
	for {
		sig, err := l.set.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		l.dispatch(ctx, sig)
	}
}

// dispatch runs the handlers for sig, or the fallback if there are none.
func (l *Loop) dispatch(ctx context.Context, sig int) {
	hs := l.handlers[sig]
	if len(hs) == 0 {
		if l.fallback != nil {
			l.fallback(ctx, sig)
			return
		}
		slog.Debug("unhandled signal", "signal", DisplayName(sig))
		return
	}
	for _, h := range hs {
		h(ctx, sig)
	}
}
