//go:build unix

// Package dispatch arms and disarms OS-level signal delivery.
//
// A [Table] maps each signal number to one of three dispositions. Captured
// signals are routed to a [selfpipe.Notifier]; ignored and default signals
// are handed back to the kernel. The Go runtime owns the real sigaction
// handler, so the table runs a relay goroutine that plays the part of the
// handler: for every queued signal it performs exactly one Notify call and
// nothing else.
package dispatch

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"tools.zach/dev/sigrelay/internal/catalog"
	"tools.zach/dev/sigrelay/internal/selfpipe"
)

// ///////////////////////////////////////////////
// Modes
// ///////////////////////////////////////////////

// Mode is a signal disposition. The numeric values are part of the public
// contract (0 capture, 1 ignore, 2 default).
type Mode int

const (
	Capture Mode = iota
	Ignore
	Default
)

// ErrInvalidMode is returned for a Mode outside Capture, Ignore, Default.
var ErrInvalidMode = errors.New("dispatch: invalid disposition mode")

func (m Mode) String() string {
	switch m {
	case Capture:
		return "capture"
	case Ignore:
		return "ignore"
	case Default:
		return "default"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Valid reports whether m is one of the three defined modes.
func (m Mode) Valid() bool {
	return m >= Capture && m <= Default
}

// ParseMode converts "capture", "ignore" or "default" (any case) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "capture":
		return Capture, nil
	case "ignore":
		return Ignore, nil
	case "default":
		return Default, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// ///////////////////////////////////////////////
// Table
// ///////////////////////////////////////////////

// relayBuffer bounds how many signals the runtime can queue for the relay
// before it starts dropping them.
const relayBuffer = 64

// Table issues disposition changes. Calls to SetDisposition must come from
// normal context and be serialised by the caller.
type Table struct {
	// notifier receives one Notify call per captured delivery.
	notifier selfpipe.Notifier
	// sigCh is registered with os/signal for every captured number.
	sigCh chan os.Signal
	// done stops the relay goroutine.
	done chan struct{}
	// stopped is closed when the relay goroutine has exited.
	stopped chan struct{}
	// once makes Close idempotent.
	once sync.Once
	// captured remembers which numbers this table routed to sigCh so Close
	// can restore them.
	captured map[int]bool

	// Syscall hooks, replaced in tests.
	notify func(chan<- os.Signal, ...os.Signal)
	ignore func(...os.Signal)
	reset  func(...os.Signal)
	stop   func(chan<- os.Signal)
	kill   func(int, unix.Signal) error
}

// New returns a Table that relays captured signals to n.
func New(n selfpipe.Notifier) *Table {
	t := &Table{
		notifier: n,
		sigCh:    make(chan os.Signal, relayBuffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		captured: make(map[int]bool),
		notify:   signal.Notify,
		ignore:   signal.Ignore,
		reset:    signal.Reset,
		stop:     signal.Stop,
		kill:     unix.Kill,
	}
	go t.relay()
	return t
}

// relay forwards queued signals to the notifier.
func (t *Table) relay() {
	defer close(t.stopped)
	for {
		select {
		case <-t.done:
			return
		case sig := <-t.sigCh:
			if s, ok := sig.(unix.Signal); ok {
				t.notifier.Notify(int(s))
			}
		}
	}
}

// checkSignal mirrors the kernel's EINVAL for numbers it would refuse.
// Numbers above [maxSignal] are refused too: os/signal drops them without
// an error and never starts watching, so accepting them would leave a
// disposition that does not exist and a Close that never returns.
func checkSignal(sig int) error {
	if sig < 1 || sig > maxSignal {
		return fmt.Errorf("signal %d out of range: %w", sig, unix.EINVAL)
	}
	if !catalog.Catchable(sig) {
		return fmt.Errorf("signal %d cannot be caught, ignored or reset: %w", sig, unix.EINVAL)
	}
	return nil
}

// SetDisposition installs mode for sig. An undefined mode returns
// [ErrInvalidMode] and leaves the disposition untouched. SIGKILL, SIGSTOP
// and numbers above the platform maximum fail with an error wrapping
// [unix.EINVAL], the same way sigaction(2) would reject them.
func (t *Table) SetDisposition(sig int, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("set disposition of signal %d: %w", sig, ErrInvalidMode)
	}
	if err := checkSignal(sig); err != nil {
		return fmt.Errorf("set disposition of signal %d to %s: %w", sig, mode, err)
	}

	s := unix.Signal(sig)
	switch mode {
	case Capture:
		t.notify(t.sigCh, s)
		t.captured[sig] = true
	case Ignore:
		t.ignore(s)
		delete(t.captured, sig)
	case Default:
		t.reset(s)
		delete(t.captured, sig)
	}
	return nil
}

// Captured reports whether this table currently routes sig to its notifier.
func (t *Table) Captured(sig int) bool {
	return t.captured[sig]
}

// Raise sends sig to pid with kill(2). Signal 0 only probes that pid exists.
func (t *Table) Raise(pid, sig int) error {
	if err := t.kill(pid, unix.Signal(sig)); err != nil {
		return fmt.Errorf("send signal %d to pid %d: %w", sig, pid, err)
	}
	return nil
}

// ListSignalNames returns the signal catalog as a name to number map.
func (t *Table) ListSignalNames() map[string]int {
	return catalog.Names()
}

// Close unregisters the table from every signal it captured and stops the
// relay. Signals no other channel is registered for fall back to their
// default disposition. It is safe to call more than once.
func (t *Table) Close() {
	t.once.Do(func() {
		t.stop(t.sigCh)
		clear(t.captured)
		close(t.done)
		<-t.stopped
	})
}
