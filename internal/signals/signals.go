//go:build unix

// Package signals turns POSIX signals into an ordinary stream of signal
// numbers. A [Set] owns the self-pipe and the dispatch table; callers arm
// signals with [Set.Capture], then read deliveries with [Set.Next] or hand
// them to a [Loop].
package signals

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"tools.zach/dev/sigrelay/internal/catalog"
	"tools.zach/dev/sigrelay/internal/dispatch"
	"tools.zach/dev/sigrelay/internal/selfpipe"
)

// ErrUnknownSignal is returned when a name or number is not in the catalog.
var ErrUnknownSignal = errors.New("unknown signal")

// pollSlice is how long a single poll(2) waits before Next rechecks its
// context.
const pollSlice = 100 * time.Millisecond

// readBatch is the most bytes a single read drains from the pipe.
const readBatch = 64

// ///////////////////////////////////////////////
// Set
// ///////////////////////////////////////////////

// Set is the owning handle for signal delivery. Construct one per process
// with [Open] and pass it to whatever needs to arm or read signals.
type Set struct {
	// pipe carries one byte per captured delivery.
	pipe *selfpipe.Channel
	// table installs dispositions.
	table *dispatch.Table

	// mu serialises disposition changes and Close.
	mu sync.Mutex
	// modes mirrors the last disposition this set installed per signal.
	modes map[int]dispatch.Mode

	// readMu serialises readers and guards pending.
	readMu sync.Mutex
	// pending holds bytes read from the pipe but not yet returned by Next.
	pending []byte

	// countMu guards received; it is separate from readMu because Next holds
	// readMu while it waits.
	countMu sync.Mutex
	// received counts decoded deliveries per signal number.
	received map[int]uint64
}

// Open initialises the self-pipe and a dispatch table bound to it.
func Open() (*Set, error) {
	pipe := selfpipe.New()
	if err := pipe.Init(); err != nil {
		return nil, fmt.Errorf("open signal set: %w", err)
	}
	return &Set{
		pipe:     pipe,
		table:    dispatch.New(pipe.WriteEnd()),
		modes:    make(map[int]dispatch.Mode),
		received: make(map[int]uint64),
	}, nil
}

// Close releases every signal this set captured and closes the pipe.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table.Close()
	clear(s.modes)
	return s.pipe.Close()
}

// FD returns the pipe's read descriptor for callers that run their own
// poller. The descriptor stays owned by the Set.
func (s *Set) FD() int {
	return s.pipe.ReadFD()
}

// Dropped returns how many deliveries were lost to a full pipe.
func (s *Set) Dropped() uint64 {
	return s.pipe.Dropped()
}

// ///////////////////////////////////////////////
// Dispositions
// ///////////////////////////////////////////////

// Capture routes sig into the pipe.
func (s *Set) Capture(sig int) error { return s.SetMode(sig, dispatch.Capture) }

// Ignore makes the kernel discard sig.
func (s *Set) Ignore(sig int) error { return s.SetMode(sig, dispatch.Ignore) }

// Release restores the default disposition of sig.
func (s *Set) Release(sig int) error { return s.SetMode(sig, dispatch.Default) }

// SetMode installs mode for sig.
func (s *Set) SetMode(sig int, mode dispatch.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.table.SetDisposition(sig, mode); err != nil {
		return err
	}
	if mode == dispatch.Default {
		delete(s.modes, sig)
	} else {
		s.modes[sig] = mode
	}
	return nil
}

// Modes returns a copy of the non-default dispositions this set installed.
func (s *Set) Modes() map[int]dispatch.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]dispatch.Mode, len(s.modes))
	for k, v := range s.modes {
		out[k] = v
	}
	return out
}

// Send delivers sig to pid.
func (s *Set) Send(pid, sig int) error {
	return s.table.Raise(pid, sig)
}

// Names returns the signal catalog as a name to number map.
func (s *Set) Names() map[string]int {
	return s.table.ListSignalNames()
}

// ///////////////////////////////////////////////
// Name Resolution
// ///////////////////////////////////////////////

// Lookup resolves a signal name such as "SIGHUP" or "hup".
func Lookup(name string) (int, error) {
	n, ok := catalog.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	return n, nil
}

// Name returns the catalog name for num.
func Name(num int) (string, error) {
	n, ok := catalog.Name(num)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownSignal, num)
	}
	return n, nil
}

// DisplayName is like [Name] but falls back to "SIG<num>" for numbers
// outside the catalog, such as real-time signals.
func DisplayName(num int) string {
	if n, ok := catalog.Name(num); ok {
		return n
	}
	return fmt.Sprintf("SIG%d", num)
}

// ///////////////////////////////////////////////
// Reading
// ///////////////////////////////////////////////

// Next returns the next delivered signal number, blocking until one arrives
// or ctx is done. Each returned value means at least one delivery of that
// signal happened; deliveries that overflowed the pipe are not replayed.
func (s *Set) Next(ctx context.Context) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.fill(); err != nil {
			return 0, err
		}
	}

	sig := int(s.pending[0])
	s.pending = s.pending[1:]
	s.countMu.Lock()
	s.received[sig]++
	s.countMu.Unlock()
	return sig, nil
}

// fill waits up to one poll slice for the pipe to become readable and
// appends whatever is available to pending.
func (s *Set) fill() error {
	fd := s.pipe.ReadFD()
	if fd == -1 {
		return io.EOF
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(pollSlice/time.Millisecond))
	if err == unix.EINTR || n == 0 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("poll signal pipe: %w", err)
	}
	if fds[0].Revents&(unix.POLLIN|unix.POLLHUP) == 0 {
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return io.EOF
		}
		return nil
	}

	var buf [readBatch]byte
	for {
		m, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("read signal pipe: %w", err)
		}
		if m == 0 {
			return io.EOF
		}
		s.pending = append(s.pending, buf[:m]...)
		return nil
	}
}

// Received returns how many deliveries of each signal Next has decoded.
func (s *Set) Received() map[int]uint64 {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	out := make(map[int]uint64, len(s.received))
	for k, v := range s.received {
		out[k] = v
	}
	return out
}
