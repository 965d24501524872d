//go:build unix

// Package selfpipe implements the self-pipe trick: a unidirectional byte
// channel whose write end is safe to use from signal-handler context and
// whose read end is an ordinary descriptor that an event loop can poll.
//
// A [Channel] owns both descriptors. Normal-context code uses the Channel
// directly; handler-context code only ever sees the [Notifier] returned by
// [Channel.WriteEnd], which exposes nothing but a single non-blocking write.
package selfpipe

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by [Channel.Init] after the channel was closed by a
// concurrent caller mid-initialisation. It should never surface when callers
// serialise Init and Close as documented.
var ErrClosed = errors.New("selfpipe: channel closed")

// Syscall hooks, replaced in tests to exercise the rollback paths.
var (
	pipeFn    = unix.Pipe
	fcntlFn   = unix.FcntlInt
	cloexecFn = unix.CloseOnExec
	closeFn   = unix.Close
)

// diagWrite is the pre-built message emitted to stderr when a notification
// write fails for a reason other than a full buffer. It is allocated once so
// the handler path never allocates.
var diagWrite = []byte("sigrelay: selfpipe write failed\n")

// ///////////////////////////////////////////////
// Channel
// ///////////////////////////////////////////////

// Channel is a self-pipe. Descriptors are either both valid or both -1.
//
// Init and Close must be serialised by the caller; Notify may run
// concurrently with anything.
type Channel struct {
	// readFD is the read end, or -1.
	readFD atomic.Int32
	// writeFD is the non-blocking write end, or -1. Notify loads it without
	// locking, so it is published last on Init and cleared first on Close.
	writeFD atomic.Int32
	// dropped counts notifications lost because the pipe buffer was full.
	dropped atomic.Uint64
}

// New returns an uninitialised Channel.
func New() *Channel {
	c := &Channel{}
	c.readFD.Store(-1)
	c.writeFD.Store(-1)
	return c
}

// Init creates the pipe on the first call and is a no-op afterwards.
//
// The write end is switched to non-blocking mode; the read end keeps the
// default blocking mode since readers poll before reading. Both ends are
// close-on-exec so hook commands do not inherit them. If any step fails,
// every descriptor opened so far is closed, both are reset to -1, and a
// diagnostic is written to stderr.
func (c *Channel) Init() error {
	if c.readFD.Load() != -1 {
		return nil
	}

	var p [2]int
	if err := pipeFn(p[:]); err != nil {
		return c.fail("pipe", err, -1, -1)
	}
	r, w := p[0], p[1]

	flags, err := fcntlFn(uintptr(w), unix.F_GETFL, 0)
	if err != nil {
		return c.fail("F_GETFL", err, r, w)
	}
	if _, err := fcntlFn(uintptr(w), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return c.fail("F_SETFL", err, r, w)
	}
	cloexecFn(r)
	cloexecFn(w)

	c.readFD.Store(int32(r))
	c.writeFD.Store(int32(w))
	return nil
}

// fail rolls back a partial Init and reports the failing step.
func (c *Channel) fail(step string, err error, r, w int) error {
	c.writeFD.Store(-1)
	c.readFD.Store(-1)
	if w != -1 {
		_ = closeFn(w)
	}
	if r != -1 {
		_ = closeFn(r)
	}
	fmt.Fprintf(os.Stderr, "sigrelay: selfpipe %s: %v\n", step, err)
	return fmt.Errorf("selfpipe %s: %w", step, err)
}

// ReadFD returns the read descriptor, or -1 if the channel is not
// initialised. The descriptor is borrowed: callers may poll and read it but
// must leave closing it to [Channel.Close].
func (c *Channel) ReadFD() int {
	return int(c.readFD.Load())
}

// Initialized reports whether both descriptors are open.
func (c *Channel) Initialized() bool {
	return c.readFD.Load() != -1 && c.writeFD.Load() != -1
}

// Dropped returns the number of notifications lost to a full pipe buffer.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Close closes both ends and returns the channel to the uninitialised
// state. A later Init creates a fresh pipe.
func (c *Channel) Close() error {
	w := int(c.writeFD.Swap(-1))
	r := int(c.readFD.Swap(-1))
	var errs []error
	if w != -1 {
		if err := closeFn(w); err != nil {
			errs = append(errs, fmt.Errorf("close write end: %w", err))
		}
	}
	if r != -1 {
		if err := closeFn(r); err != nil {
			errs = append(errs, fmt.Errorf("close read end: %w", err))
		}
	}
	return errors.Join(errs...)
}

// WriteEnd returns the handler-safe view of the channel.
func (c *Channel) WriteEnd() WriteEnd {
	return WriteEnd{c: c}
}

// ///////////////////////////////////////////////
// Handler-Safe Write End
// ///////////////////////////////////////////////

// Notifier is the only operation permitted in handler context.
type Notifier interface {
	// Notify records that sig was delivered. It must not block, allocate,
	// lock, or log.
	Notify(sig int)
}

// WriteEnd implements [Notifier] on top of a [Channel].
type WriteEnd struct {
	c *Channel
}

// Notify writes the low 8 bits of sig to the pipe with a single
// non-blocking write. Before Init it does nothing. A full buffer drops the
// byte and bumps the drop counter, so readers must treat a byte as "at least
// one delivery happened", not as an exact count.
func (w WriteEnd) Notify(sig int) {
	if w.c == nil {
		return
	}
	fd := int(w.c.writeFD.Load())
	if fd == -1 {
		return
	}
	b := [1]byte{byte(sig & 0xff)}
	_, err := unix.Write(fd, b[:])
	switch err {
	case nil:
	case unix.EAGAIN:
		w.c.dropped.Add(1)
	default:
		_, _ = unix.Write(2, diagWrite)
	}
}
