//go:build unix

// Tests for the signal set against live signals sent to the test process.
// Every signal is armed (captured or ignored) before it is raised so a
// default disposition can never terminate the test binary.

package signals

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"tools.zach/dev/sigrelay/internal/dispatch"
)

// openSet opens a Set that is closed on cleanup. sigs are left ignored
// after the test so late deliveries cannot kill the process.
func openSet(t *testing.T, sigs ...int) *Set {
	t.Helper()
	s, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		for _, sig := range sigs {
			_ = s.Ignore(sig)
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

// nextWithin calls Next with a timeout.
func nextWithin(s *Set, d time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Next(ctx)
}

// ///////////////////////////////////////////////
// Delivery
// ///////////////////////////////////////////////

func TestCaptureDeliversAtLeastOnce(t *testing.T) {
	usr1 := int(unix.SIGUSR1)
	s := openSet(t, usr1)

	if err := s.Capture(usr1); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := s.Send(os.Getpid(), usr1); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := nextWithin(s, 5*time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != usr1 {
		t.Errorf("Next = %d, want %d", got, usr1)
	}
	if s.Received()[usr1] != 1 {
		t.Errorf("Received()[SIGUSR1] = %d, want 1", s.Received()[usr1])
	}
}

func TestIgnoreThenCaptureRoundTrip(t *testing.T) {
	usr2 := int(unix.SIGUSR2)
	s := openSet(t, usr2)

	if err := s.Ignore(usr2); err != nil {
		t.Fatalf("Ignore: %v", err)
	}
	if err := s.Send(os.Getpid(), usr2); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got, err := nextWithin(s, 300*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ignored signal produced %d, %v", got, err)
	}

	if err := s.Capture(usr2); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := s.Send(os.Getpid(), usr2); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := nextWithin(s, 5*time.Second)
	if err != nil {
		t.Fatalf("Next after Capture: %v", err)
	}
	if got != usr2 {
		t.Errorf("Next = %d, want %d", got, usr2)
	}
}

func TestInvalidModeKeepsCapture(t *testing.T) {
	usr1 := int(unix.SIGUSR1)
	s := openSet(t, usr1)

	if err := s.Capture(usr1); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := s.SetMode(usr1, dispatch.Mode(99)); !errors.Is(err, dispatch.ErrInvalidMode) {
		t.Fatalf("SetMode(99) err = %v, want ErrInvalidMode", err)
	}
	if s.Modes()[usr1] != dispatch.Capture {
		t.Errorf("Modes()[SIGUSR1] = %v, want capture", s.Modes()[usr1])
	}

	// Still captured: a raise must show up on the pipe.
	if err := s.Send(os.Getpid(), usr1); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := nextWithin(s, 5*time.Second); err != nil {
		t.Fatalf("Next: %v", err)
	}
}

func TestUncatchableRejected(t *testing.T) {
	s := openSet(t)
	for _, sig := range []int{int(unix.SIGKILL), int(unix.SIGSTOP)} {
		if err := s.Capture(sig); !errors.Is(err, unix.EINVAL) {
			t.Errorf("Capture(%d) err = %v, want EINVAL", sig, err)
		}
	}
	if len(s.Modes()) != 0 {
		t.Errorf("Modes() = %v, want empty", s.Modes())
	}
}

func TestFloodDoesNotBlock(t *testing.T) {
	winch := int(unix.SIGWINCH)
	s := openSet(t, winch)

	if err := s.Capture(winch); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 20000; i++ {
			if err := s.Send(os.Getpid(), winch); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("flooding blocked")
	}

	got, err := nextWithin(s, 5*time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != winch {
		t.Errorf("Next = %d, want %d", got, winch)
	}
}

func TestNextHonoursContext(t *testing.T) {
	s := openSet(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.Next(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Next err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Next took %v to notice cancellation", elapsed)
	}
}

func TestModesTracksRelease(t *testing.T) {
	winch := int(unix.SIGWINCH)
	s := openSet(t, winch)

	if err := s.Capture(winch); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := s.Release(winch); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := s.Modes()[winch]; ok {
		t.Error("released signal still listed in Modes()")
	}
}

// ///////////////////////////////////////////////
// Loop
// ///////////////////////////////////////////////

func TestLoopDispatches(t *testing.T) {
	usr1, winch := int(unix.SIGUSR1), int(unix.SIGWINCH)
	s := openSet(t, usr1, winch)
	for _, sig := range []int{usr1, winch} {
		if err := s.Capture(sig); err != nil {
			t.Fatalf("Capture(%d): %v", sig, err)
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}
	gotBoth := make(chan struct{})
	record := func(key string) HandlerFunc {
		return func(context.Context, int) {
			mu.Lock()
			defer mu.Unlock()
			seen[key]++
			if seen["usr1"] > 0 && seen["fallback"] > 0 && len(seen) == 2 {
				select {
				case <-gotBoth:
				default:
					close(gotBoth)
				}
			}
		}
	}

	l := NewLoop(s)
	l.Handle(usr1, record("usr1"))
	l.HandleDefault(record("fallback"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	if err := s.Send(os.Getpid(), usr1); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(os.Getpid(), winch); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-gotBoth:
	case <-time.After(5 * time.Second):
		mu.Lock()
		snapshot := fmt.Sprint(seen)
		mu.Unlock()
		t.Fatalf("handlers not called, seen = %s", snapshot)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

// ///////////////////////////////////////////////
// Name Resolution
// ///////////////////////////////////////////////

func TestLookupAndName(t *testing.T) {
	n, err := Lookup("hup")
	if err != nil || n != int(unix.SIGHUP) {
		t.Errorf("Lookup(hup) = %d, %v", n, err)
	}
	if _, err := Lookup("nope"); !errors.Is(err, ErrUnknownSignal) {
		t.Errorf("Lookup(nope) err = %v, want ErrUnknownSignal", err)
	}

	name, err := Name(int(unix.SIGTERM))
	if err != nil || name != "SIGTERM" {
		t.Errorf("Name(SIGTERM) = %q, %v", name, err)
	}
	if _, err := Name(0); !errors.Is(err, ErrUnknownSignal) {
		t.Errorf("Name(0) err = %v, want ErrUnknownSignal", err)
	}
	if got := DisplayName(200); got != "SIG200" {
		t.Errorf("DisplayName(200) = %q, want SIG200", got)
	}
}
