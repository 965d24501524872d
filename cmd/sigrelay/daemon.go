//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"tools.zach/dev/sigrelay/internal/atomicfile"
	"tools.zach/dev/sigrelay/internal/config"
	"tools.zach/dev/sigrelay/internal/forward"
	"tools.zach/dev/sigrelay/internal/hook"
	"tools.zach/dev/sigrelay/internal/logger"
	"tools.zach/dev/sigrelay/internal/paths"
	"tools.zach/dev/sigrelay/internal/signals"
	"tools.zach/dev/sigrelay/internal/watch"
)

// ///////////////////////////////////////////////
// Daemon State
// ///////////////////////////////////////////////

// forwardDrainTimeout bounds how long a retired forwarder may keep
// retrying its queue.
const forwardDrainTimeout = 10 * time.Second

// newForwarder is replaced in tests to observe forwarder lifecycles.
var newForwarder = forward.New

// daemon holds everything the event loop mutates. Only the loop goroutine
// touches its fields after start.
type daemon struct {
	// paths locates config, status and log files.
	paths paths.DataDir
	// version is reported in the status snapshot.
	version string
	// started is when the daemon began serving.
	started time.Time
	// level is shared with the log handler so reloads take effect.
	level *slog.LevelVar

	// set owns the self-pipe and dispositions.
	set *signals.Set
	// cfg is the configuration currently applied.
	cfg *config.Config
	// exits holds signals that stop the loop.
	exits map[int]bool
	// hooks runs commands bound to signals.
	hooks *hook.Runner
	// fwd posts events to the webhook; nil when forwarding is disabled.
	fwd *forward.Forwarder

	// hookWG tracks hook runs still in flight.
	hookWG sync.WaitGroup
	// drainWG tracks forwarders replaced by a reload that are still
	// delivering their queue.
	drainWG sync.WaitGroup
	// drainTimeout bounds how long a retired forwarder keeps delivering.
	drainTimeout time.Duration
	// host is reported in forwarded events.
	host string
}

// newDaemon builds a daemon and applies cfg to set.
func newDaemon(dp paths.DataDir, cfg *config.Config, set *signals.Set, level *slog.LevelVar) (*daemon, error) {
	host, _ := os.Hostname()
	d := &daemon{
		paths:   dp,
		version: resolveVersion(),
		started: time.Now(),
		level:   level,
		set:     set,
		host:    host,

		drainTimeout: forwardDrainTimeout,
	}
	if err := d.apply(cfg); err != nil {
		d.retireForwarder()
		d.drainWG.Wait()
		return nil, err
	}
	return d, nil
}

// ///////////////////////////////////////////////
// Applying Configuration
// ///////////////////////////////////////////////

// apply switches the daemon to cfg. Signals in the old plan that the new
// one leaves out are released to their default action. Disposition errors
// are logged and joined, but the rest of the plan is still applied.
func (d *daemon) apply(cfg *config.Config) error {
	plan, err := cfg.Plan()
	if err != nil {
		return fmt.Errorf("plan dispositions: %w", err)
	}
	exits, err := cfg.ExitSignals()
	if err != nil {
		return fmt.Errorf("plan exit signals: %w", err)
	}

	var errs []error
	for sig := range d.set.Modes() {
		if _, keep := plan[sig]; keep {
			continue
		}
		if err := d.set.Release(sig); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sig := range sortedKeys(plan) {
		mode := plan[sig]
		if err := d.set.SetMode(sig, mode); err != nil {
			slog.Warn("cannot set disposition", "signal", signals.DisplayName(sig), "mode", mode, "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Trace(slog.Default(), "disposition set", "signal", signals.DisplayName(sig), "mode", mode)
	}

	d.cfg = cfg
	d.exits = exits
	d.hooks = hook.NewRunner(buildHooks(cfg))
	d.setForwarder(cfg.Forward)
	if d.level != nil {
		d.level.Set(logger.ParseLevel(cfg.Log.Level))
	}
	return errors.Join(errs...)
}

// setForwarder installs a forwarder for fc. The previous one keeps
// delivering its queue in the background so a reload never waits on the
// webhook.
func (d *daemon) setForwarder(fc config.ForwardConfig) {
	d.retireForwarder()
	if fc.URL == "" {
		return
	}
	d.fwd = newForwarder(forward.Options{
		URL:      fc.URL,
		Timeout:  time.Duration(fc.TimeoutSeconds) * time.Second,
		RetryMax: fc.RetryMax,
	})
}

// retireForwarder detaches the current forwarder and drains it on a
// goroutine tracked by drainWG, for at most drainTimeout.
func (d *daemon) retireForwarder() {
	old := d.fwd
	d.fwd = nil
	if old == nil {
		return
	}
	timeout := d.drainTimeout
	d.drainWG.Add(1)
	go func() {
		defer d.drainWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		old.Shutdown(ctx)
	}()
}

// buildHooks resolves hook signal names to numbers. Validation already
// rejected unknown names.
func buildHooks(cfg *config.Config) []hook.Hook {
	out := make([]hook.Hook, 0, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		num, err := signals.Lookup(h.Signal)
		if err != nil {
			continue
		}
		out = append(out, hook.Hook{
			Signal:  signals.DisplayName(num),
			Number:  num,
			Command: h.Command,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
		})
	}
	return out
}

// reload re-reads the config file. A file that fails to parse leaves the
// running configuration in place.
func (d *daemon) reload() {
	cfg, err := config.LoadFile(d.paths.Config())
	if err != nil {
		slog.Warn("config reload failed, keeping previous config", "error", err)
		return
	}
	if err := d.apply(cfg); err != nil {
		slog.Warn("config reloaded with errors", "error", err)
		return
	}
	slog.Info("config reloaded")
}

// ///////////////////////////////////////////////
// Signal Handling
// ///////////////////////////////////////////////

// handle reacts to one delivered signal and reports whether the daemon
// should stop.
func (d *daemon) handle(ctx context.Context, sig int) (stop bool) {
	name := signals.DisplayName(sig)
	if d.exits[sig] {
		slog.Info("received exit signal", "signal", name)
		return true
	}
	slog.Info("received signal", "signal", name)

	if d.fwd != nil {
		d.fwd.Enqueue(forward.Event{
			Signal: name,
			Number: sig,
			PID:    os.Getpid(),
			Host:   d.host,
			Time:   time.Now().UTC(),
		})
	}
	if len(d.hooks.For(sig)) > 0 {
		runner := d.hooks
		d.hookWG.Add(1)
		go func() {
			defer d.hookWG.Done()
			runner.Fire(ctx, sig)
		}()
	}
	return false
}

// ///////////////////////////////////////////////
// Status Snapshot
// ///////////////////////////////////////////////

// Status is the JSON document written to status.json.
type Status struct {
	PID          int               `json:"pid"`
	Version      string            `json:"version"`
	Started      time.Time         `json:"started"`
	Updated      time.Time         `json:"updated"`
	Dispositions map[string]string `json:"dispositions"`
	Received     map[string]uint64 `json:"received"`
	Dropped      uint64            `json:"dropped"`
	Forwarding   bool              `json:"forwarding"`
}

// snapshot collects the current status.
func (d *daemon) snapshot() Status {
	st := Status{
		PID:          os.Getpid(),
		Version:      d.version,
		Started:      d.started.UTC(),
		Updated:      time.Now().UTC(),
		Dispositions: make(map[string]string),
		Received:     make(map[string]uint64),
		Dropped:      d.set.Dropped(),
		Forwarding:   d.fwd != nil,
	}
	for sig, mode := range d.set.Modes() {
		st.Dispositions[signals.DisplayName(sig)] = mode.String()
	}
	for sig, n := range d.set.Received() {
		st.Received[signals.DisplayName(sig)] = n
	}
	return st
}

// writeStatus atomically replaces status.json.
func (d *daemon) writeStatus() {
	if err := atomicfile.WriteJSON(d.paths.Status(), d.snapshot(), 0o644); err != nil {
		slog.Warn("failed to write status", "error", err)
	}
}

// ///////////////////////////////////////////////
// Event Loop
// ///////////////////////////////////////////////

// run serves signals until ctx is done, an exit signal arrives or the pipe
// closes. events may be nil when config reloading is disabled.
func (d *daemon) run(ctx context.Context, events <-chan struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan int)
	loop := signals.NewLoop(d.set)
	loop.HandleDefault(func(ctx context.Context, sig int) {
		select {
		case sigCh <- sig:
		case <-ctx.Done():
		}
	})
	// Shutdown runs after the reader below has stopped.
	defer d.shutdown()

	readCtx, stopReading := context.WithCancel(ctx)
	loopErr := make(chan error, 1)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loopErr <- loop.Run(readCtx)
	}()
	// Once the reader stops, later signals stay unread in the pipe.
	defer func() {
		stopReading()
		<-loopDone
	}()

	interval := time.Duration(d.cfg.Behavior.StatusIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.writeStatus()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-loopErr:
			if err != nil {
				return fmt.Errorf("signal loop: %w", err)
			}
			return nil

		case sig := <-sigCh:
			if d.handle(ctx, sig) {
				return nil
			}

		case <-events:
			d.reload()
			if next := time.Duration(d.cfg.Behavior.StatusIntervalSeconds) * time.Second; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			d.writeStatus()

		case <-ticker.C:
			d.writeStatus()
		}
	}
}

// shutdown waits for running hooks, drains every forwarder for at most
// drainTimeout and writes a final status.
func (d *daemon) shutdown() {
	d.hookWG.Wait()
	d.retireForwarder()
	d.drainWG.Wait()
	d.writeStatus()
}

// startWatcher returns the config change channel, or nil when reloading is
// disabled or the watcher cannot start.
func startWatcher(cfg *config.Config, path string) (*watch.Watcher, <-chan struct{}) {
	if !cfg.Behavior.ReloadOnChange {
		return nil, nil
	}
	w, err := watch.New(path)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return nil, nil
	}
	if w.Polling() {
		slog.Info("using polling mode for config watching")
	}
	return w, w.Events()
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
