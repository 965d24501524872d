//go:build unix

// Package main implements the sigrelay daemon, which arms POSIX signals from
// a TOML configuration and turns each delivery into hooks, webhook posts and
// a status snapshot.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"tools.zach/dev/sigrelay/internal/catalog"
	"tools.zach/dev/sigrelay/internal/config"
	"tools.zach/dev/sigrelay/internal/logger"
	"tools.zach/dev/sigrelay/internal/paths"
	"tools.zach/dev/sigrelay/internal/signals"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time via -ldflags "-X main.version=...". Bare
// builds fall back to the VCS revision embedded by the toolchain.
var version = "dev"

// resolveVersion returns the ldflags version or a "dev+<hash>" tag.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// Default Data Directory
// ///////////////////////////////////////////////

// defaultDataDir returns ~/.sigrelay, or ./.sigrelay without a home dir.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", paths.DataDirRel)
	}
	return filepath.Join(home, paths.DataDirRel)
}

// ///////////////////////////////////////////////
// One-shot Commands
// ///////////////////////////////////////////////

// listSignals prints the catalog in declaration order.
func listSignals(w io.Writer) {
	for _, e := range catalog.Entries() {
		fmt.Fprintf(w, "%-10s %d\n", e.Name, e.Number)
	}
}

// sendSignal delivers name to pid, or to the running daemon when pid is 0.
func sendSignal(dp paths.DataDir, name string, pid int) error {
	sig, err := signals.Lookup(name)
	if err != nil {
		return err
	}
	if pid == 0 {
		alive, p := checkStalePID(dp)
		if !alive || p == 0 {
			return errors.New("daemon is not running")
		}
		pid = p
	}
	set, err := signals.Open()
	if err != nil {
		return err
	}
	defer set.Close()
	if err := set.Send(pid, sig); err != nil {
		return fmt.Errorf("send %s to %d: %w", signals.DisplayName(sig), pid, err)
	}
	return nil
}

// printStatus copies the status snapshot to w, re-indented.
func printStatus(dp paths.DataDir, w io.Writer) error {
	data, err := os.ReadFile(dp.Status())
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse status: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "Data directory for config, status, and logs")
	list := flag.Bool("list", false, "Print the signal catalog and exit")
	send := flag.String("send", "", "Send the named signal and exit")
	pid := flag.Int("pid", 0, "Target pid for -send (default: the running daemon)")
	tail := flag.Int("tail", 0, "Print the last N log lines and exit")
	status := flag.Bool("status", false, "Print the daemon status snapshot and exit")
	foreground := flag.Bool("stderr", false, "Also write log lines to stderr")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n\nRuns the signal relay daemon unless a one-shot flag is given.\n\n", paths.BinaryName)
		flag.PrintDefaults()
	}
	flag.Parse()

	dp := paths.DataDir{Root: *dataDir}

	switch {
	case *list:
		listSignals(os.Stdout)
		return
	case *send != "":
		if err := sendSignal(dp, *send, *pid); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	case *tail > 0:
		out, err := logger.ReadTail(dp.Log(), *tail)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(out)
		return
	case *status:
		if err := printStatus(dp, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(dp, *foreground); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// serve runs the daemon until an exit signal arrives.
func serve(dp paths.DataDir, foreground bool) error {
	if err := os.MkdirAll(dp.Root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if alive, p := checkStalePID(dp); alive {
		return fmt.Errorf("daemon already running (pid %d)", p)
	}

	if _, err := os.Stat(dp.Config()); os.IsNotExist(err) {
		if err := config.DefaultConfig().Save(dp.Config()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write default config: %v\n", err)
		}
	}
	cfg, err := config.Load(dp.Root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(logger.ParseLevel(cfg.Log.Level))
	log, logCloser := logger.NewLogger(logger.Options{
		Path:      dp.Log(),
		Level:     level,
		MaxSizeMB: cfg.Log.MaxSizeMB,
		Stderr:    foreground,
	})
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("sigrelay starting", "version", resolveVersion(), "data_dir", dp.Root)

	token := pidToken()
	pidFile, err := writePID(dp, token)
	if err != nil {
		logger.Fail(log, "failed to write PID file", "error", err)
		return err
	}
	defer removePID(dp, token, pidFile)

	set, err := signals.Open()
	if err != nil {
		logger.Fail(log, "failed to open signal set", "error", err)
		return err
	}
	defer set.Close()

	d, err := newDaemon(dp, cfg, set, level)
	if err != nil {
		logger.Fail(log, "failed to apply config", "error", err)
		return err
	}

	w, events := startWatcher(cfg, dp.Config())
	if w != nil {
		defer w.Close()
	}

	if err := d.run(context.Background(), events); err != nil {
		logger.Fail(log, "daemon stopped", "error", err)
		return err
	}
	slog.Info("sigrelay stopped", "dropped", set.Dropped())
	return nil
}
