// Package config loads sigrelay's TOML configuration.
//
// The file lives at <data-dir>/config.toml. Defaults are applied first and
// then overridden by whatever the file sets. Signal lists accept doublestar
// patterns matched against catalog names, so "SIGUSR*" or "{HUP,TERM}" both
// work; the "SIG" prefix is optional and case does not matter.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"

	"tools.zach/dev/sigrelay/internal/atomicfile"
	"tools.zach/dev/sigrelay/internal/catalog"
	"tools.zach/dev/sigrelay/internal/dispatch"
	"tools.zach/dev/sigrelay/internal/paths"
)

// CurrentVersion is the config schema version written by [Config.Save].
const CurrentVersion = 1

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version.
	Version int `toml:"version"`
	// Signals selects the disposition of each signal.
	Signals SignalsConfig `toml:"signals"`
	// Hooks run commands when a signal arrives.
	Hooks []HookConfig `toml:"hooks"`
	// Forward posts every received signal to a webhook.
	Forward ForwardConfig `toml:"forward"`
	// Behavior holds daemon behavior settings.
	Behavior BehaviorConfig `toml:"behavior"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
}

// SignalsConfig lists signal name patterns per disposition. Lists are
// applied in the order default, ignore, capture, exit_on; a later list wins
// when patterns overlap.
type SignalsConfig struct {
	// Capture patterns are routed to the daemon.
	Capture []string `toml:"capture"`
	// Ignore patterns are discarded by the kernel.
	Ignore []string `toml:"ignore"`
	// Default patterns get the kernel's default action.
	Default []string `toml:"default"`
	// ExitOn patterns are captured and stop the daemon when received.
	ExitOn []string `toml:"exit_on"`
}

// HookConfig runs Command whenever Signal is received.
type HookConfig struct {
	// Signal is a signal name such as "SIGHUP" or "hup".
	Signal string `toml:"signal"`
	// Command is the argv to run; Command[0] is resolved via PATH.
	Command []string `toml:"command"`
	// TimeoutSeconds bounds the command's run time.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// ForwardConfig controls the webhook forwarder.
type ForwardConfig struct {
	// URL receives a JSON POST per signal; empty disables forwarding.
	URL string `toml:"url"`
	// TimeoutSeconds is the per-attempt HTTP timeout.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// RetryMax is the number of retries after the first attempt.
	RetryMax int `toml:"retry_max"`
}

// BehaviorConfig holds daemon behavior settings.
type BehaviorConfig struct {
	// ReloadOnChange re-applies the config when the file changes.
	ReloadOnChange bool `toml:"reload_on_change"`
	// StatusIntervalSeconds is how often status.json is rewritten.
	StatusIntervalSeconds int `toml:"status_interval_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Signals: SignalsConfig{
			Capture: []string{"SIGHUP", "SIGUSR1", "SIGUSR2"},
			Ignore:  []string{"SIGPIPE"},
			Default: []string{},
			ExitOn:  []string{"SIGTERM", "SIGINT"},
		},
		Hooks: []HookConfig{},
		Forward: ForwardConfig{
			TimeoutSeconds: 5,
			RetryMax:       2,
		},
		Behavior: BehaviorConfig{
			ReloadOnChange:        true,
			StatusIntervalSeconds: 10,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses dataDir/config.toml. A missing file yields
// DefaultConfig.
func Load(dataDir string) (*Config, error) {
	return LoadFile(filepath.Join(dataDir, paths.ConfigFile))
}

// LoadFile reads and parses the config at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML over the defaults and validates the result. Unknown
// keys are rejected so typos do not silently fall back to defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parse config: unknown keys: %s", strings.Join(keys, ", "))
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to disk as TOML using atomic file write.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Version > CurrentVersion {
		return fmt.Errorf("config version %d is newer than supported version %d", c.Version, CurrentVersion)
	}

	lists := []struct {
		name     string
		patterns []string
	}{
		{"signals.capture", c.Signals.Capture},
		{"signals.ignore", c.Signals.Ignore},
		{"signals.default", c.Signals.Default},
		{"signals.exit_on", c.Signals.ExitOn},
	}
	for _, l := range lists {
		for _, p := range l.patterns {
			if err := checkPattern(p); err != nil {
				return fmt.Errorf("%s: %w", l.name, err)
			}
		}
	}

	for i, h := range c.Hooks {
		if _, ok := catalog.Lookup(h.Signal); !ok {
			return fmt.Errorf("hooks[%d]: unknown signal %q", i, h.Signal)
		}
		if len(h.Command) == 0 || h.Command[0] == "" {
			return fmt.Errorf("hooks[%d]: command must not be empty", i)
		}
		if h.TimeoutSeconds < 0 {
			return fmt.Errorf("hooks[%d]: timeout_seconds must be >= 0, got %d", i, h.TimeoutSeconds)
		}
	}

	if c.Forward.URL != "" {
		u, err := url.Parse(c.Forward.URL)
		if err != nil {
			return fmt.Errorf("invalid forward.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid forward.url %q: scheme must be http or https", c.Forward.URL)
		}
	}
	if c.Forward.TimeoutSeconds <= 0 {
		return fmt.Errorf("forward.timeout_seconds must be > 0, got %d", c.Forward.TimeoutSeconds)
	}
	if c.Forward.RetryMax < 0 {
		return fmt.Errorf("forward.retry_max must be >= 0, got %d", c.Forward.RetryMax)
	}

	if c.Behavior.StatusIntervalSeconds <= 0 {
		return fmt.Errorf("status_interval_seconds must be > 0, got %d", c.Behavior.StatusIntervalSeconds)
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}
	return nil
}

// checkPattern rejects malformed globs and literal names missing from the
// catalog. A glob that matches nothing is allowed.
func checkPattern(p string) error {
	norm := catalog.Normalize(p)
	if norm == "" {
		return errors.New("empty signal pattern")
	}
	if !doublestar.ValidatePattern(norm) {
		return fmt.Errorf("invalid signal pattern %q", p)
	}
	if !isGlob(norm) {
		if _, ok := catalog.Lookup(norm); !ok {
			return fmt.Errorf("unknown signal %q", p)
		}
	}
	return nil
}

// isGlob reports whether p contains doublestar metacharacters.
func isGlob(p string) bool {
	return strings.ContainsAny(p, `*?[{\`)
}

// ///////////////////////////////////////////////
// Disposition Plan
// ///////////////////////////////////////////////

// Plan expands the signal lists into a disposition per signal number.
// Signals matched only by a glob are skipped when they cannot be caught;
// uncatchable signals named literally are kept so the kernel's refusal is
// reported when the plan is applied.
func (c *Config) Plan() (map[int]dispatch.Mode, error) {
	plan := make(map[int]dispatch.Mode)
	steps := []struct {
		patterns []string
		mode     dispatch.Mode
	}{
		{c.Signals.Default, dispatch.Default},
		{c.Signals.Ignore, dispatch.Ignore},
		{c.Signals.Capture, dispatch.Capture},
		{c.Signals.ExitOn, dispatch.Capture},
	}
	for _, st := range steps {
		for _, p := range st.patterns {
			nums, err := Expand(p)
			if err != nil {
				return nil, err
			}
			for _, n := range nums {
				plan[n] = st.mode
			}
		}
	}
	return plan, nil
}

// Expand resolves one pattern to the signal numbers it selects, in catalog
// order and without duplicates.
func Expand(pattern string) ([]int, error) {
	norm := catalog.Normalize(pattern)
	if !isGlob(norm) {
		n, ok := catalog.Lookup(norm)
		if !ok {
			return nil, fmt.Errorf("unknown signal %q", pattern)
		}
		return []int{n}, nil
	}

	var out []int
	seen := make(map[int]bool)
	for _, e := range catalog.Entries() {
		ok, err := doublestar.Match(norm, e.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid signal pattern %q: %w", pattern, err)
		}
		if !ok || seen[e.Number] || !catalog.Catchable(e.Number) {
			continue
		}
		seen[e.Number] = true
		out = append(out, e.Number)
	}
	return out, nil
}

// ExitSignals returns the numbers selected by signals.exit_on.
func (c *Config) ExitSignals() (map[int]bool, error) {
	out := make(map[int]bool)
	for _, p := range c.Signals.ExitOn {
		nums, err := Expand(p)
		if err != nil {
			return nil, err
		}
		for _, n := range nums {
			out[n] = true
		}
	}
	return out, nil
}
