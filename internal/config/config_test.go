// Tests for the config package covering [Load] behavior (defaults,
// overrides, missing files, malformed input), validation ([Config.Validate]),
// pattern expansion ([Expand], [Config.Plan]) and [Config.Save] round-trips.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"tools.zach/dev/sigrelay/internal/dispatch"
)

// writeConfig writes content to dir/config.toml.
func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// ///////////////////////////////////////////////
// Load
// ///////////////////////////////////////////////

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		noFile  bool
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:   "missing file gives defaults",
			noFile: true,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Log.Level != "info" || !cfg.Behavior.ReloadOnChange {
					t.Errorf("unexpected defaults: %+v", cfg)
				}
			},
		},
		{
			name:   "minimal config keeps defaults",
			config: "version = 1\n",
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				def := DefaultConfig()
				if strings.Join(cfg.Signals.ExitOn, ",") != strings.Join(def.Signals.ExitOn, ",") {
					t.Errorf("ExitOn = %v, want %v", cfg.Signals.ExitOn, def.Signals.ExitOn)
				}
			},
		},
		{
			name: "overrides applied",
			config: `
version = 1

[signals]
capture = ["hup", "SIGUSR*"]
ignore = ["PIPE"]

[[hooks]]
signal = "SIGHUP"
command = ["/bin/true"]
timeout_seconds = 3

[forward]
url = "http://127.0.0.1:9000/signals"
retry_max = 0

[log]
level = "debug"
`,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				if len(cfg.Signals.Capture) != 2 {
					t.Errorf("Capture = %v", cfg.Signals.Capture)
				}
				if len(cfg.Hooks) != 1 || cfg.Hooks[0].TimeoutSeconds != 3 {
					t.Errorf("Hooks = %+v", cfg.Hooks)
				}
				if cfg.Forward.URL == "" || cfg.Forward.RetryMax != 0 {
					t.Errorf("Forward = %+v", cfg.Forward)
				}
				if cfg.Forward.TimeoutSeconds != 5 {
					t.Errorf("Forward.TimeoutSeconds = %d, want default 5", cfg.Forward.TimeoutSeconds)
				}
			},
		},
		{
			name:    "malformed toml",
			config:  "version = [",
			wantErr: "parse config",
		},
		{
			name:    "unknown key",
			config:  "[signals]\ncaptur = [\"HUP\"]\n",
			wantErr: "unknown keys: signals.captur",
		},
		{
			name:    "unknown signal name",
			config:  "[signals]\ncapture = [\"SIGBOGUS\"]\n",
			wantErr: "unknown signal",
		},
		{
			name:    "invalid glob",
			config:  "[signals]\ncapture = [\"SIG[\"]\n",
			wantErr: "invalid signal pattern",
		},
		{
			name:    "hook with unknown signal",
			config:  "[[hooks]]\nsignal = \"nope\"\ncommand = [\"/bin/true\"]\n",
			wantErr: "hooks[0]",
		},
		{
			name:    "hook without command",
			config:  "[[hooks]]\nsignal = \"HUP\"\n",
			wantErr: "command must not be empty",
		},
		{
			name:    "forward url scheme",
			config:  "[forward]\nurl = \"ftp://example.com\"\n",
			wantErr: "scheme must be http or https",
		},
		{
			name:    "bad log level",
			config:  "[log]\nlevel = \"loud\"\n",
			wantErr: "invalid log.level",
		},
		{
			name:    "future version",
			config:  "version = 9\n",
			wantErr: "newer than supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if !tt.noFile {
				writeConfig(t, dir, tt.config)
			}
			cfg, err := Load(dir)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

// ///////////////////////////////////////////////
// Plan and Expand
// ///////////////////////////////////////////////

func TestExpand(t *testing.T) {
	tests := []struct {
		pattern string
		want    []int
		wantErr bool
	}{
		{"SIGHUP", []int{int(unix.SIGHUP)}, false},
		{"usr?", []int{int(unix.SIGUSR1), int(unix.SIGUSR2)}, false},
		{"{HUP,TERM}", []int{int(unix.SIGHUP), int(unix.SIGTERM)}, false},
		{"SIGNOPE*", nil, false},
		{"SIGKILL", []int{int(unix.SIGKILL)}, false},
		{"bogus", nil, true},
	}
	for _, tt := range tests {
		got, err := Expand(tt.pattern)
		if (err != nil) != tt.wantErr {
			t.Errorf("Expand(%q) err = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("Expand(%q) = %v, want %v", tt.pattern, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Expand(%q)[%d] = %d, want %d", tt.pattern, i, got[i], tt.want[i])
			}
		}
	}
}

func TestExpandGlobSkipsUncatchable(t *testing.T) {
	got, err := Expand("*")
	if err != nil {
		t.Fatalf("Expand(*): %v", err)
	}
	for _, n := range got {
		if n == int(unix.SIGKILL) || n == int(unix.SIGSTOP) {
			t.Errorf("glob expansion included uncatchable signal %d", n)
		}
	}
	if len(got) == 0 {
		t.Error("Expand(*) matched nothing")
	}
}

func TestPlanPrecedence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Signals = SignalsConfig{
		Default: []string{"SIG*"},
		Ignore:  []string{"SIGUSR*", "SIGPIPE"},
		Capture: []string{"SIGUSR1"},
		ExitOn:  []string{"SIGPIPE"},
	}
	plan, err := cfg.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	tests := []struct {
		sig  unix.Signal
		want dispatch.Mode
	}{
		{unix.SIGHUP, dispatch.Default},
		{unix.SIGUSR2, dispatch.Ignore},
		{unix.SIGUSR1, dispatch.Capture},
		{unix.SIGPIPE, dispatch.Capture},
	}
	for _, tt := range tests {
		got, ok := plan[int(tt.sig)]
		if !ok {
			t.Errorf("plan missing %v", tt.sig)
			continue
		}
		if got != tt.want {
			t.Errorf("plan[%v] = %v, want %v", tt.sig, got, tt.want)
		}
	}
	if _, ok := plan[int(unix.SIGKILL)]; ok {
		t.Error("glob-only SIGKILL present in plan")
	}
}

func TestExitSignals(t *testing.T) {
	exits, err := DefaultConfig().ExitSignals()
	if err != nil {
		t.Fatalf("ExitSignals: %v", err)
	}
	if !exits[int(unix.SIGTERM)] || !exits[int(unix.SIGINT)] || len(exits) != 2 {
		t.Errorf("ExitSignals = %v, want SIGTERM and SIGINT", exits)
	}
}

// ///////////////////////////////////////////////
// Save
// ///////////////////////////////////////////////

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Hooks = []HookConfig{{Signal: "SIGUSR1", Command: []string{"/bin/echo", "hi"}, TimeoutSeconds: 2}}
	cfg.Forward.URL = "https://example.com/hook"

	if err := cfg.Save(filepath.Join(dir, "config.toml")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Forward.URL != cfg.Forward.URL {
		t.Errorf("Forward.URL = %q, want %q", got.Forward.URL, cfg.Forward.URL)
	}
	if len(got.Hooks) != 1 || got.Hooks[0].Command[1] != "hi" {
		t.Errorf("Hooks = %+v", got.Hooks)
	}
	if strings.Join(got.Signals.Capture, ",") != strings.Join(cfg.Signals.Capture, ",") {
		t.Errorf("Capture = %v, want %v", got.Signals.Capture, cfg.Signals.Capture)
	}
}
