// Package logger provides the sigrelay log format on top of log/slog.
//
// Log output format:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, key2=value2
//
// Custom levels beyond the standard slog set:
//   - LevelTrace (-8): per-signal tracing
//   - LevelFail  (12): unrecoverable errors
package logger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ///////////////////////////////////////////////
// Custom Levels
// ///////////////////////////////////////////////

const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug // -4
	LevelInfo  slog.Level = slog.LevelInfo  // 0
	LevelWarn  slog.Level = slog.LevelWarn  // 4
	LevelError slog.Level = slog.LevelError // 8
	LevelFail  slog.Level = 12
)

// levelNames is ordered by threshold; the first entry whose threshold is at
// or above a record's level names it.
var levelNames = []struct {
	max  slog.Level
	name string
}{
	{LevelTrace, "TRACE"},
	{LevelDebug, "DEBUG"},
	{LevelInfo, "INFO"},
	{LevelWarn, "WARN"},
	{LevelError, "ERROR"},
}

// levelName returns the display name for a log level.
func levelName(l slog.Level) string {
	for _, ln := range levelNames {
		if l <= ln.max {
			return ln.name
		}
	}
	return "FAIL"
}

// ParseLevel converts a level string to slog.Level.
// Supports: trace, debug, info, warn, error, fail (case-insensitive).
// Returns LevelInfo for unrecognized strings.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "fail":
		return LevelFail
	default:
		return LevelInfo
	}
}

// ///////////////////////////////////////////////
// Handler
// ///////////////////////////////////////////////

// Handler is a slog.Handler that writes one line per record:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, ...
type Handler struct {
	// w is the destination writer for formatted log output.
	w io.Writer
	// mu serializes writes to w; shared by handlers derived via WithAttrs.
	mu *sync.Mutex
	// level is the minimum severity that this handler will emit.
	level slog.Leveler
	// prefix holds attributes pre-rendered by [Handler.WithAttrs].
	prefix string
	// group is the dot-separated key prefix set via [Handler.WithGroup].
	group string
}

// NewHandler creates a Handler that writes to w, filtering records below level.
// Passing a *slog.LevelVar lets callers change the level at runtime.
func NewHandler(w io.Writer, level slog.Leveler) *Handler {
	return &Handler{w: w, level: level, mu: &sync.Mutex{}}
}

// Enabled reports whether the handler handles records at the given level.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder
	buf.WriteString(r.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	buf.WriteString(" [")
	buf.WriteString(levelName(r.Level))
	buf.WriteString("] ")
	buf.WriteString(r.Message)

	attrs := h.prefix
	r.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, h.group, a)
		return true
	})
	if attrs != "" {
		buf.WriteString(" | ")
		buf.WriteString(attrs)
	}
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, buf.String())
	return err
}

// appendAttr renders a as key=value onto dst, flattening group values into
// dotted keys.
func appendAttr(dst, group string, a slog.Attr) string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	key := a.Key
	if group != "" && key != "" {
		key = group + "." + key
	} else if key == "" {
		key = group
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			dst = appendAttr(dst, key, ga)
		}
		return dst
	}
	if dst != "" {
		dst += ", "
	}
	return dst + key + "=" + a.Value.String()
}

// WithAttrs returns a new Handler with the given attributes pre-rendered.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := h.prefix
	for _, a := range attrs {
		prefix = appendAttr(prefix, h.group, a)
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, prefix: prefix, group: h.group}
}

// WithGroup returns a new Handler whose subsequent attribute keys are
// prefixed with name (e.g., "group.key").
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, prefix: h.prefix, group: group}
}

// ///////////////////////////////////////////////
// Logger Constructor
// ///////////////////////////////////////////////

// Options configures [NewLogger].
type Options struct {
	// Path is the log file; rotated by lumberjack.
	Path string
	// Level is the minimum level written.
	Level slog.Leveler
	// MaxSizeMB is the size that triggers rotation.
	MaxSizeMB int
	// Stderr also copies every line to standard error (foreground mode).
	Stderr bool
}

// NewLogger creates a slog.Logger writing to a rotating log file. The
// returned io.Closer must be closed to release the file.
func NewLogger(opts Options) (*slog.Logger, io.Closer) {
	lj := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: 3,
		MaxAge:     28,
	}

	var w io.Writer = lj
	if opts.Stderr {
		w = io.MultiWriter(lj, os.Stderr)
	}
	return slog.New(NewHandler(w, opts.Level)), lj
}

// ///////////////////////////////////////////////
// Helper Functions
// ///////////////////////////////////////////////

// Trace logs a message at LevelTrace.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Fail logs a message at LevelFail.
func Fail(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelFail, msg, args...)
}

// ///////////////////////////////////////////////
// ReadTail
// ///////////////////////////////////////////////

// ReadTail returns the last n lines of the file at path, oldest first.
func ReadTail(path string, n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	ring := make([]string, n)
	total := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ring[total%n] = scanner.Text()
		total++
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading log file: %w", err)
	}

	if total <= n {
		return strings.Join(ring[:total], "\n"), nil
	}
	start := total % n
	return strings.Join(append(ring[start:], ring[:start]...), "\n"), nil
}
