// Package logging is crewline's zerolog wrapper. Log lines go to a
// date-stamped file per day, with old files pruned on startup, and each
// subsystem tags its lines with a component field.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level         string // debug, info, warn, error
	Path          string // log directory; empty logs to stderr
	Format        string // json, text
	RetentionDays int    // default 7
}

// DefaultConfig returns the standard file-backed configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Level:         "info",
		Path:          filepath.Join(home, ".local", "share", "crewline", "logs"),
		Format:        "json",
		RetentionDays: 7,
	}
}

// Logger is a zerolog.Logger bound to crewline's log file.
type Logger struct {
	zl   zerolog.Logger
	file *os.File
	mu   sync.Mutex
}

var (
	global   *Logger
	globalMu sync.RWMutex
)

// Init builds the global logger, replacing (and closing) any previous one.
func Init(cfg Config) error {
	logger, err := New(cfg)
	if err != nil {
		return err
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		_ = global.Close()
	}
	global = logger
	return nil
}

// Get returns the global logger. Before Init it returns a stderr logger,
// so components created early never hold a nil logger.
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global == nil {
		return &Logger{zl: zerolog.New(os.Stderr).With().Timestamp().Logger()}
	}
	return global
}

// Component returns the global logger scoped to one subsystem.
func Component(name string) *Logger {
	return Get().WithComponent(name)
}

// New creates a Logger from cfg. With a Path set it appends to today's
// crewline-YYYY-MM-DD.log and prunes files past the retention window.
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 7
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logger := &Logger{}
	var output io.Writer = os.Stderr

	if cfg.Path != "" {
		dir := expandPath(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		name := fmt.Sprintf("crewline-%s.log", time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		logger.file = f
		output = f

		go pruneOldLogs(dir, cfg.RetentionDays)
	}

	if cfg.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
	}

	logger.zl = zerolog.New(output).Level(level).With().Timestamp().Logger()
	return logger, nil
}

// WithComponent returns a copy tagging every line with a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		zl:   l.zl.With().Str("component", component).Logger(),
		file: l.file,
	}
}

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

// InfoCtx logs at info level with structured fields.
func (l *Logger) InfoCtx(msg string, fields map[string]any) {
	withFields(l.zl.Info(), fields).Msg(msg)
}

// WarnCtx logs at warn level with structured fields.
func (l *Logger) WarnCtx(msg string, fields map[string]any) {
	withFields(l.zl.Warn(), fields).Msg(msg)
}

// ErrorCtx logs at error level with structured fields.
func (l *Logger) ErrorCtx(msg string, fields map[string]any) {
	withFields(l.zl.Error(), fields).Msg(msg)
}

func withFields(ev *zerolog.Event, fields map[string]any) *zerolog.Event {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// pruneOldLogs removes dated crewline log files older than keepDays.
func pruneOldLogs(dir string, keepDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "crewline-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, "crewline-"), ".log")
		day, err := time.Parse("2006-01-02", stamp)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
