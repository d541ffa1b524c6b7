package observ

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one structured event as kept in the recent-log ring.
type Entry struct {
	Time   time.Time      `json:"ts"`
	Level  string         `json:"level"`
	Event  string         `json:"event"`
	Fields map[string]any `json:"fields,omitempty"`
}

// LogConfig selects level, encoding and destination of the process logger.
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json or console
	Output   io.Writer
	RingSize int
}

var (
	logMu  sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	recent = newRing(500)
)

// Setup replaces the process logger. Safe to call before any component starts.
func Setup(cfg LogConfig) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		lvl, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		level = lvl
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	logMu.Lock()
	defer logMu.Unlock()
	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.RingSize > 0 {
		recent = newRing(cfg.RingSize)
	}
	return nil
}

// Log emits an info-level event with the given fields.
func Log(event string, kv map[string]any) {
	emit(zerolog.InfoLevel, event, kv)
}

// Warn emits a warn-level event.
func Warn(event string, kv map[string]any) {
	emit(zerolog.WarnLevel, event, kv)
}

// Error emits an error-level event.
func Error(event string, kv map[string]any) {
	emit(zerolog.ErrorLevel, event, kv)
}

// Recent returns up to n of the most recent events, oldest first.
func Recent(n int) []Entry {
	logMu.RLock()
	r := recent
	logMu.RUnlock()
	return r.last(n)
}

func emit(level zerolog.Level, event string, kv map[string]any) {
	fields := make(map[string]any, len(kv))
	for k, v := range kv {
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		fields[k] = v
	}

	logMu.RLock()
	l := logger
	r := recent
	logMu.RUnlock()

	l.WithLevel(level).Fields(fields).Str("event", event).Send()
	if level >= l.GetLevel() {
		r.add(Entry{Time: time.Now().UTC(), Level: level.String(), Event: event, Fields: fields})
	}
}

type ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func newRing(size int) *ring {
	return &ring{entries: make([]Entry, size)}
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) last(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
