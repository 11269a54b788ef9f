// Package logger provides the process-wide structured logger.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// asyncWriter decouples callers from a slow writer such as a blocked
// terminal. Writes are copied into a bounded queue and drained by one
// goroutine; when the queue is full the write is dropped.
type asyncWriter struct {
	ch     chan []byte
	w      io.Writer
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func newAsyncWriter(w io.Writer, bufSize int) *asyncWriter {
	aw := &asyncWriter{
		ch:   make(chan []byte, bufSize),
		w:    w,
		done: make(chan struct{}),
	}
	go aw.drain()
	return aw
}

func (aw *asyncWriter) Write(p []byte) (int, error) {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	if aw.closed {
		return len(p), nil
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case aw.ch <- cp:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) drain() {
	defer close(aw.done)
	for p := range aw.ch {
		_, _ = aw.w.Write(p)
	}
}

// Close flushes queued writes and stops the drain goroutine.
func (aw *asyncWriter) Close() {
	aw.once.Do(func() {
		aw.mu.Lock()
		aw.closed = true
		aw.mu.Unlock()
		close(aw.ch)
		<-aw.done
	})
}

// Config holds the logger configuration (Logging.json).
type Config struct {
	Level      string `json:"Level"`
	FilePath   string `json:"FilePath"`
	Format     string `json:"Format"` // "json" or "fixed"
	MaxSizeMB  int    `json:"MaxSizeMB"`
	MaxBackups int    `json:"MaxBackups"`
	MaxAgeDays int    `json:"MaxAgeDays"`
	Compress   bool   `json:"Compress"`
	Console    bool   `json:"Console"`
}

// DefaultConfig returns the defaults applied under Logging.json.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		FilePath:   "log/vmservice/vmservice.log",
		Format:     "fixed",
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
		Console:    true,
	}
}

var (
	mu           sync.Mutex
	globalLogger = zerolog.Nop()
	serviceMode  bool
	fileWriter   io.Closer
	consoleAsync *asyncWriter
)

// SetServiceMode suppresses console output when the process runs without a
// terminal (system service).
func SetServiceMode(enabled bool) {
	mu.Lock()
	serviceMode = enabled
	mu.Unlock()
}

// Init (re)configures the global logger. Writers from a previous Init are
// closed, so it is safe to call on every Logging.json reload.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	if consoleAsync != nil {
		consoleAsync.Close()
		consoleAsync = nil
	}

	var writers []io.Writer

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return err
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		fileWriter = lj
		if cfg.Format == "fixed" {
			writers = append(writers, NewFixedFormatWriter(lj))
		} else {
			writers = append(writers, lj)
		}
	}

	if cfg.Console && !serviceMode {
		aw := newAsyncWriter(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, 1000)
		consoleAsync = aw
		writers = append(writers, aw)
	}

	var output io.Writer
	switch len(writers) {
	case 0:
		output = io.Discard
	case 1:
		output = writers[0]
	default:
		output = zerolog.MultiLevelWriter(writers...)
	}

	globalLogger = zerolog.New(output).With().Timestamp().Logger()
	return nil
}

// Close flushes and releases the writers opened by Init.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if consoleAsync != nil {
		consoleAsync.Close()
		consoleAsync = nil
	}
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	globalLogger = zerolog.Nop()
}

// Logger returns a copy of the global logger.
func Logger() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return globalLogger
}

// WithComponent returns a logger tagged with the component field.
func WithComponent(component string) zerolog.Logger {
	l := Logger()
	return l.With().Str("component", component).Logger()
}
