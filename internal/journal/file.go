package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"vmservice/internal/config"
	"vmservice/internal/logger"
)

// FileSink appends events as JSON lines to a rotating file.
type FileSink struct {
	writer  *lumberjack.Logger
	console bool
	mu      sync.Mutex
	closed  bool
}

// NewFileSink creates the file's directory and opens a rotating writer.
func NewFileSink(cfg config.FileConfig) (*FileSink, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("journal file path is empty")
	}
	if dir := filepath.Dir(cfg.FilePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	log := logger.WithComponent("journal")

	log.Info().
		Str("file_path", cfg.FilePath).
		Bool("console", cfg.Console).
		Msg("File journal initialized")

	return &FileSink{
		writer: &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		},
		console: cfg.Console,
	}, nil
}

func (s *FileSink) Write(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("journal is closed")
	}
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if s.console {
		fmt.Println(string(data))
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}
