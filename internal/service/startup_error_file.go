package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StartupErrorFile is the file name written by WriteStartupErrorFile.
const StartupErrorFile = "startup-error.log"

// WriteStartupErrorFile records err in dir/startup-error.log, replacing any
// previous report. Each wrapped cause is written on its own line. It returns
// the file path.
func WriteStartupErrorFile(dir string, err error) (string, error) {
	if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, mkErr)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] STARTUP ERROR\n", time.Now().Format("2006-01-02 15:04:05"))
	if err == nil {
		b.WriteString("unknown error\n")
	}
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(&b, "%s%v\n", strings.Repeat("  ", depth), err)
		err = errors.Unwrap(err)
	}

	path := filepath.Join(dir, StartupErrorFile)
	if wErr := os.WriteFile(path, []byte(b.String()), 0644); wErr != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, wErr)
	}
	return path, nil
}
