package coordinator

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// DebugLogger writes coordinator decision traces to a file. With no path
// configured every call is a no-op, so callers never guard their log lines.
type DebugLogger struct {
	f *os.File
	l *log.Logger
}

// NewDebugLogger opens the debug log at path for appending. An empty path
// returns a disabled logger.
func NewDebugLogger(path string) (*DebugLogger, error) {
	if path == "" {
		return &DebugLogger{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create debug log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}

	return &DebugLogger{
		f: f,
		l: log.New(f, "", log.LstdFlags|log.Lmicroseconds),
	}, nil
}

// Printf writes a formatted line to the debug log.
func (d *DebugLogger) Printf(format string, args ...any) {
	if d.l == nil {
		return
	}
	d.l.Printf(format, args...)
}

// Close closes the underlying file.
func (d *DebugLogger) Close() error {
	if d.f == nil {
		return nil
	}
	return d.f.Close()
}
