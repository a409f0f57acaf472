// Package status provides the append-only status log flows report to.
package status

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Config holds configuration for a Log.
type Config struct {
	// Output receives every line followed by a newline (optional).
	Output io.Writer

	// Logger mirrors every line at info level (optional).
	Logger *slog.Logger

	// Capacity bounds the number of lines kept in memory. Older lines are
	// dropped first. Zero keeps every line.
	Capacity int
}

// Log is an append-only, concurrency-safe status log. Lines from
// concurrent flows are kept in order of arrival.
type Log struct {
	mu       sync.Mutex
	lines    []string
	dropped  int
	output   io.Writer
	logger   *slog.Logger
	capacity int
}

// NewLog creates a new status log.
func NewLog(cfg Config) *Log {
	return &Log{
		output:   cfg.Output,
		logger:   cfg.Logger,
		capacity: cfg.Capacity,
	}
}

// Append records line. It never fails; write errors on Output are logged
// and otherwise ignored.
func (l *Log) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lines = append(l.lines, line)
	if l.capacity > 0 && len(l.lines) > l.capacity {
		n := len(l.lines) - l.capacity
		l.lines = append(l.lines[:0], l.lines[n:]...)
		l.dropped += n
	}

	if l.output != nil {
		if _, err := fmt.Fprintln(l.output, line); err != nil && l.logger != nil {
			l.logger.Warn("failed to write status line", slog.String("error", err.Error()))
		}
	}
	if l.logger != nil {
		l.logger.Info(line, slog.String("component", "status"))
	}
}

// Lines returns a copy of the lines currently held.
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// Text returns the held lines joined the way a status label shows them.
func (l *Log) Text() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var text string
	for _, line := range l.lines {
		text += line + "\n"
	}
	return text
}

// Len returns the number of lines held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// Dropped returns the number of lines evicted because of Capacity.
func (l *Log) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
