package logging

import (
	"log/slog"
	"strings"
	"sync"
)

// Sink receives human-readable status lines: controller milestones and the
// forwarded output of the registration binaries.
type Sink interface {
	Log(line string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(line string)

// Log calls f(line).
func (f SinkFunc) Log(line string) { f(line) }

// NopSink discards every line.
type NopSink struct{}

// Log does nothing.
func (NopSink) Log(string) {}

// slogSink forwards lines to a structured logger.
type slogSink struct {
	logger *slog.Logger
}

// SlogSink returns a Sink that writes each line as a debug record.
func SlogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogSink{logger: logger}
}

func (s *slogSink) Log(line string) {
	s.logger.Debug(line)
}

// MultiSink fans a line out to several sinks in order. Nil sinks are skipped.
func MultiSink(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(line string) {
		for _, s := range out {
			s.Log(line)
		}
	})
}

// Lines collects log lines in memory. Safe for concurrent use.
type Lines struct {
	mu    sync.Mutex
	lines []string
}

// Log appends a line.
func (l *Lines) Log(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

// All returns a copy of the collected lines.
func (l *Lines) All() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// Contains reports whether any collected line contains substr.
func (l *Lines) Contains(substr string) bool {
	for _, line := range l.All() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// String joins the collected lines with newlines.
func (l *Lines) String() string {
	return strings.Join(l.All(), "\n")
}
