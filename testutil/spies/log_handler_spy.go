package spies

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogHandlerSpy is a slog.Handler implementation that captures log records for testing.
type LogHandlerSpy struct {
	records     []slog.Record
	mu          sync.Mutex
	logToStdout bool
}

// NewLogHandlerSpy creates a new LogHandlerSpy.
// Switchable to log to stdout, which can be useful for debugging tests by seeing the actual log output.
func NewLogHandlerSpy(logToStdOut bool) *LogHandlerSpy {
	return &LogHandlerSpy{
		records:     make([]slog.Record, 0),
		logToStdout: logToStdOut,
	}
}

// Handle implements slog.Handler.
func (s *LogHandlerSpy) Handle(ctx context.Context, record slog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record.Clone())

	if s.logToStdout {
		_ = slog.NewJSONHandler(os.Stdout, nil).Handle(ctx, record)
	}

	return nil
}

// Enabled implements slog.Handler.
func (s *LogHandlerSpy) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

// WithAttrs implements slog.Handler.
func (s *LogHandlerSpy) WithAttrs(_ []slog.Attr) slog.Handler {
	return s
}

// WithGroup implements slog.Handler.
func (s *LogHandlerSpy) WithGroup(_ string) slog.Handler {
	return s
}

// GetRecords returns a copy of all captured log records.
func (s *LogHandlerSpy) GetRecords() []slog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]slog.Record(nil), s.records...)
}

// SpyLogRecordMatcher provides a fluent interface for checking log records.
// It matches if at least one record satisfies all conditions of the chain.
type SpyLogRecordMatcher struct {
	candidates []slog.Record
}

// HasLogWithMessage starts a fluent chain to check a record of the level whose message starts with prefix.
func (s *LogHandlerSpy) HasLogWithMessage(level slog.Level, prefix string) *SpyLogRecordMatcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &SpyLogRecordMatcher{}
	for _, record := range s.records {
		if record.Level == level && strings.HasPrefix(record.Message, prefix) {
			m.candidates = append(m.candidates, record)
		}
	}

	return m
}

// HasDebugLogWithMessage starts a fluent chain to check a debug-level log record.
func (s *LogHandlerSpy) HasDebugLogWithMessage(prefix string) *SpyLogRecordMatcher {
	return s.HasLogWithMessage(slog.LevelDebug, prefix)
}

// HasInfoLogWithMessage starts a fluent chain to check an info-level log record.
func (s *LogHandlerSpy) HasInfoLogWithMessage(prefix string) *SpyLogRecordMatcher {
	return s.HasLogWithMessage(slog.LevelInfo, prefix)
}

// HasWarnLogWithMessage starts a fluent chain to check a warn-level log record.
func (s *LogHandlerSpy) HasWarnLogWithMessage(prefix string) *SpyLogRecordMatcher {
	return s.HasLogWithMessage(slog.LevelWarn, prefix)
}

// HasErrorLogWithMessage starts a fluent chain to check an error-level log record.
func (s *LogHandlerSpy) HasErrorLogWithMessage(prefix string) *SpyLogRecordMatcher {
	return s.HasLogWithMessage(slog.LevelError, prefix)
}

// WithDurationMS checks for a non-negative duration_ms attribute.
func (m *SpyLogRecordMatcher) WithDurationMS() *SpyLogRecordMatcher {
	return m.filter(func(attr slog.Attr) bool {
		if attr.Key != "duration_ms" {
			return false
		}

		switch attr.Value.Kind() {
		case slog.KindInt64:
			return attr.Value.Int64() >= 0
		case slog.KindFloat64:
			return attr.Value.Float64() >= 0
		default:
			return false
		}
	})
}

// WithAttr checks for an attribute whose value renders as value.
func (m *SpyLogRecordMatcher) WithAttr(key, value string) *SpyLogRecordMatcher {
	return m.filter(func(attr slog.Attr) bool {
		return attr.Key == key && attr.Value.String() == value
	})
}

func (m *SpyLogRecordMatcher) filter(match func(slog.Attr) bool) *SpyLogRecordMatcher {
	kept := m.candidates[:0]
	for _, record := range m.candidates {
		found := false
		record.Attrs(func(attr slog.Attr) bool {
			if match(attr) {
				found = true
				return false
			}
			return true
		})

		if found {
			kept = append(kept, record)
		}
	}
	m.candidates = kept

	return m
}

// Assert returns true if all conditions in the fluent chain were met by one record.
func (m *SpyLogRecordMatcher) Assert() bool {
	return len(m.candidates) > 0
}
