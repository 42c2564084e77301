package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
)

// SetupLogger builds a slog JSON logger in Cloud Logging format, installs it as
// the slog default and returns it as a Logger. Output goes to w (stdout if nil).
func SetupLogger(w io.Writer, loglevel string) (Logger, error) {
	level, ok := ParseLevel(loglevel)
	if !ok {
		return nil, errors.Newf("invalid log level: %s", loglevel)
	}
	if w == nil {
		w = os.Stdout
	}
	ops := slog.HandlerOptions{
		AddSource: true,
		Level:     slog.Level(level),
		// Replace attributes to convert to CloudLogging format.
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				attr = slog.Attr{
					Key:   "severity",
					Value: attr.Value,
				}
			case slog.MessageKey:
				attr = slog.Attr{
					Key:   "message",
					Value: attr.Value,
				}
			case slog.SourceKey:
				attr = slog.Attr{
					Key:   "logging.googleapis.com/sourceLocation",
					Value: attr.Value,
				}
			}
			return attr
		},
	}
	handler := slog.NewJSONHandler(w, &ops)
	sl := slog.New(WrapByErrFmtHandler(handler))
	slog.SetDefault(sl)
	return NewSlogLogger(sl), nil
}

const (
	ErrAttrKey        = "error"
	StacktraceAttrKey = "stacktrace"
)

// ErrAttr is a wrapper to pass err to slog.
func ErrAttr(err error) slog.Attr {
	return slog.Any(ErrAttrKey, err)
}

// SlogLogger adapts *slog.Logger to Logger.
type SlogLogger struct {
	sl *slog.Logger
}

// NewSlogLogger wraps sl.
func NewSlogLogger(sl *slog.Logger) *SlogLogger {
	return &SlogLogger{sl: sl}
}

func (s *SlogLogger) Debug(msg string, fields ...any) { s.sl.Debug(msg, errFirst(fields)...) }
func (s *SlogLogger) Info(msg string, fields ...any)  { s.sl.Info(msg, errFirst(fields)...) }
func (s *SlogLogger) Warn(msg string, fields ...any)  { s.sl.Warn(msg, errFirst(fields)...) }
func (s *SlogLogger) Error(msg string, fields ...any) { s.sl.Error(msg, errFirst(fields)...) }

func (s *SlogLogger) With(fields ...any) Logger {
	return &SlogLogger{sl: s.sl.With(fields...)}
}

func (s *SlogLogger) Enabled(ctx context.Context, level Level) bool {
	return s.sl.Enabled(ctx, slog.Level(level))
}

// errFirst turns a leading bare error into an ErrAttr so that ErrFmtHandler
// can attach its stacktrace.
func errFirst(fields []any) []any {
	if len(fields) == 0 {
		return fields
	}
	if err, ok := fields[0].(error); ok {
		out := make([]any, 0, len(fields))
		out = append(out, ErrAttr(err))
		return append(out, fields[1:]...)
	}
	return fields
}
