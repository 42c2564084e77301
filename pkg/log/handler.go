package log

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
)

// errorHandler は "error" 属性に cockroachdb/errors のスタックと型名を付け足す slog.Handler
type errorHandler struct {
	next slog.Handler
}

// WrapByErrFmtHandler は handler を包み、error 属性を持つレコードに
// StacktraceAttrKey と ErrorTypeKey を追加する。
func WrapByErrFmtHandler(handler slog.Handler) slog.Handler {
	return &errorHandler{next: handler}
}

func (h *errorHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *errorHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	r.Attrs(func(attr slog.Attr) bool {
		if attr.Key != ErrAttrKey {
			return true
		}
		err, _ = attr.Value.Any().(error)
		return false
	})
	if err != nil {
		r.AddAttrs(slog.String(ErrorTypeKey, fmt.Sprintf("%T", errors.UnwrapAll(err))))
		if st := stacktrace(err); st != "" {
			r.AddAttrs(slog.String(StacktraceAttrKey, st))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *errorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &errorHandler{next: h.next.WithAttrs(attrs)}
}

func (h *errorHandler) WithGroup(g string) slog.Handler {
	return &errorHandler{next: h.next.WithGroup(g)}
}

// stacktrace は最初に見つかった安全な詳細（WithStack のスタック）を返す
func stacktrace(err error) string {
	if details := errors.GetSafeDetails(err).SafeDetails; len(details) > 0 {
		return details[0]
	}
	return ""
}
