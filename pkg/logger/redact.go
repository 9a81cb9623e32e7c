package logger

import (
	"context"
	"log/slog"
	"regexp"
)

// redactPatterns matches common PII shapes in attribute values: email
// addresses and payment-card-like digit runs. Pluggable pattern sets for
// the audit log's redaction levels live in the queue package; this one
// covers the ambient slog output.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
}

const redacted = "[REDACTED]"

// RedactHandler scrubs PII-shaped substrings out of string attribute
// values before they reach the wrapped handler.
type RedactHandler struct {
	next slog.Handler
}

// NewRedactHandler wraps next with PII scrubbing.
func NewRedactHandler(next slog.Handler) *RedactHandler {
	return &RedactHandler{next: next}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, nr)
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		s := a.Value.String()
		for _, p := range redactPatterns {
			s = p.ReplaceAllString(s, redacted)
		}
		return slog.String(a.Key, s)
	}
	return a
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redactedAttrs := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redactedAttrs[i] = redactAttr(a)
	}
	return &RedactHandler{next: h.next.WithAttrs(redactedAttrs)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{next: h.next.WithGroup(name)}
}
