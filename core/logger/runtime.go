package logger

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
)

type ctxKey int

const (
	keyRID ctxKey = iota
	keyActivity
	keyLogger
	keyHandler
	keyTraceID
	keySpanID
)

// ActivityMeta identifies the activity a log line belongs to.
type ActivityMeta struct {
	ChannelID      string
	ConversationID string
	ActivityID     string
	ActivityType   string
	UserID         string
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(key).(string)
	return s
}

// WithLogger makes log the base logger for Event calls made with the returned context.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	ctx = orBackground(ctx)
	if log == nil {
		return ctx
	}
	return context.WithValue(ctx, keyLogger, log)
}

// FromContext returns the logger attached by WithLogger, or L.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(keyLogger).(*slog.Logger); ok {
			return l
		}
	}
	return L
}

// WithRID attaches the request correlation id.
func WithRID(ctx context.Context, rid string) context.Context {
	return context.WithValue(orBackground(ctx), keyRID, rid)
}

// RIDFrom returns the request correlation id, if any.
func RIDFrom(ctx context.Context) string { return stringFrom(ctx, keyRID) }

// WithActivityMeta attaches activity identifiers.
func WithActivityMeta(ctx context.Context, meta ActivityMeta) context.Context {
	return context.WithValue(orBackground(ctx), keyActivity, meta)
}

// ActivityMetaFrom returns the activity identifiers attached to ctx.
func ActivityMetaFrom(ctx context.Context) (ActivityMeta, bool) {
	if ctx == nil {
		return ActivityMeta{}, false
	}
	meta, ok := ctx.Value(keyActivity).(ActivityMeta)
	return meta, ok
}

// WithHandler names the route or handler serving the request.
func WithHandler(ctx context.Context, handler string) context.Context {
	ctx = orBackground(ctx)
	if handler == "" {
		return ctx
	}
	return context.WithValue(ctx, keyHandler, handler)
}

// HandlerFrom returns the handler name, if any.
func HandlerFrom(ctx context.Context) string { return stringFrom(ctx, keyHandler) }

// WithTrace attaches distributed trace identifiers. Empty values are skipped.
func WithTrace(ctx context.Context, traceID, spanID string) context.Context {
	ctx = orBackground(ctx)
	if traceID != "" {
		ctx = context.WithValue(ctx, keyTraceID, traceID)
	}
	if spanID != "" {
		ctx = context.WithValue(ctx, keySpanID, spanID)
	}
	return ctx
}

// TraceIDFrom returns the trace id, if any.
func TraceIDFrom(ctx context.Context) string { return stringFrom(ctx, keyTraceID) }

// SpanIDFrom returns the span id, if any.
func SpanIDFrom(ctx context.Context) string { return stringFrom(ctx, keySpanID) }

// Sanitize drops control and format runes (keeping tab and newline) from s.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)
}

// SanitizeLimit sanitizes s and truncates it to max runes.
func SanitizeLimit(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(Sanitize(s))
	if len(r) > max {
		r = r[:max]
	}
	return string(r)
}

// CompactRID shortens a UUID to its first group. Other values are returned trimmed.
func CompactRID(rid string) string {
	rid = strings.TrimSpace(rid)
	head, _, ok := strings.Cut(rid, "-")
	if !ok || len(head) != 8 || strings.Count(rid, "-") != 4 {
		return rid
	}
	for _, r := range head {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return rid
		}
	}
	return strings.ToLower(head)
}
