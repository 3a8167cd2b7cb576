package logger

import "strings"

// Level names as rendered in the level field.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelFatal = "FATAL"
)

var levelNames = map[string]string{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
	"fatal":   LevelFatal,
}

// Canonical enumerations for the status, cache and outcome fields.
var (
	statusValues  = enum("ok", "fail", "skip", "retry", "rate_limited", "cancelled", "denied")
	cacheValues   = enum("hit", "miss", "refresh")
	outcomeValues = enum("ok", "fail", "cancelled", "rate_limited")
)

func enum(values ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

// lookup lower-cases v and reports whether it belongs to set.
func lookup(set map[string]struct{}, v string) (string, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "", false
	}
	_, ok := set[v]
	return v, ok
}

func normalizeLevel(level string) string {
	if level == "" {
		return LevelInfo
	}
	if name, ok := levelNames[strings.ToLower(level)]; ok {
		return name
	}
	return strings.ToUpper(level)
}

func normalizeStatus(status string) (string, bool) { return lookup(statusValues, status) }

func normalizeCache(cache string) (string, bool) {
	v, ok := lookup(cacheValues, cache)
	if !ok {
		return "", false
	}
	return v, true
}

func normalizeOutcome(outcome string) (string, bool) {
	v, ok := lookup(outcomeValues, outcome)
	if !ok {
		return "", false
	}
	return v, true
}

// defaultKeyOrder puts identity and correlation keys first, then request, bot framework
// and error details.
var defaultKeyOrder = []string{
	"ts",
	"level",
	"component",
	"event",
	"status",
	"rid",
	"rid_full",
	"trace_id",
	"span_id",
	"ts_unix_nano",
	"channel_id",
	"conversation_id",
	"activity_id",
	"activity_type",
	"user_id",
	"handler",
	"method",
	"path",
	"http_code",
	"outcome",
	"duration_ms",
	"remote_addr",
	"listen",
	"service_url",
	"endpoint",
	"issuer",
	"kid",
	"key",
	"keys",
	"etag",
	"count",
	"cache",
	"payload",
	"lang",
	"db",
	"host",
	"port",
	"err",
	"err_code",
	"cause",
	"retryable",
	"attempts",
	"backoff_ms",
	"rate_limited",
}
