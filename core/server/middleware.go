package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/chatbridge/core/logger"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// chain applies mws so that the first one runs outermost.
func chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// statusWriter captures the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

const requestIDHeader = "X-Request-Id"

// requestLogger assigns a request id, stores it in the context and logs one line per request.
func requestLogger(trusted []netip.Prefix) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rid := logger.SanitizeLimit(strings.TrimSpace(r.Header.Get(requestIDHeader)), 128)
			if rid == "" {
				rid = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, rid)

			ctx := logger.WithRID(r.Context(), rid)
			ctx = logger.WithHandler(ctx, routeName(r.URL.Path))
			if traceID, spanID, ok := parseTraceparent(r.Header.Get("traceparent")); ok {
				ctx = logger.WithTrace(ctx, traceID, spanID)
			}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			level := slog.LevelInfo
			outcome := "ok"
			switch {
			case sw.status == http.StatusTooManyRequests:
				level, outcome = slog.LevelWarn, "rate_limited"
			case sw.status >= 500:
				level, outcome = slog.LevelError, "fail"
			case sw.status >= 400:
				level, outcome = slog.LevelWarn, "fail"
			}
			logger.Event(ctx, "http", level, "http.request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("http_code", sw.status),
				slog.String("outcome", outcome),
				slog.Duration("duration", logger.Took(start)),
				slog.String("remote_addr", clientIP(r, trusted)),
			)
		})
	}
}

// parseTraceparent extracts the trace and parent span ids from a W3C traceparent header
// ("00-<32 hex>-<16 hex>-<2 hex>"). All-zero ids are invalid.
func parseTraceparent(h string) (traceID, spanID string, ok bool) {
	parts := strings.Split(strings.TrimSpace(h), "-")
	if len(parts) != 4 || len(parts[0]) != 2 || len(parts[1]) != 32 || len(parts[2]) != 16 || len(parts[3]) != 2 {
		return "", "", false
	}
	for _, p := range parts {
		if strings.IndexFunc(p, func(r rune) bool { return !strings.ContainsRune("0123456789abcdef", r) }) >= 0 {
			return "", "", false
		}
	}
	if strings.Trim(parts[1], "0") == "" || strings.Trim(parts[2], "0") == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// rateLimiter enforces a minimum interval between requests from the same client address.
type rateLimiter struct {
	interval time.Duration
	exclude  map[string]struct{}
	trusted  []netip.Prefix
	now      func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

const rateLimiterSweepAt = 10000

func newRateLimiter(interval time.Duration, excludeRoutes []string, trusted []netip.Prefix) *rateLimiter {
	exclude := make(map[string]struct{}, len(excludeRoutes))
	for _, r := range excludeRoutes {
		exclude[r] = struct{}{}
	}
	return &rateLimiter{
		interval: interval,
		exclude:  exclude,
		trusted:  trusted,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// allow records a request from client and reports whether it may proceed.
func (l *rateLimiter) allow(client string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastSeen[client]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.lastSeen[client] = now
	if len(l.lastSeen) > rateLimiterSweepAt {
		for k, ts := range l.lastSeen {
			if now.Sub(ts) >= l.interval {
				delete(l.lastSeen, k)
			}
		}
	}
	return true
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	if l.interval <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeName(r.URL.Path)
		if _, skip := l.exclude[route]; skip {
			next.ServeHTTP(w, r)
			return
		}
		client := clientIP(r, l.trusted)
		if !l.allow(client) {
			logger.Warn(r.Context(), "http", "http.rate_limit",
				slog.String("status", "rate_limited"),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", client),
			)
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverPanic is installed as the router's PanicHandler.
func recoverPanic(w http.ResponseWriter, r *http.Request, recovered any) {
	logger.Error(r.Context(), "http", "http.panic",
		slog.Any("err", recovered),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// clientIP returns the remote address, or, when the connection comes from a trusted
// proxy, the nearest X-Forwarded-For hop that is not itself a trusted proxy.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !isTrusted(remote, trusted) {
		return remote
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if host, _, err := net.SplitHostPort(hop); err == nil {
			hop = host
		}
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
	}
	return remote
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseTrustedProxies reads the CIDRs normalized by config.
func parseTrustedProxies(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		p, err := netip.ParsePrefix(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("server: trusted proxy %q: %w", v, err)
		}
		out = append(out, p)
	}
	return out, nil
}
