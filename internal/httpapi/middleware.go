package httpapi

import (
	"bufio"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/domain"
	"ratewatch/internal/enforce"
	"ratewatch/internal/logging"
)

// TrafficRecorder receives request and response log entries.
type TrafficRecorder interface {
	RecordRequest(event domain.RequestEvent)
	RecordResponse(event domain.ResponseEvent)
}

// QuotaSource computes quotas and rejection payloads per identifier.
type QuotaSource interface {
	ComputeQuota(identifier string, meta domain.RequestMeta) domain.Quota
	OnLimitExceeded(identifier string) domain.Rejection
}

// DecisionObserver counts limiter decisions.
type DecisionObserver interface {
	ObserveDecision(q domain.Quota, allowed bool, algorithm, endpoint string)
}

// MiddlewareOptions wires the rate limiting middleware.
type MiddlewareOptions struct {
	Recorder  TrafficRecorder
	Quotas    QuotaSource
	Enforcer  enforce.Enforcer
	Observer  DecisionObserver
	SkipPaths []string
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Middleware records traffic and applies adaptive quotas to every request.
type Middleware struct {
	recorder  TrafficRecorder
	quotas    QuotaSource
	enforcer  enforce.Enforcer
	observer  DecisionObserver
	skipPaths []string
	clock     clock.Clock
	logger    *slog.Logger
}

// NewMiddleware creates the rate limiting middleware.
// Params: recorder, quota source, and enforcer are required; observer is optional.
// Returns: middleware ready to wrap handlers.
func NewMiddleware(opts MiddlewareOptions) *Middleware {
	skip := make([]string, 0, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		p = strings.TrimSpace(p)
		if p != "" {
			skip = append(skip, p)
		}
	}
	return &Middleware{
		recorder:  opts.Recorder,
		quotas:    opts.Quotas,
		enforcer:  opts.Enforcer,
		observer:  opts.Observer,
		skipPaths: skip,
		clock:     clock.OrReal(opts.Clock),
		logger:    logging.Component(opts.Logger, "ratelimit"),
	}
}

// Handler wraps next with traffic recording and quota enforcement.
// Skipped paths are recorded but never limited.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := m.clock.Now()
		identifier := ClientIdentifier(r)
		m.recorder.RecordRequest(domain.RequestEvent{
			Identifier: identifier,
			Method:     r.Method,
			Path:       r.URL.Path,
			UserAgent:  r.UserAgent(),
			Timestamp:  start,
		})

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		defer func() {
			end := m.clock.Now()
			m.recorder.RecordResponse(domain.ResponseEvent{
				Timestamp:  end,
				LatencyMS:  float64(end.Sub(start).Microseconds()) / 1000,
				StatusCode: wrapped.statusCode,
				BodySize:   wrapped.size,
			})
		}()

		if m.skipped(r.URL.Path) {
			next.ServeHTTP(wrapped, r)
			return
		}

		quota := m.quotas.ComputeQuota(identifier, domain.RequestMeta{
			Method:    r.Method,
			Path:      r.URL.Path,
			UserAgent: r.UserAgent(),
			At:        start,
		})
		decision := m.enforcer.Allow(r.Context(), identifier, quota)
		if m.observer != nil {
			m.observer.ObserveDecision(quota, decision.Allowed, m.enforcer.Algorithm(), r.URL.Path)
		}

		resetSec := ceilSeconds(decision.ResetAfter(start))
		header := wrapped.Header()
		header.Set("RateLimit-Limit", strconv.Itoa(quota.Max))
		header.Set("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		header.Set("RateLimit-Reset", strconv.FormatInt(resetSec, 10))

		if !decision.Allowed {
			rejection := m.quotas.OnLimitExceeded(identifier)
			if resetSec > 0 {
				rejection.RetryAfterSec = resetSec
			}
			header.Set("Retry-After", strconv.FormatInt(rejection.RetryAfterSec, 10))
			m.logger.Debug("request rejected", "identifier", identifier, "path", r.URL.Path, "limit", quota.Max)
			writeJSON(wrapped, http.StatusTooManyRequests, rejection)
			return
		}
		next.ServeHTTP(wrapped, r)
	})
}

// skipped matches exact paths and path prefixes on segment boundaries.
func (m *Middleware) skipped(path string) bool {
	for _, p := range m.skipPaths {
		if path == p {
			return true
		}
		prefix := strings.TrimSuffix(p, "/") + "/"
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ClientIdentifier derives the rate limit identity for one request:
// first X-Forwarded-For hop, then X-Real-IP, then the remote host.
func ClientIdentifier(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// responseWriter captures status code and body size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

// Flush keeps streaming handlers working behind the wrapper.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets websocket upgrades take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.wroteHeader = true
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
