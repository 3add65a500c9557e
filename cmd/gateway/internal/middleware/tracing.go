package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// contextKey is the key type for values this package attaches to requests.
type contextKey string

// TraceIDKey and SpanIDKey hold the identifiers attached by TracingMiddleware.
const (
	TraceIDKey contextKey = "trace_id"
	SpanIDKey  contextKey = "span_id"
)

// TracingMiddleware attaches trace identifiers to every request, honoring
// inbound W3C traceparent, X-Trace-ID and X-Request-ID headers before
// generating fresh ones.
type TracingMiddleware struct {
	logger *zap.Logger
}

// NewTracingMiddleware creates a new tracing middleware.
func NewTracingMiddleware(logger *zap.Logger) *TracingMiddleware {
	return &TracingMiddleware{logger: logger}
}

// Middleware returns the HTTP middleware function.
func (tm *TracingMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		traceID := tm.extractTraceID(r)
		if traceID == "" {
			traceID = tm.generateTraceID()
		}
		spanID := tm.generateSpanID()

		ctx = context.WithValue(ctx, TraceIDKey, traceID)
		ctx = context.WithValue(ctx, SpanIDKey, spanID)

		w.Header().Set("X-Trace-ID", traceID)
		w.Header().Set("X-Span-ID", spanID)

		tm.logger.Debug("Request received",
			zap.String("trace_id", traceID),
			zap.String("span_id", spanID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractTraceID pulls a trace ID from the request headers.
func (tm *TracingMiddleware) extractTraceID(r *http.Request) string {
	// traceparent is version-traceid-spanid-flags
	if traceparent := r.Header.Get("traceparent"); traceparent != "" {
		parts := strings.Split(traceparent, "-")
		if len(parts) >= 2 {
			return parts[1]
		}
	}

	if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
		return traceID
	}

	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		return requestID
	}

	return ""
}

func (tm *TracingMiddleware) generateTraceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (tm *TracingMiddleware) generateSpanID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String()[:16], "-", "")
}
