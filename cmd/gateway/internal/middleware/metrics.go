package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/droverhq/drover/internal/metrics"
)

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Named records request count and latency under an explicit handler label.
// Mux patterns are not visible to wrapping middleware, so each route names
// itself at registration.
func Named(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		metrics.RecordHTTPRequest(handler, r.Method, strconv.Itoa(sw.status), time.Since(start).Seconds())
	})
}
