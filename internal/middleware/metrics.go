// internal/middleware/metrics.go
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/smsleopard-dispatcher/internal/metrics"
)

// Metrics records request counts and latency by chi route pattern, and logs
// each request.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		metrics.HttpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		metrics.HttpRequestDuration.WithLabelValues(route, r.Method).Observe(duration.Seconds())

		logrus.WithFields(logrus.Fields{
			"method":      r.Method,
			"route":       route,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
			"request_id":  chimw.GetReqID(r.Context()),
		}).Info("http request")
	})
}
