package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/web3-frozen/market-aggregator/internal/envelope"
	"github.com/web3-frozen/market-aggregator/internal/metrics"
)

// Metrics records request counts and latency per chi route pattern. Routes
// that answer with a data envelope are also counted by envelope status, so a
// stale-but-200 response is distinguishable from a fresh one.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			metrics.HTTPRequestsInFlight.Inc()
			defer metrics.HTTPRequestsInFlight.Dec()

			rw := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.code())).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			if ds := rw.dataStatus(); ds != "" {
				metrics.HTTPDataStatusTotal.WithLabelValues(route, ds).Inc()
			}
		})
	}
}

func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unknown"
}

// responseRecorder keeps the status code and the envelope status header as
// they were when the header was flushed.
type responseRecorder struct {
	http.ResponseWriter
	status int
	data   string
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
		rr.data = rr.Header().Get(envelope.StatusHeader)
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.WriteHeader(http.StatusOK)
	}
	return rr.ResponseWriter.Write(b)
}

func (rr *responseRecorder) code() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

func (rr *responseRecorder) dataStatus() string {
	if rr.status == 0 {
		return rr.Header().Get(envelope.StatusHeader)
	}
	return rr.data
}
