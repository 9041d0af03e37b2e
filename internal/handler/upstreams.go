package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/web3-frozen/market-aggregator/internal/store"
)

const (
	defaultAttemptLimit = 50
	maxAttemptLimit     = 500
	defaultHealthWindow = time.Hour
	maxHealthWindow     = 7 * 24 * time.Hour
)

// AttemptReader reads the upstream attempt audit log.
type AttemptReader interface {
	ListRecentAttempts(ctx context.Context, source string, limit int) ([]store.UpstreamAttempt, error)
	SourceHealthSince(ctx context.Context, window time.Duration) ([]store.SourceHealth, error)
}

// Upstreams reports per-source health over a window plus the newest attempts.
// Query: source, limit (1-500), window (Go duration, up to 168h).
func Upstreams(a AttemptReader) http.HandlerFunc {
	type response struct {
		Window string                  `json:"window"`
		Health []store.SourceHealth    `json:"health"`
		Recent []store.UpstreamAttempt `json:"recent"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusServiceUnavailable, "attempt log not configured")
			return
		}

		q := r.URL.Query()
		limit := defaultAttemptLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxAttemptLimit {
				writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
				return
			}
			limit = n
		}
		window := defaultHealthWindow
		if v := q.Get("window"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 || d > maxHealthWindow {
				writeError(w, http.StatusBadRequest, "invalid window")
				return
			}
			window = d
		}

		health, err := a.SourceHealthSince(r.Context(), window)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read source health")
			return
		}
		recent, err := a.ListRecentAttempts(r.Context(), q.Get("source"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list attempts")
			return
		}
		if health == nil {
			health = []store.SourceHealth{}
		}
		if recent == nil {
			recent = []store.UpstreamAttempt{}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(response{Window: window.String(), Health: health, Recent: recent})
	}
}
