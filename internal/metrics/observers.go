package metrics

import (
	"github.com/web3-frozen/market-aggregator/internal/fetch"
	"github.com/web3-frozen/market-aggregator/internal/freshness"
)

// FetchObserver records every upstream attempt.
type FetchObserver struct{}

func (FetchObserver) ObserveAttempt(a fetch.Attempt) {
	UpstreamAttemptsTotal.WithLabelValues(a.Source, fetch.Outcome(a.Err)).Inc()
	UpstreamDuration.WithLabelValues(a.Source).Observe(a.Duration.Seconds())
}

// CacheObserver counts lookups for one domain.
type CacheObserver string

func (d CacheObserver) Lookup(s freshness.State) {
	CacheLookupsTotal.WithLabelValues(string(d), s.String()).Inc()
}
