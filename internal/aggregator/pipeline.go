package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/web3-frozen/market-aggregator/internal/envelope"
	"github.com/web3-frozen/market-aggregator/internal/fetch"
	"github.com/web3-frozen/market-aggregator/internal/freshness"
	"github.com/web3-frozen/market-aggregator/internal/metrics"
	"github.com/web3-frozen/market-aggregator/internal/series"
)

const (
	msgServingStale   = "upstream unavailable, serving cached data"
	msgServingExpired = "upstream unavailable, serving last known data"
	msgUnavailable    = "all upstreams failed and no cached data exists"
	msgNoData         = "upstreams returned no usable data"
	msgMalformed      = "upstream returned an unexpected payload"
)

// Loader produces a fresh value and names the upstream(s) it came from.
type Loader[T any] func(ctx context.Context) (T, string, error)

type stamped[T any] struct {
	Value  T
	Source string
}

// Pipeline serves one data domain: cache lookup, a single shared upstream
// load per key on miss or staleness, and tiered fallback on failure.
type Pipeline[T any] struct {
	domain string
	cache  *freshness.Cache[stamped[T]]
	group  singleflight.Group
	logger *slog.Logger
}

// NewPipeline builds a pipeline whose cache uses the given windows.
func NewPipeline[T any](domain string, fresh, stale time.Duration, logger *slog.Logger, opts ...freshness.Option) (*Pipeline[T], error) {
	opts = append([]freshness.Option{freshness.WithObserver(metrics.CacheObserver(domain))}, opts...)
	c, err := freshness.New[stamped[T]](fresh, stale, opts...)
	if err != nil {
		return nil, err
	}
	return &Pipeline[T]{domain: domain, cache: c, logger: logger.With("domain", domain)}, nil
}

// Domain returns the pipeline's domain name.
func (p *Pipeline[T]) Domain() string { return p.domain }

// Serve returns the freshest value it can for key. It never returns an
// error: failures surface as a stale or unavailable envelope.
func (p *Pipeline[T]) Serve(ctx context.Context, key string, load Loader[T]) envelope.Envelope[T] {
	env := p.serve(ctx, key, load)
	metrics.EnvelopesTotal.WithLabelValues(p.domain, string(env.Status)).Inc()
	return env
}

func (p *Pipeline[T]) serve(ctx context.Context, key string, load Loader[T]) envelope.Envelope[T] {
	hit, ok := p.cache.Get(key)
	if ok && hit.State == freshness.StateFresh {
		return envelope.OK(hit.Value.Value, hit.AsOf, hit.Value.Source)
	}

	v, at, err := p.refresh(ctx, key, load)
	if err == nil {
		return envelope.OK(v.Value, at, v.Source)
	}
	p.logFailure(key, err)

	if ok {
		return envelope.Stale(hit.Value.Value, hit.AsOf, hit.Value.Source, msgServingStale)
	}
	if last, found := p.cache.GetAnyAge(key); found {
		return envelope.Stale(last.Value.Value, last.AsOf, last.Value.Source, msgServingExpired)
	}
	return envelope.Unavailable[T](p.domain, failureMessage(err))
}

type loaded[T any] struct {
	v  stamped[T]
	at time.Time
}

// refresh runs load once per key no matter how many callers are waiting.
// The shared load is detached from any single caller's cancellation; the
// fetcher's per-attempt timeouts bound it.
func (p *Pipeline[T]) refresh(ctx context.Context, key string, load Loader[T]) (stamped[T], time.Time, error) {
	ch := p.group.DoChan(key, func() (any, error) {
		value, source, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s := stamped[T]{Value: value, Source: source}
		at := p.cache.Put(key, s)
		metrics.LastSuccess.WithLabelValues(p.domain).Set(float64(at.Unix()))
		metrics.CacheEntries.WithLabelValues(p.domain).Set(float64(p.cache.Len()))
		return loaded[T]{v: s, at: at}, nil
	})

	select {
	case <-ctx.Done():
		return stamped[T]{}, time.Time{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return stamped[T]{}, time.Time{}, res.Err
		}
		l := res.Val.(loaded[T])
		return l.v, l.at, nil
	}
}

func (p *Pipeline[T]) logFailure(key string, err error) {
	if errors.Is(err, fetch.ErrMalformedPayload) || errors.Is(err, series.ErrInsufficientData) {
		p.logger.Error("load failed", "key", key, "error", err)
		return
	}
	p.logger.Warn("load failed", "key", key, "error", err)
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, fetch.ErrMalformedPayload):
		return msgMalformed
	case errors.Is(err, series.ErrInsufficientData):
		return msgNoData
	default:
		return msgUnavailable
	}
}
