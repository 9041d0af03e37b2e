package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/web3-frozen/market-aggregator/internal/aggregator"
	"github.com/web3-frozen/market-aggregator/internal/config"
	"github.com/web3-frozen/market-aggregator/internal/envelope"
	"github.com/web3-frozen/market-aggregator/internal/series"
)

// Market is the read side of the aggregator consumed by the data routes.
type Market interface {
	Interval(domain, raw string) (series.Bucket, error)
	CacheControl(domain string) envelope.CacheControl

	Price(ctx context.Context, b series.Bucket) envelope.Envelope[aggregator.Price]
	OpenInterest(ctx context.Context, b series.Bucket) envelope.Envelope[aggregator.OpenInterest]
	MaxPain(ctx context.Context, expiry string) (envelope.Envelope[aggregator.MaxPain], error)
	Hashrate(ctx context.Context, b series.Bucket) envelope.Envelope[aggregator.Hashrate]
	Cohorts(ctx context.Context, b series.Bucket) envelope.Envelope[aggregator.Cohorts]
	Holders(ctx context.Context) envelope.Envelope[aggregator.Holders]
	ExchangeFlows(ctx context.Context, b series.Bucket) (envelope.Envelope[aggregator.ExchangeFlows], error)
	Valuation(ctx context.Context, b series.Bucket) envelope.Envelope[aggregator.Valuation]
}

func Price(m Market) http.HandlerFunc {
	return bucketed(m, config.DomainPrice, m.Price)
}

func OpenInterest(m Market) http.HandlerFunc {
	return bucketed(m, config.DomainOpenInterest, m.OpenInterest)
}

func Hashrate(m Market) http.HandlerFunc {
	return bucketed(m, config.DomainHashrate, m.Hashrate)
}

func Cohorts(m Market) http.HandlerFunc {
	return bucketed(m, config.DomainCohorts, m.Cohorts)
}

func Valuation(m Market) http.HandlerFunc {
	return bucketed(m, config.DomainValuation, m.Valuation)
}

func Holders(m Market) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		envelope.Write(w, m.Holders(r.Context()), m.CacheControl(config.DomainCohorts))
	}
}

func MaxPain(m Market) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := m.MaxPain(r.Context(), r.URL.Query().Get("expiry"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		envelope.Write(w, env, m.CacheControl(config.DomainMaxPain))
	}
}

func ExchangeFlows(m Market) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := m.Interval(config.DomainExchangeFlows, r.URL.Query().Get("interval"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		env, err := m.ExchangeFlows(r.Context(), b)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		envelope.Write(w, env, m.CacheControl(config.DomainExchangeFlows))
	}
}

func bucketed[T any](m Market, domain string, serve func(context.Context, series.Bucket) envelope.Envelope[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := m.Interval(domain, r.URL.Query().Get("interval"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		envelope.Write(w, serve(r.Context(), b), m.CacheControl(domain))
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, aggregator.ErrInvalidArgument) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
