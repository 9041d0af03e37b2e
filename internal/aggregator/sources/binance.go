package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/web3-frozen/market-aggregator/internal/fetch"
	"github.com/web3-frozen/market-aggregator/internal/series"
)

const (
	klineLimit = 1000
	oiHistDays = 30
)

type binanceTickerResp struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type binanceOIHist struct {
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

type binanceOI struct {
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

// Binance reads spot prices and USDT-margined futures open interest from the
// Binance public API.
type Binance struct {
	fetcher *fetch.Fetcher
	spot    []string
	futures []string
	symbol  string
}

func NewBinance(f *fetch.Fetcher, spot, futures []string, symbol string) *Binance {
	if symbol == "" {
		symbol = "BTCUSDT"
	}
	return &Binance{fetcher: f, spot: spot, futures: futures, symbol: strings.ToUpper(symbol)}
}

// FetchPrice returns the current spot price of the configured symbol.
func (b *Binance) FetchPrice(ctx context.Context, p Policy) (float64, string, error) {
	resp, err := get(ctx, b.fetcher, p, candidates(b.spot, "/api/v3/ticker/price?symbol="+b.symbol, nil))
	if err != nil {
		return 0, "", err
	}

	var ticker binanceTickerResp
	if err := decode(resp, &ticker); err != nil {
		return 0, resp.Source, err
	}
	price, ok := number(ticker.Price)
	if !ok || price <= 0 {
		return 0, resp.Source, fetch.Malformed(resp.Source, fmt.Errorf("ticker price %q", ticker.Price))
	}
	return price, resp.Source, nil
}

// DailyCloses returns up to the last 1000 daily closes.
func (b *Binance) DailyCloses(ctx context.Context, p Policy) ([]series.Sample, string, error) {
	path := fmt.Sprintf("/api/v3/klines?symbol=%s&interval=1d&limit=%d", b.symbol, klineLimit)
	resp, err := get(ctx, b.fetcher, p, candidates(b.spot, path, nil))
	if err != nil {
		return nil, "", err
	}

	var rows [][]any
	if err := decode(resp, &rows); err != nil {
		return nil, resp.Source, err
	}
	out := make([]series.Sample, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		openTime, ok := number(row[0])
		if !ok {
			continue
		}
		closePrice, ok := number(row[4])
		if !ok || closePrice <= 0 {
			continue
		}
		out = append(out, series.Sample{Date: time.UnixMilli(int64(openTime)), Value: closePrice})
	}
	if len(out) == 0 {
		return nil, resp.Source, fetch.Malformed(resp.Source, fmt.Errorf("no usable klines in %d rows", len(rows)))
	}
	return series.Normalize(out), resp.Source, nil
}

// OpenInterestHistory returns daily open interest in contracts and in USD
// for the last 30 days, keyed "openInterest" and "openInterestUsd".
func (b *Binance) OpenInterestHistory(ctx context.Context, p Policy) (series.Series, string, error) {
	path := fmt.Sprintf("/futures/data/openInterestHist?symbol=%s&period=1d&limit=%d", b.symbol, oiHistDays)
	resp, err := get(ctx, b.fetcher, p, candidates(b.futures, path, nil))
	if err != nil {
		return nil, "", err
	}

	var rows []binanceOIHist
	if err := decode(resp, &rows); err != nil {
		return nil, resp.Source, err
	}
	coins := make([]series.Sample, 0, len(rows))
	usd := make([]series.Sample, 0, len(rows))
	for _, r := range rows {
		oi, ok1 := number(r.SumOpenInterest)
		val, ok2 := number(r.SumOpenInterestValue)
		if !ok1 || !ok2 || oi < 0 || val < 0 || r.Timestamp == 0 {
			continue
		}
		d := time.UnixMilli(r.Timestamp)
		coins = append(coins, series.Sample{Date: d, Value: oi})
		usd = append(usd, series.Sample{Date: d, Value: val})
	}
	if len(coins) == 0 {
		return nil, resp.Source, fetch.Malformed(resp.Source, fmt.Errorf("no usable open interest rows in %d", len(rows)))
	}
	s, err := series.Align(map[string][]series.Sample{"openInterest": coins, "openInterestUsd": usd})
	return s, resp.Source, err
}

// OpenInterest returns the current open interest in contracts.
func (b *Binance) OpenInterest(ctx context.Context, p Policy) (series.Sample, string, error) {
	resp, err := get(ctx, b.fetcher, p, candidates(b.futures, "/fapi/v1/openInterest?symbol="+b.symbol, nil))
	if err != nil {
		return series.Sample{}, "", err
	}

	var cur binanceOI
	if err := decode(resp, &cur); err != nil {
		return series.Sample{}, resp.Source, err
	}
	oi, ok := number(cur.OpenInterest)
	if !ok || oi < 0 || cur.Time == 0 {
		return series.Sample{}, resp.Source, fetch.Malformed(resp.Source, fmt.Errorf("open interest %q at %d", cur.OpenInterest, cur.Time))
	}
	return series.Sample{Date: time.UnixMilli(cur.Time).UTC(), Value: oi}, resp.Source, nil
}
