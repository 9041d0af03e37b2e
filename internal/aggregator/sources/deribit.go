package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/web3-frozen/market-aggregator/internal/analytics"
	"github.com/web3-frozen/market-aggregator/internal/fetch"
)

type deribitSummary struct {
	InstrumentName string   `json:"instrument_name"`
	OpenInterest   *float64 `json:"open_interest"`
}

type deribitBookResp struct {
	Result []deribitSummary `json:"result"`
}

// Deribit reads option open interest per instrument.
type Deribit struct {
	fetcher  *fetch.Fetcher
	bases    []string
	currency string
}

func NewDeribit(f *fetch.Fetcher, bases []string, currency string) *Deribit {
	if currency == "" {
		currency = "BTC"
	}
	return &Deribit{fetcher: f, bases: bases, currency: strings.ToUpper(currency)}
}

// Instruments returns every option with a parseable name and open interest.
func (d *Deribit) Instruments(ctx context.Context, p Policy) ([]analytics.Instrument, string, error) {
	path := fmt.Sprintf("/api/v2/public/get_book_summary_by_currency?currency=%s&kind=option", d.currency)
	resp, err := get(ctx, d.fetcher, p, candidates(d.bases, path, nil))
	if err != nil {
		return nil, "", err
	}

	var book deribitBookResp
	if err := decode(resp, &book); err != nil {
		return nil, resp.Source, err
	}
	out := make([]analytics.Instrument, 0, len(book.Result))
	for _, s := range book.Result {
		if s.OpenInterest == nil {
			continue
		}
		oi, ok := number(*s.OpenInterest)
		if !ok || oi < 0 {
			continue
		}
		in, err := analytics.ParseDeribitInstrument(s.InstrumentName)
		if err != nil {
			continue
		}
		in.OpenInterest = oi
		out = append(out, in)
	}
	if len(out) == 0 {
		return nil, resp.Source, fetch.Malformed(resp.Source, fmt.Errorf("no usable instruments in %d summaries", len(book.Result)))
	}
	return out, resp.Source, nil
}
