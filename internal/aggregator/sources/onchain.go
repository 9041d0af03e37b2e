package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/web3-frozen/market-aggregator/internal/config"
	"github.com/web3-frozen/market-aggregator/internal/fetch"
	"github.com/web3-frozen/market-aggregator/internal/series"
)

// Onchain reads daily metric series from an on-chain analytics provider.
// Field names come from declared schemas, never from the payload itself.
type Onchain struct {
	fetcher *fetch.Fetcher
	bases   []string
	header  map[string]string
}

func NewOnchain(f *fetch.Fetcher, bases []string, apiKeyHeader, apiKey string) *Onchain {
	o := &Onchain{fetcher: f, bases: bases}
	if apiKey != "" && apiKeyHeader != "" {
		o.header = map[string]string{apiKeyHeader: apiKey}
	}
	return o
}

// Series fetches and decodes one schema. Rows missing the date or value are
// skipped; a payload with no usable row is malformed.
func (o *Onchain) Series(ctx context.Context, p Policy, schema config.SeriesSchema) ([]series.Sample, string, error) {
	resp, err := get(ctx, o.fetcher, p, candidates(o.bases, schema.Path, o.header))
	if err != nil {
		return nil, "", err
	}
	samples, err := DecodeSeries(resp.Body, schema)
	if err != nil {
		return nil, resp.Source, fetch.Malformed(resp.Source, err)
	}
	return samples, resp.Source, nil
}

var errNoRows = errors.New("no rows with the declared fields")

// DecodeSeries decodes either a top-level array of objects or an object
// whose "data" field is such an array.
func DecodeSeries(body []byte, schema config.SeriesSchema) ([]series.Sample, error) {
	rows, err := rowsOf(body)
	if err != nil {
		return nil, err
	}

	out := make([]series.Sample, 0, len(rows))
	for _, row := range rows {
		d, ok := parseDate(row[schema.DateField], schema.DateFormat)
		if !ok {
			continue
		}
		v, ok := number(row[schema.ValueField])
		if !ok {
			continue
		}
		out = append(out, series.Sample{Date: d, Value: v})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", schema.DateField, schema.ValueField, errNoRows)
	}
	return series.Normalize(out), nil
}

func rowsOf(body []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if obj, ok := raw.(map[string]any); ok {
		raw = obj["data"]
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.New("payload is not a list of rows")
	}
	rows := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return rows, nil
}

func parseDate(v any, layout string) (time.Time, bool) {
	switch layout {
	case "unix", "unixms":
		n, ok := number(v)
		if !ok {
			return time.Time{}, false
		}
		if layout == "unixms" {
			return series.Day(time.UnixMilli(int64(n))), true
		}
		return series.Day(time.Unix(int64(n), 0)), true
	}
	s, ok := v.(string)
	if !ok {
		if n, isNum := v.(json.Number); isNum {
			s = n.String()
		} else {
			return time.Time{}, false
		}
	}
	if layout == "" {
		layout = "2006-01-02"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, false
	}
	return series.Day(t), true
}
