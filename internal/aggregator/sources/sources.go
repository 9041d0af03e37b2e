// Package sources adapts each upstream provider's JSON payloads to the
// series and analytics types. Adapters validate only the fields they use.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/web3-frozen/market-aggregator/internal/fetch"
)

// Policy is how one adapter call reaches its upstream. Retries apply only
// when a single base URL is configured; otherwise the base URLs form an
// ordered fallback chain.
type Policy struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

func get(ctx context.Context, f *fetch.Fetcher, p Policy, cands []fetch.Request) (*fetch.Response, error) {
	if p.Retries > 0 && len(cands) == 1 {
		return f.FetchWithRetry(ctx, cands[0], p.Retries, p.Backoff, p.Timeout)
	}
	return f.FetchFirstSuccess(ctx, cands, p.Timeout)
}

// candidates builds one request per base URL, named by host so breakers and
// cooldowns are shared by every path on the same upstream.
func candidates(bases []string, pathAndQuery string, header map[string]string) []fetch.Request {
	out := make([]fetch.Request, 0, len(bases))
	for _, base := range bases {
		req := fetch.Request{Name: hostName(base), URL: strings.TrimRight(base, "/") + pathAndQuery}
		if len(header) > 0 {
			req.Header = make(map[string][]string, len(header))
			for k, v := range header {
				req.Header.Set(k, v)
			}
		}
		out = append(out, req)
	}
	return out
}

func hostName(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	return u.Host
}

func decode(resp *fetch.Response, v any) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fetch.Malformed(resp.Source, err)
	}
	return nil
}

// number accepts a finite JSON number or numeric string.
func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	case float64:
		f = n
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(n), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// FormatUSD renders a price with thousands separators.
func FormatUSD(v float64) string {
	if v >= 1_000 {
		intPart := fmt.Sprintf("%.2f", v)
		parts := strings.SplitN(intPart, ".", 2)
		n := len(parts[0])
		var result []byte
		for i, c := range parts[0] {
			if i > 0 && (n-i)%3 == 0 {
				result = append(result, ',')
			}
			result = append(result, byte(c))
		}
		if len(parts) == 2 {
			return string(result) + "." + parts[1]
		}
		return string(result)
	}
	return fmt.Sprintf("%.4f", v)
}
