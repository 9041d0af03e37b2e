package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/web3-frozen/market-aggregator/internal/analytics"
	"github.com/web3-frozen/market-aggregator/internal/fetch"
	"github.com/web3-frozen/market-aggregator/internal/series"
)

type mempoolHashrate struct {
	Timestamp   int64   `json:"timestamp"`
	AvgHashrate float64 `json:"avgHashrate"`
}

type mempoolHashrateResp struct {
	Hashrates         []mempoolHashrate `json:"hashrates"`
	CurrentHashrate   float64           `json:"currentHashrate"`
	CurrentDifficulty float64           `json:"currentDifficulty"`
}

// Mempool reads difficulty and hashrate history from a mempool.space
// compatible explorer. Mirrors are tried in order.
type Mempool struct {
	fetcher *fetch.Fetcher
	bases   []string
}

func NewMempool(f *fetch.Fetcher, bases []string) *Mempool {
	return &Mempool{fetcher: f, bases: bases}
}

// DifficultyAdjustments returns every retarget since genesis. Rows are
// [timestamp, height, difficulty, change].
func (m *Mempool) DifficultyAdjustments(ctx context.Context, p Policy) ([]analytics.DifficultyAdjustment, string, error) {
	resp, err := get(ctx, m.fetcher, p, candidates(m.bases, "/api/v1/mining/difficulty-adjustments/all", nil))
	if err != nil {
		return nil, "", err
	}

	var rows [][]any
	if err := decode(resp, &rows); err != nil {
		return nil, resp.Source, err
	}
	out := make([]analytics.DifficultyAdjustment, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		ts, ok1 := number(row[0])
		height, ok2 := number(row[1])
		diff, ok3 := number(row[2])
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		out = append(out, analytics.DifficultyAdjustment{
			Time:       time.Unix(int64(ts), 0).UTC(),
			Height:     int64(height),
			Difficulty: diff,
		})
	}
	if len(out) == 0 {
		return nil, resp.Source, fetch.Malformed(resp.Source, fmt.Errorf("no usable adjustments in %d rows", len(rows)))
	}
	return out, resp.Source, nil
}

// Hashrate3Y returns daily average hashrate in EH/s over three years.
func (m *Mempool) Hashrate3Y(ctx context.Context, p Policy) ([]series.Sample, string, error) {
	resp, err := get(ctx, m.fetcher, p, candidates(m.bases, "/api/v1/mining/hashrate/3y", nil))
	if err != nil {
		return nil, "", err
	}

	var hr mempoolHashrateResp
	if err := decode(resp, &hr); err != nil {
		return nil, resp.Source, err
	}
	out := make([]series.Sample, 0, len(hr.Hashrates))
	for _, h := range hr.Hashrates {
		if h.Timestamp == 0 || h.AvgHashrate <= 0 {
			continue
		}
		out = append(out, series.Sample{Date: time.Unix(h.Timestamp, 0), Value: analytics.ToExahash(h.AvgHashrate)})
	}
	if len(out) == 0 {
		return nil, resp.Source, fetch.Malformed(resp.Source, fmt.Errorf("no usable hashrate rows in %d", len(hr.Hashrates)))
	}
	return series.Normalize(out), resp.Source, nil
}

// TipHeight returns the current block height.
func (m *Mempool) TipHeight(ctx context.Context, p Policy) (int64, string, error) {
	resp, err := get(ctx, m.fetcher, p, candidates(m.bases, "/api/blocks/tip/height", nil))
	if err != nil {
		return 0, "", err
	}
	var height int64
	if err := decode(resp, &height); err != nil {
		return 0, resp.Source, err
	}
	if height <= 0 {
		return 0, resp.Source, fetch.Malformed(resp.Source, fmt.Errorf("tip height %d", height))
	}
	return height, resp.Source, nil
}
