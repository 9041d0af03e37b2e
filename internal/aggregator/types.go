package aggregator

import (
	"time"

	"github.com/web3-frozen/market-aggregator/internal/analytics"
	"github.com/web3-frozen/market-aggregator/internal/series"
)

// Price is the reconciled BTC price history.
type Price struct {
	Interval    string        `json:"interval"`
	Series      series.Series `json:"series"`
	Latest      float64       `json:"latest"`
	ATH         float64       `json:"ath"`
	ATHDate     string        `json:"athDate,omitempty"`
	DrawdownPct float64       `json:"drawdownPct"`
	HandoffDate string        `json:"handoffDate,omitempty"`
}

// OpenInterest is futures open interest with the live reading appended.
type OpenInterest struct {
	Interval     string        `json:"interval"`
	Series       series.Series `json:"series"`
	Latest       float64       `json:"latest"`
	LatestAt     time.Time     `json:"latestAt"`
	ChangePct24h *float64      `json:"changePct24h,omitempty"`
}

// MaxPain is the options book summary for one expiry.
type MaxPain struct {
	Expiry       string   `json:"expiry"`
	ExpiresAt    string   `json:"expiresAt"`
	Expiries     []string `json:"expiries"`
	CallOI       float64  `json:"callOpenInterest"`
	PutOI        float64  `json:"putOpenInterest"`
	PutCallRatio *float64 `json:"putCallRatio,omitempty"`
	analytics.MaxPainResult
}

// Hashrate is network hashrate in EH/s with the monthly difficulty it was
// derived from where available.
type Hashrate struct {
	Interval          string        `json:"interval"`
	Series            series.Series `json:"series"`
	Latest            float64       `json:"latest"`
	CurrentDifficulty float64       `json:"currentDifficulty"`
	HandoffDate       string        `json:"handoffDate,omitempty"`
}

// Cohorts is the combined per-cohort balance history. Missing counts the
// dates on which a cohort had no upstream value and was filled with zero.
type Cohorts struct {
	Interval string         `json:"interval"`
	Cohorts  []string       `json:"cohorts"`
	Series   series.Series  `json:"series"`
	Missing  map[string]int `json:"missing"`
}

// ExchangeFlows is daily or weekly exchange netflow and reserve.
type ExchangeFlows struct {
	Interval string        `json:"interval"`
	Series   series.Series `json:"series"`
}

// Holders is the latest cohort distribution against circulating supply.
type Holders struct {
	Date     string             `json:"date"`
	Balances map[string]float64 `json:"balances"`
	Shares   map[string]float64 `json:"sharePct"`
	Total    float64            `json:"total"`
	Supply   SupplySnapshot     `json:"supply"`
}

// Valuation aligns MVRV, NUPL, Puell multiple and SOPR by date.
type Valuation struct {
	Interval string             `json:"interval"`
	Metrics  []string           `json:"metrics"`
	Series   series.Series      `json:"series"`
	Latest   map[string]float64 `json:"latest"`
}
