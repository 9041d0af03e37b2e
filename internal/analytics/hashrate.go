package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/web3-frozen/market-aggregator/internal/series"
)

const (
	blockIntervalSeconds = 600
	exa                  = 1e18
)

// DifficultyAdjustment is one retarget event.
type DifficultyAdjustment struct {
	Time       time.Time
	Height     int64
	Difficulty float64
}

// HashrateFromDifficulty returns the implied network hash rate in H/s.
// Non-positive difficulty yields 0.
func HashrateFromDifficulty(difficulty float64) float64 {
	if difficulty <= 0 || math.IsNaN(difficulty) {
		return 0
	}
	return difficulty * math.Pow(2, 32) / blockIntervalSeconds
}

// ToExahash converts H/s to EH/s.
func ToExahash(hashPerSecond float64) float64 {
	return hashPerSecond / exa
}

// MonthlyDifficulty keeps the last adjustment observed in each calendar month
// and carries values forward over months without an adjustment.
func MonthlyDifficulty(events []DifficultyAdjustment) (map[series.Month]float64, error) {
	sorted := make([]DifficultyAdjustment, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	last := make(map[series.Month]float64)
	for _, e := range sorted {
		if e.Difficulty <= 0 {
			continue
		}
		last[series.MonthOf(e.Time)] = e.Difficulty
	}
	return series.CarryForward(last)
}

// MonthlyHashrate turns a monthly difficulty map into an EH/s series dated
// on the first of each month, carrying both metrics.
func MonthlyHashrate(difficulty map[series.Month]float64) series.Series {
	months := series.Months(difficulty)
	out := make(series.Series, 0, len(months))
	for _, m := range months {
		d := difficulty[m]
		out = append(out, series.Point{
			Date: m.Start(),
			Metrics: map[string]float64{
				"difficulty": d,
				"hashrate":   ToExahash(HashrateFromDifficulty(d)),
			},
		})
	}
	return out
}
