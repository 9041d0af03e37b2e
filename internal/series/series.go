// Package series aligns, downsamples, gap-fills and splices daily time series
// coming from different upstreams. Every function is pure and returns a new
// slice; inputs are never mutated.
package series

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInsufficientData means a reconciler received nothing usable.
var ErrInsufficientData = errors.New("insufficient data")

const dayLayout = "2006-01-02"

// Sample is a single-valued observation from one upstream.
type Sample struct {
	Date  time.Time
	Value float64
}

// Point is one calendar day of reconciled metrics.
type Point struct {
	Date    time.Time
	Metrics map[string]float64
}

// Series is a list of points with unique dates in ascending order.
type Series []Point

type pointJSON struct {
	Date    string             `json:"date"`
	Metrics map[string]float64 `json:"metrics"`
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointJSON{Date: p.Date.Format(dayLayout), Metrics: p.Metrics})
}

func (p *Point) UnmarshalJSON(b []byte) error {
	var raw pointJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d, err := time.Parse(dayLayout, raw.Date)
	if err != nil {
		return fmt.Errorf("point date: %w", err)
	}
	p.Date = d
	p.Metrics = raw.Metrics
	return nil
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	return time.Parse(dayLayout, s)
}

// Normalize truncates sample dates to days, sorts ascending and keeps the
// last observation when a day repeats.
func Normalize(in []Sample) []Sample {
	out := make([]Sample, len(in))
	for i, s := range in {
		out[i] = Sample{Date: Day(s.Date), Value: s.Value}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })

	n := 0
	for i := range out {
		if n > 0 && out[n-1].Date.Equal(out[i].Date) {
			out[n-1] = out[i]
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}

// FromSamples builds a single-metric series.
func FromSamples(metric string, in []Sample) Series {
	in = Normalize(in)
	out := make(Series, len(in))
	for i, s := range in {
		out[i] = Point{Date: s.Date, Metrics: map[string]float64{metric: s.Value}}
	}
	return out
}

// Samples extracts one metric, skipping points that do not carry it.
func Samples(s Series, metric string) []Sample {
	out := make([]Sample, 0, len(s))
	for _, p := range s {
		if v, ok := p.Metrics[metric]; ok {
			out = append(out, Sample{Date: p.Date, Value: v})
		}
	}
	return out
}

// Latest returns the last point of s.
func Latest(s Series) (Point, bool) {
	if len(s) == 0 {
		return Point{}, false
	}
	return s[len(s)-1], true
}

// Handoff splices a long-range source a with a denser source b: every point
// of a strictly before b's first date, then all of b. b wins wherever it
// has coverage.
func Handoff(a, b []Sample) ([]Sample, error) {
	a, b = Normalize(a), Normalize(b)
	switch {
	case len(a) == 0 && len(b) == 0:
		return nil, ErrInsufficientData
	case len(b) == 0:
		return a, nil
	case len(a) == 0:
		return b, nil
	}

	boundary := b[0].Date
	out := make([]Sample, 0, len(a)+len(b))
	for _, s := range a {
		if !s.Date.Before(boundary) {
			break
		}
		out = append(out, s)
	}
	return append(out, b...), nil
}

// HandoffSeries is Handoff for multi-metric series. Points are assumed
// ascending, as every function in this package produces them.
func HandoffSeries(a, b Series) (Series, error) {
	switch {
	case len(a) == 0 && len(b) == 0:
		return nil, ErrInsufficientData
	case len(b) == 0:
		return clone(a), nil
	case len(a) == 0:
		return clone(b), nil
	}

	boundary := b[0].Date
	out := make(Series, 0, len(a)+len(b))
	for _, p := range a {
		if !p.Date.Before(boundary) {
			break
		}
		out = append(out, copyPoint(p))
	}
	for _, p := range b {
		out = append(out, copyPoint(p))
	}
	return out, nil
}

// CombineCohorts joins per-cohort series by exact date. A cohort missing on
// a date contributes zero; rows whose cross-cohort sum is not positive are
// dropped as corrupt.
func CombineCohorts(cohorts map[string][]Sample) (Series, error) {
	names := sortedKeys(cohorts)
	byDate := make(map[time.Time]map[string]float64)
	for _, name := range names {
		for _, s := range Normalize(cohorts[name]) {
			row, ok := byDate[s.Date]
			if !ok {
				row = make(map[string]float64, len(names))
				byDate[s.Date] = row
			}
			row[name] = s.Value
		}
	}

	out := make(Series, 0, len(byDate))
	for _, d := range sortedDates(byDate) {
		row := byDate[d]
		var sum float64
		metrics := make(map[string]float64, len(names))
		for _, name := range names {
			v := row[name]
			metrics[name] = v
			sum += v
		}
		if sum <= 0 {
			continue
		}
		out = append(out, Point{Date: d, Metrics: metrics})
	}
	if len(out) == 0 {
		return nil, ErrInsufficientData
	}
	return out, nil
}

// Align outer-joins named sample sets by date. Unlike CombineCohorts it does
// not zero-fill: a metric absent on a date is absent from that point.
func Align(named map[string][]Sample) (Series, error) {
	byDate := make(map[time.Time]map[string]float64)
	for name, samples := range named {
		for _, s := range Normalize(samples) {
			row, ok := byDate[s.Date]
			if !ok {
				row = make(map[string]float64, len(named))
				byDate[s.Date] = row
			}
			row[name] = s.Value
		}
	}
	if len(byDate) == 0 {
		return nil, ErrInsufficientData
	}

	out := make(Series, 0, len(byDate))
	for _, d := range sortedDates(byDate) {
		out = append(out, Point{Date: d, Metrics: byDate[d]})
	}
	return out, nil
}

// RollupWeekly partitions s into consecutive chunks of seven points by
// position. Flow fields are summed over the chunk; level fields take the
// value of the chunk's last member that carries them. A chunk is dated by
// its first member. A trailing partial chunk is kept.
func RollupWeekly(s Series, flowFields, levelFields []string) Series {
	const chunk = 7
	out := make(Series, 0, (len(s)+chunk-1)/chunk)
	for start := 0; start < len(s); start += chunk {
		end := start + chunk
		if end > len(s) {
			end = len(s)
		}
		members := s[start:end]

		metrics := make(map[string]float64, len(flowFields)+len(levelFields))
		for _, f := range flowFields {
			var sum float64
			seen := false
			for _, p := range members {
				if v, ok := p.Metrics[f]; ok {
					sum += v
					seen = true
				}
			}
			if seen {
				metrics[f] = sum
			}
		}
		for _, f := range levelFields {
			for i := len(members) - 1; i >= 0; i-- {
				if v, ok := members[i].Metrics[f]; ok {
					metrics[f] = v
					break
				}
			}
		}
		out = append(out, Point{Date: members[0].Date, Metrics: metrics})
	}
	return out
}

func clone(s Series) Series {
	out := make(Series, len(s))
	for i, p := range s {
		out[i] = copyPoint(p)
	}
	return out
}

func copyPoint(p Point) Point {
	m := make(map[string]float64, len(p.Metrics))
	for k, v := range p.Metrics {
		m[k] = v
	}
	return Point{Date: p.Date, Metrics: m}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedDates[V any](m map[time.Time]V) []time.Time {
	dates := make([]time.Time, 0, len(m))
	for d := range m {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}
