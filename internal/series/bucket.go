package series

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Bucket is a calendar granularity used for downsampling.
type Bucket int

const (
	Daily Bucket = iota
	Weekly
	Monthly
)

func (b Bucket) String() string {
	switch b {
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	default:
		return "daily"
	}
}

// ParseBucket accepts daily|weekly|monthly (case-insensitive). An empty
// string yields def.
func ParseBucket(s string, def Bucket) (Bucket, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "daily", "1d":
		return Daily, nil
	case "weekly", "1w":
		return Weekly, nil
	case "monthly", "1m":
		return Monthly, nil
	default:
		return def, fmt.Errorf("unknown interval %q", s)
	}
}

func (b Bucket) key(t time.Time) int {
	t = t.UTC()
	switch b {
	case Weekly:
		y, w := t.ISOWeek()
		return y*100 + w
	case Monthly:
		return t.Year()*100 + int(t.Month())
	default:
		return t.Year()*1000 + t.YearDay()
	}
}

// Downsample keeps the first point of every bucket and discards the rest.
// Applying it twice yields the same series.
func Downsample(s Series, b Bucket) Series {
	out := make(Series, 0, len(s))
	last := -1
	for _, p := range s {
		k := b.key(p.Date)
		if len(out) > 0 && k == last {
			continue
		}
		out = append(out, copyPoint(p))
		last = k
	}
	return out
}

// Month identifies a calendar month.
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the UTC month containing t.
func MonthOf(t time.Time) Month {
	t = t.UTC()
	return Month{Year: t.Year(), Month: t.Month()}
}

// Next returns the following month.
func (m Month) Next() Month {
	if m.Month == time.December {
		return Month{Year: m.Year + 1, Month: time.January}
	}
	return Month{Year: m.Year, Month: m.Month + 1}
}

// Before reports whether m is earlier than o.
func (m Month) Before(o Month) bool {
	if m.Year != o.Year {
		return m.Year < o.Year
	}
	return m.Month < o.Month
}

// Start is the first day of the month, UTC.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// CarryForward fills every month between the earliest and latest known month
// with the most recent known value at or before it.
func CarryForward(known map[Month]float64) (map[Month]float64, error) {
	if len(known) == 0 {
		return nil, ErrInsufficientData
	}

	var first, last Month
	i := 0
	for m := range known {
		if i == 0 || m.Before(first) {
			first = m
		}
		if i == 0 || last.Before(m) {
			last = m
		}
		i++
	}

	out := make(map[Month]float64)
	var carry float64
	for m := first; !last.Before(m); m = m.Next() {
		if v, ok := known[m]; ok {
			carry = v
		}
		out[m] = carry
	}
	return out, nil
}

// Months returns the keys of a month map in ascending order.
func Months[V any](m map[Month]V) []Month {
	out := make([]Month, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
