package analytics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// visibleShare is the fraction of the book's largest open interest a strike
// needs to appear in the chart set.
const visibleShare = 0.01

const settlementHour = 8

// ErrEmptyBook is returned when an options book has no strikes.
var ErrEmptyBook = errors.New("options book is empty")

// ErrNonFinite is returned when a strike or open interest is NaN or infinite.
var ErrNonFinite = errors.New("non-finite value in options book")

// Side is the option type.
type Side int

const (
	Call Side = iota
	Put
)

// Instrument is one raw open-interest record.
type Instrument struct {
	Name         string
	Expiry       time.Time
	Strike       float64
	Side         Side
	OpenInterest float64
}

// StrikeInterest aggregates open interest at one strike.
type StrikeInterest struct {
	Strike float64 `json:"strike"`
	CallOI float64 `json:"callOpenInterest"`
	PutOI  float64 `json:"putOpenInterest"`
}

// OptionsBook is a set of strikes for one expiry, ascending by strike.
type OptionsBook []StrikeInterest

// StrikeLoss is the aggregate holder payout if the underlying settles at Strike.
type StrikeLoss struct {
	Strike float64 `json:"strike"`
	Loss   float64 `json:"loss"`
}

// MaxPainResult is the outcome of the strike search.
type MaxPainResult struct {
	Strike  float64          `json:"maxPainStrike"`
	Loss    float64          `json:"minLoss"`
	Losses  []StrikeLoss     `json:"losses"`
	Visible []StrikeInterest `json:"strikes"`
}

// BuildBook filters instruments to one expiry and sums open interest per
// strike and side.
func BuildBook(instruments []Instrument, expiry time.Time) OptionsBook {
	byStrike := make(map[float64]*StrikeInterest)
	for _, in := range instruments {
		if !in.Expiry.Equal(expiry) || !finite(in.OpenInterest) || in.OpenInterest < 0 || !finite(in.Strike) {
			continue
		}
		si, ok := byStrike[in.Strike]
		if !ok {
			si = &StrikeInterest{Strike: in.Strike}
			byStrike[in.Strike] = si
		}
		if in.Side == Call {
			si.CallOI += in.OpenInterest
		} else {
			si.PutOI += in.OpenInterest
		}
	}

	book := make(OptionsBook, 0, len(byStrike))
	for _, si := range byStrike {
		book = append(book, *si)
	}
	sort.Slice(book, func(i, j int) bool { return book[i].Strike < book[j].Strike })
	return book
}

// MaxPain searches every observed strike c for the minimum of
//
//	L(c) = Σ_{s<c} (c-s)·call(s) + Σ_{s>c} (s-c)·put(s)
//
// Ties resolve to the lowest strike. Arithmetic is exact decimal so equal
// losses compare equal.
func MaxPain(book OptionsBook) (MaxPainResult, error) {
	if len(book) == 0 {
		return MaxPainResult{}, ErrEmptyBook
	}
	sorted := make(OptionsBook, len(book))
	copy(sorted, book)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Strike < sorted[j].Strike })

	type row struct{ strike, call, put decimal.Decimal }
	rows := make([]row, len(sorted))
	for i, s := range sorted {
		if !finite(s.Strike) || !finite(s.CallOI) || !finite(s.PutOI) {
			return MaxPainResult{}, fmt.Errorf("strike %v: %w", s.Strike, ErrNonFinite)
		}
		rows[i] = row{
			strike: decimal.NewFromFloat(s.Strike),
			call:   decimal.NewFromFloat(s.CallOI),
			put:    decimal.NewFromFloat(s.PutOI),
		}
	}

	res := MaxPainResult{Losses: make([]StrikeLoss, 0, len(rows))}
	var best decimal.Decimal
	bestIdx := -1
	for i, c := range rows {
		loss := decimal.Zero
		for _, s := range rows {
			switch {
			case s.strike.LessThan(c.strike):
				loss = loss.Add(c.strike.Sub(s.strike).Mul(s.call))
			case s.strike.GreaterThan(c.strike):
				loss = loss.Add(s.strike.Sub(c.strike).Mul(s.put))
			}
		}
		lf, _ := loss.Float64()
		res.Losses = append(res.Losses, StrikeLoss{Strike: sorted[i].Strike, Loss: lf})
		if bestIdx < 0 || loss.LessThan(best) {
			best = loss
			bestIdx = i
		}
	}

	res.Strike = sorted[bestIdx].Strike
	res.Loss, _ = best.Float64()
	res.Visible = VisibleStrikes(sorted)
	return res, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// VisibleStrikes drops strikes whose total open interest is under 1% of the
// book's largest. It only trims what is charted, never the loss search.
func VisibleStrikes(book OptionsBook) []StrikeInterest {
	var maxOI float64
	for _, s := range book {
		if oi := s.CallOI + s.PutOI; oi > maxOI {
			maxOI = oi
		}
	}
	out := make([]StrikeInterest, 0, len(book))
	for _, s := range book {
		if s.CallOI+s.PutOI >= maxOI*visibleShare {
			out = append(out, s)
		}
	}
	return out
}

// ParseDeribitInstrument parses option names such as
// "BTC-27DEC24-100000-C".
func ParseDeribitInstrument(name string) (Instrument, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 4 {
		return Instrument{}, fmt.Errorf("instrument %q: want 4 dash-separated parts", name)
	}
	expiry, err := ParseExpiry(parts[1])
	if err != nil {
		return Instrument{}, fmt.Errorf("instrument %q: %w", name, err)
	}
	strike, err := strconv.ParseFloat(strings.ReplaceAll(parts[2], "d", "."), 64)
	if err != nil || !finite(strike) || strike <= 0 {
		return Instrument{}, fmt.Errorf("instrument %q: bad strike %q", name, parts[2])
	}
	var side Side
	switch parts[3] {
	case "C":
		side = Call
	case "P":
		side = Put
	default:
		return Instrument{}, fmt.Errorf("instrument %q: bad side %q", name, parts[3])
	}
	return Instrument{Name: name, Expiry: expiry, Strike: strike, Side: side}, nil
}

// ParseExpiry parses "27DEC24" or "3JAN25" into 08:00 UTC of that day, the
// usual settlement time.
func ParseExpiry(s string) (time.Time, error) {
	t, err := time.Parse("2Jan06", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("bad expiry %q", s)
	}
	return t.Add(settlementHour * time.Hour), nil
}

// FormatExpiry is the inverse of ParseExpiry.
func FormatExpiry(t time.Time) string {
	return strings.ToUpper(t.UTC().Format("2Jan06"))
}

// Expiries lists distinct expiries in ascending order.
func Expiries(instruments []Instrument) []time.Time {
	seen := make(map[time.Time]struct{})
	var out []time.Time
	for _, in := range instruments {
		if _, ok := seen[in.Expiry]; ok {
			continue
		}
		seen[in.Expiry] = struct{}{}
		out = append(out, in.Expiry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// NearestExpiry returns the earliest expiry that has not settled at now.
func NearestExpiry(instruments []Instrument, now time.Time) (time.Time, bool) {
	for _, e := range Expiries(instruments) {
		if e.After(now) {
			return e, true
		}
	}
	return time.Time{}, false
}
