package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3-frozen/market-aggregator/internal/series"
)

func TestHashrateFromDifficulty(t *testing.T) {
	assert.Zero(t, HashrateFromDifficulty(0))
	assert.Zero(t, HashrateFromDifficulty(-5))
	assert.Zero(t, HashrateFromDifficulty(math.NaN()))

	d := 83_148_355_189_239.77
	h := HashrateFromDifficulty(d)
	assert.InDelta(t, d*4294967296/600, h, 1)
	assert.InDelta(t, 595.2, ToExahash(h), 0.1)
}

func TestMonthlyDifficultyKeepsLastAndCarries(t *testing.T) {
	at := func(s string) time.Time {
		v, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return v
	}
	events := []DifficultyAdjustment{
		{Time: at("2024-01-20T10:00:00Z"), Difficulty: 75},
		{Time: at("2024-01-05T10:00:00Z"), Difficulty: 70},
		{Time: at("2024-04-02T10:00:00Z"), Difficulty: 86},
		{Time: at("2024-04-03T10:00:00Z"), Difficulty: 0},
	}
	got, err := MonthlyDifficulty(events)
	require.NoError(t, err)

	assert.Equal(t, map[series.Month]float64{
		{Year: 2024, Month: time.January}:  75,
		{Year: 2024, Month: time.February}: 75,
		{Year: 2024, Month: time.March}:    75,
		{Year: 2024, Month: time.April}:    86,
	}, got)

	s := MonthlyHashrate(got)
	require.Len(t, s, 4)
	assert.Equal(t, "2024-02-01", s[1].Date.Format("2006-01-02"))
	assert.Equal(t, 75.0, s[1].Metrics["difficulty"])
}

func TestMonthlyDifficultyEmpty(t *testing.T) {
	_, err := MonthlyDifficulty(nil)
	assert.ErrorIs(t, err, series.ErrInsufficientData)
}

func exampleBook() OptionsBook {
	return OptionsBook{
		{Strike: 100000, CallOI: 10, PutOI: 200},
		{Strike: 80000, CallOI: 100, PutOI: 50},
		{Strike: 90000, CallOI: 50, PutOI: 100},
	}
}

func TestMaxPainHandComputed(t *testing.T) {
	res, err := MaxPain(exampleBook())
	require.NoError(t, err)

	assert.Equal(t, []StrikeLoss{
		{Strike: 80000, Loss: 5_000_000},
		{Strike: 90000, Loss: 3_000_000},
		{Strike: 100000, Loss: 2_500_000},
	}, res.Losses)
	assert.Equal(t, 100000.0, res.Strike)
	assert.Equal(t, 2_500_000.0, res.Loss)
}

func TestMaxPainTieGoesToLowestStrike(t *testing.T) {
	book := OptionsBook{
		{Strike: 200, PutOI: 1},
		{Strike: 100, CallOI: 1},
	}
	res, err := MaxPain(book)
	require.NoError(t, err)
	// L(100)=100, L(200)=100
	assert.Equal(t, 100.0, res.Strike)
}

func TestMaxPainEmpty(t *testing.T) {
	_, err := MaxPain(nil)
	assert.ErrorIs(t, err, ErrEmptyBook)
}

func TestVisibleStrikesDoesNotAffectSearch(t *testing.T) {
	book := append(exampleBook(), StrikeInterest{Strike: 150000, CallOI: 0.5})
	res, err := MaxPain(book)
	require.NoError(t, err)

	assert.Len(t, res.Losses, 4)
	assert.Len(t, res.Visible, 3)
	for _, s := range res.Visible {
		assert.NotEqual(t, 150000.0, s.Strike)
	}
}

func TestParseDeribitInstrument(t *testing.T) {
	in, err := ParseDeribitInstrument("BTC-27DEC24-100000-C")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 27, 8, 0, 0, 0, time.UTC), in.Expiry)
	assert.Equal(t, 100000.0, in.Strike)
	assert.Equal(t, Call, in.Side)
	assert.Equal(t, "27DEC24", FormatExpiry(in.Expiry))

	in, err = ParseDeribitInstrument("BTC-3JAN25-95000-P")
	require.NoError(t, err)
	assert.Equal(t, Put, in.Side)
	assert.Equal(t, 3, in.Expiry.Day())

	for _, bad := range []string{"BTC-PERPETUAL", "BTC-27DEC24-abc-C", "BTC-27XYZ24-1000-C", "BTC-27DEC24-1000-X",
		"BTC-27DEC30-Inf-P", "BTC-27DEC30-NaN-C", "BTC-27DEC30--Inf-P", "BTC-27DEC30-0-C"} {
		_, err := ParseDeribitInstrument(bad)
		assert.Error(t, err, bad)
	}
}

func TestNonFiniteValuesNeverReachTheLossSearch(t *testing.T) {
	dec := time.Date(2030, 12, 27, 8, 0, 0, 0, time.UTC)
	book := BuildBook([]Instrument{
		{Expiry: dec, Strike: 100, Side: Call, OpenInterest: 1},
		{Expiry: dec, Strike: 200, Side: Put, OpenInterest: math.NaN()},
		{Expiry: dec, Strike: 300, Side: Put, OpenInterest: math.Inf(1)},
		{Expiry: dec, Strike: math.Inf(1), Side: Put, OpenInterest: 1},
	}, dec)
	require.Len(t, book, 1)
	assert.Equal(t, 100.0, book[0].Strike)

	_, err := MaxPain(OptionsBook{{Strike: math.Inf(1), PutOI: 1}, {Strike: 100, CallOI: 1}})
	assert.ErrorIs(t, err, ErrNonFinite)
	_, err = MaxPain(OptionsBook{{Strike: 100, CallOI: math.NaN()}})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestBuildBookAndNearestExpiry(t *testing.T) {
	dec := time.Date(2024, 12, 27, 8, 0, 0, 0, time.UTC)
	jan := time.Date(2025, 1, 31, 8, 0, 0, 0, time.UTC)
	ins := []Instrument{
		{Expiry: jan, Strike: 90000, Side: Call, OpenInterest: 7},
		{Expiry: dec, Strike: 90000, Side: Call, OpenInterest: 3},
		{Expiry: dec, Strike: 90000, Side: Call, OpenInterest: 2},
		{Expiry: dec, Strike: 90000, Side: Put, OpenInterest: 4},
		{Expiry: dec, Strike: 80000, Side: Put, OpenInterest: 1},
	}

	book := BuildBook(ins, dec)
	assert.Equal(t, OptionsBook{
		{Strike: 80000, PutOI: 1},
		{Strike: 90000, CallOI: 5, PutOI: 4},
	}, book)

	e, ok := NearestExpiry(ins, dec.Add(-time.Hour))
	require.True(t, ok)
	assert.Equal(t, dec, e)

	e, ok = NearestExpiry(ins, dec)
	require.True(t, ok)
	assert.Equal(t, jan, e)

	_, ok = NearestExpiry(ins, jan.Add(time.Hour))
	assert.False(t, ok)
}
