package series

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func dailySamples(from, to string, value func(i int) float64) []Sample {
	var out []Sample
	for d, i := day(from), 0; !d.After(day(to)); d, i = d.AddDate(0, 0, 1), i+1 {
		out = append(out, Sample{Date: d, Value: value(i)})
	}
	return out
}

func assertAscendingUnique(t *testing.T, dates []time.Time) {
	t.Helper()
	for i := 1; i < len(dates); i++ {
		require.True(t, dates[i-1].Before(dates[i]), "dates not strictly ascending at %d: %s >= %s", i, dates[i-1], dates[i])
	}
}

func TestNormalizeSortsAndDedupes(t *testing.T) {
	in := []Sample{
		{Date: day("2024-01-03"), Value: 3},
		{Date: day("2024-01-01").Add(15 * time.Hour), Value: 1},
		{Date: day("2024-01-02"), Value: 2},
		{Date: day("2024-01-01").Add(20 * time.Hour), Value: 1.5},
	}
	out := Normalize(in)
	require.Len(t, out, 3)
	assert.Equal(t, day("2024-01-01"), out[0].Date)
	assert.Equal(t, 1.5, out[0].Value, "last observation of a repeated day wins")
	assert.Equal(t, 3.0, out[2].Value)
	assert.Equal(t, day("2024-01-03"), in[0].Date, "input is not mutated")
}

func TestDownsampleMonthlyKeepsFirst(t *testing.T) {
	s := FromSamples("v", dailySamples("2024-01-15", "2024-04-02", func(i int) float64 { return float64(i) }))
	got := Downsample(s, Monthly)

	require.Len(t, got, 4)
	assert.Equal(t, day("2024-01-15"), got[0].Date)
	assert.Equal(t, day("2024-02-01"), got[1].Date)
	assert.Equal(t, day("2024-03-01"), got[2].Date)
	assert.Equal(t, day("2024-04-01"), got[3].Date)
	assert.Equal(t, 17.0, got[1].Metrics["v"])
}

func TestDownsampleWeeklyUsesISOWeeks(t *testing.T) {
	// 2024-12-30 (Mon) starts ISO week 2025-W01.
	s := FromSamples("v", dailySamples("2024-12-28", "2025-01-06", func(i int) float64 { return float64(i) }))
	got := Downsample(s, Weekly)

	require.Len(t, got, 3)
	assert.Equal(t, day("2024-12-28"), got[0].Date)
	assert.Equal(t, day("2024-12-30"), got[1].Date)
	assert.Equal(t, day("2025-01-06"), got[2].Date)
}

func TestDownsampleIdempotent(t *testing.T) {
	s := FromSamples("v", dailySamples("2023-03-10", "2024-11-20", func(i int) float64 { return float64(i * i) }))
	for _, b := range []Bucket{Daily, Weekly, Monthly} {
		t.Run(b.String(), func(t *testing.T) {
			once := Downsample(s, b)
			twice := Downsample(once, b)
			assert.Equal(t, once, twice)
		})
	}
}

func TestParseBucket(t *testing.T) {
	b, err := ParseBucket("", Weekly)
	require.NoError(t, err)
	assert.Equal(t, Weekly, b)

	b, err = ParseBucket("Monthly", Daily)
	require.NoError(t, err)
	assert.Equal(t, Monthly, b)

	_, err = ParseBucket("hourly", Daily)
	assert.Error(t, err)
}

func TestCarryForwardCompleteness(t *testing.T) {
	known := map[Month]float64{
		{2023, time.November}: 10,
		{2024, time.February}: 20,
		{2024, time.March}:    25,
		{2024, time.July}:     30,
	}
	filled, err := CarryForward(known)
	require.NoError(t, err)

	months := Months(filled)
	require.Len(t, months, 9, "Nov 2023 through Jul 2024")
	assert.Equal(t, Month{2023, time.November}, months[0])
	assert.Equal(t, Month{2024, time.July}, months[len(months)-1])
	for i := 1; i < len(months); i++ {
		assert.Equal(t, months[i-1].Next(), months[i], "no missing month")
	}

	assert.Equal(t, 10.0, filled[Month{2023, time.December}])
	assert.Equal(t, 10.0, filled[Month{2024, time.January}])
	assert.Equal(t, 20.0, filled[Month{2024, time.February}])
	assert.Equal(t, 25.0, filled[Month{2024, time.April}])
	assert.Equal(t, 25.0, filled[Month{2024, time.June}])
	for m, v := range known {
		assert.Equal(t, v, filled[m], "known months keep their value")
	}
}

func TestCarryForwardEmpty(t *testing.T) {
	_, err := CarryForward(nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestMonthNextWrapsYear(t *testing.T) {
	assert.Equal(t, Month{2025, time.January}, Month{2024, time.December}.Next())
	assert.Equal(t, "2024-03", Month{2024, time.March}.String())
	assert.Equal(t, day("2024-03-01"), Month{2024, time.March}.Start())
}

func TestHandoffBoundary(t *testing.T) {
	weekly := Downsample(FromSamples("v", dailySamples("2020-01-01", "2024-06-01", func(int) float64 { return -1 })), Weekly)
	a := Samples(weekly, "v")
	b := dailySamples("2024-02-01", "2024-10-01", func(i int) float64 { return float64(i + 100) })

	merged, err := Handoff(a, b)
	require.NoError(t, err)

	boundary := day("2024-02-01")
	var dates []time.Time
	transition := -1
	for i, s := range merged {
		dates = append(dates, s.Date)
		if !s.Date.Before(boundary) {
			assert.NotEqual(t, -1.0, s.Value, "no A-sourced point on or after %s", boundary.Format(dayLayout))
			if transition < 0 {
				transition = i
			}
		}
	}
	assertAscendingUnique(t, dates)
	require.GreaterOrEqual(t, transition, 1)
	assert.Equal(t, b[0].Value, merged[transition].Value, "transition point is B's first value")
	assert.Equal(t, b[0].Date, merged[transition].Date)
	assert.Equal(t, day("2020-01-01"), merged[0].Date)
}

func TestHandoffEmptyInputs(t *testing.T) {
	a := []Sample{{Date: day("2024-01-01"), Value: 1}}

	got, err := Handoff(a, nil)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, err = Handoff(nil, a)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = Handoff(nil, nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestHandoffSeries(t *testing.T) {
	a := FromSamples("oi", []Sample{{day("2024-01-01"), 1}, {day("2024-01-02"), 2}, {day("2024-01-03"), 3}})
	b := FromSamples("oi", []Sample{{day("2024-01-03"), 30}})

	got, err := HandoffSeries(a, b)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 30.0, got[2].Metrics["oi"])

	got[0].Metrics["oi"] = 99
	assert.Equal(t, 1.0, a[0].Metrics["oi"], "result does not alias input maps")

	_, err = HandoffSeries(nil, nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestCombineCohorts(t *testing.T) {
	cohorts := map[string][]Sample{
		"whales": {
			{day("2024-01-01"), 100},
			{day("2024-01-02"), 110},
			{day("2024-01-04"), 0},
		},
		"shrimp": {
			{day("2024-01-02"), 5},
			{day("2024-01-03"), 6},
			{day("2024-01-04"), 0},
		},
	}
	got, err := CombineCohorts(cohorts)
	require.NoError(t, err)

	require.Len(t, got, 3, "all-zero 2024-01-04 row is dropped")
	assert.Equal(t, day("2024-01-01"), got[0].Date)
	assert.Equal(t, map[string]float64{"whales": 100, "shrimp": 0}, got[0].Metrics)
	assert.Equal(t, map[string]float64{"whales": 110, "shrimp": 5}, got[1].Metrics)
	assert.Equal(t, map[string]float64{"whales": 0, "shrimp": 6}, got[2].Metrics)
}

func TestCombineCohortsAlignsByDateNotIndex(t *testing.T) {
	cohorts := map[string][]Sample{
		"a": {{day("2024-01-01"), 1}, {day("2024-01-02"), 2}},
		"b": {{day("2024-01-02"), 20}},
	}
	got, err := CombineCohorts(cohorts)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0.0, got[0].Metrics["b"])
	assert.Equal(t, 20.0, got[1].Metrics["b"])
}

func TestCombineCohortsNothingUsable(t *testing.T) {
	_, err := CombineCohorts(map[string][]Sample{"a": {{day("2024-01-01"), 0}}})
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = CombineCohorts(nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestAlignDoesNotZeroFill(t *testing.T) {
	got, err := Align(map[string][]Sample{
		"mvrv": {{day("2024-01-01"), 1.5}, {day("2024-01-02"), 1.6}},
		"nupl": {{day("2024-01-02"), 0.4}},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	_, has := got[0].Metrics["nupl"]
	assert.False(t, has)
	assert.Equal(t, 0.4, got[1].Metrics["nupl"])

	_, err = Align(map[string][]Sample{"x": nil})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestRollupWeekly(t *testing.T) {
	var s Series
	for i, d := 0, day("2024-01-01"); i < 16; i, d = i+1, d.AddDate(0, 0, 1) {
		s = append(s, Point{Date: d, Metrics: map[string]float64{
			"netflow": float64(i + 1),
			"reserve": float64(1000 + i),
		}})
	}

	got := RollupWeekly(s, []string{"netflow"}, []string{"reserve"})
	require.Len(t, got, 3)

	assert.Equal(t, day("2024-01-01"), got[0].Date)
	assert.Equal(t, 28.0, got[0].Metrics["netflow"], "1+..+7")
	assert.Equal(t, 1006.0, got[0].Metrics["reserve"], "end-of-chunk level")

	assert.Equal(t, day("2024-01-08"), got[1].Date)
	assert.Equal(t, 77.0, got[1].Metrics["netflow"], "8+..+14")
	assert.Equal(t, 1013.0, got[1].Metrics["reserve"])

	assert.Equal(t, day("2024-01-15"), got[2].Date, "trailing partial chunk")
	assert.Equal(t, 31.0, got[2].Metrics["netflow"])
	assert.Equal(t, 1015.0, got[2].Metrics["reserve"])
}

func TestRollupWeeklyIsPositional(t *testing.T) {
	// Starting mid-week: chunks are still 7 points each, not calendar weeks.
	var s Series
	for i, d := 0, day("2024-01-04"); i < 7; i, d = i+1, d.AddDate(0, 0, 1) {
		s = append(s, Point{Date: d, Metrics: map[string]float64{"netflow": 1}})
	}
	got := RollupWeekly(s, []string{"netflow"}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, 7.0, got[0].Metrics["netflow"])
}

func TestSamplesAndLatest(t *testing.T) {
	s := Series{
		{Date: day("2024-01-01"), Metrics: map[string]float64{"a": 1}},
		{Date: day("2024-01-02"), Metrics: map[string]float64{"b": 2}},
	}
	assert.Equal(t, []Sample{{day("2024-01-01"), 1}}, Samples(s, "a"))

	p, ok := Latest(s)
	require.True(t, ok)
	assert.Equal(t, day("2024-01-02"), p.Date)

	_, ok = Latest(nil)
	assert.False(t, ok)
}

func TestPointJSON(t *testing.T) {
	p := Point{Date: day("2024-05-06"), Metrics: map[string]float64{"price": 63000.5}}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2024-05-06","metrics":{"price":63000.5}}`, string(b))

	var back Point
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, p, back)
}
