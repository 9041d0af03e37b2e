package aggregator

import "time"

const (
	halvingInterval   = 210_000
	initialSubsidySat = 50 * 100_000_000
	satPerBTC         = 100_000_000
	targetBlockTime   = 10 * time.Minute
)

// SupplySnapshot is the issuance state at a block height.
type SupplySnapshot struct {
	Height            int64     `json:"height"`
	CirculatingSupply float64   `json:"circulatingSupply"`
	BlockSubsidy      float64   `json:"blockSubsidy"`
	NextHalvingHeight int64     `json:"nextHalvingHeight"`
	NextHalvingAt     time.Time `json:"nextHalvingEstimate"`
}

// SupplyCalendar estimates issuance at a point in time.
type SupplyCalendar interface {
	Snapshot(at time.Time) SupplySnapshot
}

// HalvingSchedule projects height from a known anchor block at the target
// block interval and derives supply in closed form.
type HalvingSchedule struct {
	AnchorHeight int64
	AnchorTime   time.Time
}

// DefaultSupplyCalendar is anchored on the fourth halving block.
func DefaultSupplyCalendar() HalvingSchedule {
	return HalvingSchedule{
		AnchorHeight: 840_000,
		AnchorTime:   time.Date(2024, 4, 20, 0, 9, 27, 0, time.UTC),
	}
}

func (h HalvingSchedule) Snapshot(at time.Time) SupplySnapshot {
	height := h.AnchorHeight + int64(at.Sub(h.AnchorTime)/targetBlockTime)
	if height < 0 {
		height = 0
	}
	next := (height/halvingInterval + 1) * halvingInterval
	return SupplySnapshot{
		Height:            height,
		CirculatingSupply: float64(issuedSats(height)) / satPerBTC,
		BlockSubsidy:      float64(subsidySats(height)) / satPerBTC,
		NextHalvingHeight: next,
		NextHalvingAt:     at.UTC().Add(time.Duration(next-height) * targetBlockTime),
	}
}

func subsidySats(height int64) int64 {
	era := height / halvingInterval
	if era >= 64 {
		return 0
	}
	return initialSubsidySat >> era
}

// issuedSats counts every block subsidy from genesis through height.
func issuedSats(height int64) int64 {
	var total int64
	remaining := height + 1
	for era := int64(0); remaining > 0 && era < 64; era++ {
		n := int64(halvingInterval)
		if remaining < n {
			n = remaining
		}
		total += n * (initialSubsidySat >> era)
		remaining -= n
	}
	return total
}
