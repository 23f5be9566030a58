package norm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// InvalidPriceError reports a price that cannot be tick-rounded.
type InvalidPriceError struct {
	Price float64
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("invalid price %v: must be positive", e.Price)
}

// Tier is one row of a tick-size table: the tick applies to prices strictly
// below UpperBound.
type Tier struct {
	UpperBound float64 `yaml:"upper_bound"`
	Tick       float64 `yaml:"tick"`
}

// TickTable is an ordered list of price tiers. The table is data, not code:
// venues with different tiers supply their own table. The last tier is
// treated as open-ended, so any price at or above the final bound still
// rounds with the final tick.
type TickTable []Tier

// HKEX is the 11-tier HKEX securities tick table.
var HKEX = TickTable{
	{UpperBound: 0.25, Tick: 0.001},
	{UpperBound: 0.50, Tick: 0.005},
	{UpperBound: 10.00, Tick: 0.01},
	{UpperBound: 20.00, Tick: 0.02},
	{UpperBound: 100.00, Tick: 0.05},
	{UpperBound: 200.00, Tick: 0.10},
	{UpperBound: 500.00, Tick: 0.20},
	{UpperBound: 1000.00, Tick: 0.50},
	{UpperBound: 2000.00, Tick: 1.00},
	{UpperBound: 5000.00, Tick: 2.00},
	{UpperBound: math.Inf(1), Tick: 5.00},
}

// US is the flat one-cent tick table for US equities above $1. Sub-dollar
// prices tick at $0.0001 per Reg NMS.
var US = TickTable{
	{UpperBound: 1.00, Tick: 0.0001},
	{UpperBound: math.Inf(1), Tick: 0.01},
}

// TickFor returns the tick size applicable to price.
func (t TickTable) TickFor(price float64) float64 {
	for _, tier := range t {
		if price < tier.UpperBound {
			return tier.Tick
		}
	}
	return t[len(t)-1].Tick
}

// RoundToTick rounds price to the nearest multiple of the applicable tick
// using round-half-up, and trims the result to the precision the tick
// implies. The function is idempotent: RoundToTick(RoundToTick(p)) ==
// RoundToTick(p).
func RoundToTick(price float64, table TickTable) (float64, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, &InvalidPriceError{Price: price}
	}
	if len(table) == 0 {
		return 0, fmt.Errorf("empty tick table")
	}

	// The epsilon keeps exact half-ticks that land fractionally below .5 in
	// binary (e.g. 378.15/0.10) rounding up as intended.
	tick := table.TickFor(price)
	steps := math.Floor(price/tick + 0.5 + 1e-9)
	rounded := steps * tick

	// Trim float noise to the tick's own precision so the result carries no
	// more digits than the tick implies.
	pow := math.Pow10(decimals(tick))
	return math.Round(rounded*pow) / pow, nil
}

// decimals returns the number of digits after the decimal point in the
// shortest representation of v.
func decimals(v float64) int {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}
