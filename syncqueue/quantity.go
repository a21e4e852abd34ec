package syncqueue

import "math"

// Quantity bounds enforced at queue-entry construction time. No entry with a
// quantity outside this range or with more than three decimal places ever
// reaches the durable queue.
const (
	MinQuantity = 0.001
	MaxQuantity = 9999.999

	quantityScale = 1000
)

// RoundQuantity rounds to three decimal places by scaling, rounding, and
// unscaling. The rounding step is floor(x+0.5), which for negative inputs
// rounds the fractional magnitude down rather than away from zero:
// 1.2345 -> 1.235 but -1.2345 -> -1.234. This asymmetry is load-bearing; it
// must match what the backend computes when it re-derives stock figures.
func RoundQuantity(v float64) float64 {
	return math.Floor(v*quantityScale+0.5) / quantityScale
}

// ClampQuantity clamps v into [MinQuantity, MaxQuantity] and then rounds it
// to three decimal places. Zero and negative inputs clamp up to MinQuantity.
func ClampQuantity(v float64) float64 {
	if v < MinQuantity {
		v = MinQuantity
	}
	if v > MaxQuantity {
		v = MaxQuantity
	}
	return RoundQuantity(v)
}
