// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package calc

import "math"

// AuctionPrice is the price of a decaying-price auction at slot. The price
// moves linearly from startPrice at startSlot to endPrice at startSlot +
// duration, and is clamped to the end points outside of the window. A zero
// duration auction is priced at endPrice.
func AuctionPrice(startPrice, endPrice float64, startSlot, duration, slot uint64) float64 {
	if duration == 0 || slot >= startSlot+duration {
		return endPrice
	}
	if slot <= startSlot {
		return startPrice
	}
	elapsed := float64(slot - startSlot)
	return startPrice + (endPrice-startPrice)*elapsed/float64(duration)
}

// LeverageHeadroom is the additional base size that can be taken on before
// position notional reaches targetLeverage × collateral at markPrice. It is
// zero when the account is already at or above its target.
func LeverageHeadroom(targetLeverage, collateral, markPrice, position float64) float64 {
	if markPrice <= 0 || collateral <= 0 || targetLeverage <= 0 {
		return 0
	}
	h := targetLeverage*collateral/markPrice - math.Abs(position)
	if h < 0 {
		return 0
	}
	return h
}

// RoundDownToStep rounds v down to an integer multiple of step. A
// non-positive step leaves v unchanged.
func RoundDownToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	n := math.Floor(v/step + 1e-9)
	return n * step
}
