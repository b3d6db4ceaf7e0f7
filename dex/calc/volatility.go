// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package calc

import "math"

// EWMA is an exponentially weighted moving average of absolute relative price
// changes. The zero value is not usable; use NewEWMA.
type EWMA struct {
	alpha float64
	value float64
	last  float64
}

// NewEWMA creates an EWMA with smoothing factor alpha, 0 < alpha <= 1. Larger
// alpha weights recent changes more heavily.
func NewEWMA(alpha float64) *EWMA {
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	return &EWMA{alpha: alpha}
}

// Update records a new price observation and returns the updated estimate.
// The first observation only seeds the reference price. Non-positive prices
// are ignored.
func (e *EWMA) Update(price float64) float64 {
	if price <= 0 {
		return e.value
	}
	if e.last > 0 {
		change := math.Abs(price-e.last) / e.last
		e.value = e.alpha*change + (1-e.alpha)*e.value
	}
	e.last = price
	return e.value
}

// Value is the current estimate.
func (e *EWMA) Value() float64 {
	return e.value
}
