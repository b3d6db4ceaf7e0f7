// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mm

import (
	"fmt"
	"math"

	"jitdex.org/jitmaker/client/dispatch"
	"jitdex.org/jitmaker/dex/order"
)

const (
	// DefaultVolatilityAlpha is the EWMA smoothing factor used when Config
	// does not specify one.
	DefaultVolatilityAlpha = 0.1
	// maxLeverage bounds TargetLeverage.
	maxLeverage = 100
)

// MarketConfig is the configuration for one market. It is immutable after
// startup.
type MarketConfig struct {
	MarketIndex uint16
	Kind        order.MarketKind
	// TargetLeverage bounds our notional exposure in the market to
	// TargetLeverage × collateral.
	TargetLeverage float64
	// Spread is the signed fraction applied to the auction's reference
	// price. A negative spread quotes inside the auction: we buy below and
	// sell above the reference price. A positive spread would quote on the
	// losing side of the reference and is rejected. -1 < Spread <= 0.
	Spread float64
	// VolatilityThreshold disables quoting in the market while the
	// estimated per-slot relative mark price change exceeds it.
	VolatilityThreshold float64
	// StepSize is the venue's base size increment. Sizes are rounded down
	// to it. Zero uses the venue's base precision.
	StepSize float64
}

// ID is the market's identifier.
func (c *MarketConfig) ID() order.MarketID {
	return order.MarketID{Index: c.MarketIndex, Kind: c.Kind}
}

// Validate checks the market configuration.
func (c *MarketConfig) Validate() error {
	if c.Kind != order.Perp && c.Kind != order.Spot {
		return fmt.Errorf("unknown market kind %d", c.Kind)
	}
	if math.IsNaN(c.TargetLeverage) || c.TargetLeverage <= 0 || c.TargetLeverage > maxLeverage {
		return fmt.Errorf("target leverage %f out of bounds (0, %d]", c.TargetLeverage, maxLeverage)
	}
	if math.IsNaN(c.Spread) || c.Spread <= -1 {
		return fmt.Errorf("spread %f out of bounds (-1, 0]", c.Spread)
	}
	if c.Spread > 0 {
		return fmt.Errorf("spread %f is positive. spread is applied as ref × (1 + spread) when "+
			"countering a taker short and ref × (1 - spread) when countering a taker long, so it "+
			"must be zero or negative for the quote to beat the auction price", c.Spread)
	}
	if math.IsNaN(c.VolatilityThreshold) || c.VolatilityThreshold <= 0 {
		return fmt.Errorf("volatility threshold %f must be positive", c.VolatilityThreshold)
	}
	if math.IsNaN(c.StepSize) || c.StepSize < 0 {
		return fmt.Errorf("step size %f cannot be negative", c.StepSize)
	}
	return nil
}

// Config is the configuration of the Engine.
type Config struct {
	Markets []*MarketConfig
	// SubAccounts are the subaccounts to quote from, in order of
	// preference.
	SubAccounts []uint16
	// ProgramID is the venue program, used to derive our own user account
	// addresses. Defaults to keygen.DefaultProgramID.
	ProgramID string
	// IgnoreAccounts are additional taker accounts whose orders are never
	// countered.
	IgnoreAccounts []string
	// VolatilityAlpha is the EWMA smoothing factor of the volatility
	// estimate, 0 < alpha <= 1.
	VolatilityAlpha float64
	// MaxSnapshotLag is the most slots the clock may lead the order book
	// snapshot before a pass is skipped. Zero disables the check.
	MaxSnapshotLag uint64
	// ComputeBudget is sent with every submission. Defaults to
	// dispatch.DefaultComputeBudget.
	ComputeBudget *dispatch.ComputeBudget
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if len(c.Markets) == 0 {
		return fmt.Errorf("no markets configured")
	}
	mkts := make(map[order.MarketID]bool, len(c.Markets))
	for _, mc := range c.Markets {
		if mc == nil {
			return fmt.Errorf("nil market config")
		}
		if mkts[mc.ID()] {
			return fmt.Errorf("duplicate market config for %s", mc.ID())
		}
		mkts[mc.ID()] = true
		if err := mc.Validate(); err != nil {
			return fmt.Errorf("invalid market %s config: %w", mc.ID(), err)
		}
	}

	if len(c.SubAccounts) == 0 {
		return fmt.Errorf("no subaccounts configured")
	}
	subs := make(map[uint16]bool, len(c.SubAccounts))
	for _, sub := range c.SubAccounts {
		if subs[sub] {
			return fmt.Errorf("duplicate subaccount %d", sub)
		}
		subs[sub] = true
	}

	if c.VolatilityAlpha == 0 {
		c.VolatilityAlpha = DefaultVolatilityAlpha
	}
	if math.IsNaN(c.VolatilityAlpha) || c.VolatilityAlpha < 0 || c.VolatilityAlpha > 1 {
		return fmt.Errorf("volatility alpha %f out of bounds (0, 1]", c.VolatilityAlpha)
	}
	if c.ComputeBudget == nil {
		c.ComputeBudget = dispatch.DefaultComputeBudget()
	}
	return nil
}
