// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package order defines the venue order types shared by the order book
// snapshot, the market maker and the instruction encoder.
package order

import (
	"fmt"
	"strings"
)

// MarketKind distinguishes perpetual and spot markets. The same market index
// may exist for both kinds.
type MarketKind uint8

const (
	// Perp is a perpetual-futures market.
	Perp MarketKind = iota
	// Spot is a spot market.
	Spot
)

// String returns "perp" or "spot".
func (k MarketKind) String() string {
	switch k {
	case Perp:
		return "perp"
	case Spot:
		return "spot"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseMarketKind parses a market kind string. Matching is case-insensitive.
func ParseMarketKind(s string) (MarketKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "perp", "perpetual":
		return Perp, nil
	case "spot":
		return Spot, nil
	}
	return 0, fmt.Errorf("unknown market kind %q", s)
}

// MarketID identifies a market by index and kind.
type MarketID struct {
	Index uint16
	Kind  MarketKind
}

// String returns e.g. "perp-0".
func (m MarketID) String() string {
	return fmt.Sprintf("%s-%d", m.Kind, m.Index)
}

// Direction is the side of an order from the point of view of its owner.
type Direction uint8

const (
	// Long is a buy.
	Long Direction = iota
	// Short is a sell.
	Short
)

// String returns "long" or "short".
func (d Direction) String() string {
	if d == Long {
		return "long"
	}
	return "short"
}

// ParseDirection parses "long"/"buy" or "short"/"sell".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Opposite is the direction a maker takes to counter an order in direction d.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// OrderID identifies an order on the venue. Order ids are only unique per
// user account, so the taker's user account is part of the identifier.
type OrderID struct {
	User string
	ID   uint32
}

// String returns "user:id".
func (oid OrderID) String() string {
	return fmt.Sprintf("%s:%d", oid.User, oid.ID)
}

// AuctionOrder is a taker order that is filling through a time-decaying
// auction. Prices are in quote units and sizes in base units.
type AuctionOrder struct {
	ID         OrderID
	Market     MarketID
	Direction  Direction
	StartPrice float64
	EndPrice   float64
	StartSlot  uint64
	Duration   uint64
	Remaining  float64
	// Taker is the user account that placed the order. It is the same as
	// ID.User.
	Taker string
}

// EndSlot is the last slot at which the auction is running.
func (o *AuctionOrder) EndSlot() uint64 {
	return o.StartSlot + o.Duration
}

// ActiveAt reports whether the auction window contains slot.
func (o *AuctionOrder) ActiveAt(slot uint64) bool {
	return slot >= o.StartSlot && slot <= o.EndSlot()
}

// Copy returns a shallow copy.
func (o *AuctionOrder) Copy() *AuctionOrder {
	c := *o
	return &c
}
