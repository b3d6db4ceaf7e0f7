// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package orderbook

import (
	"fmt"

	"jitdex.org/jitmaker/dex/order"
)

// Note routes.
const (
	// BookRoute adds or replaces an auction order.
	BookRoute = "book"
	// UnbookRoute removes an order.
	UnbookRoute = "unbook"
	// UpdateRemainingRoute changes the remaining size of an order.
	UpdateRemainingRoute = "update_remaining"
	// MarkPriceRoute updates a market's mark price.
	MarkPriceRoute = "mark_price"
	// SlotRoute indicates that all notes for Slot have been sent. The book
	// is published as of that slot.
	SlotRoute = "slot"
)

// OrderNote is the wire form of an auction order.
type OrderNote struct {
	User        string  `json:"user"`
	OrderID     uint32  `json:"orderId"`
	MarketIndex uint16  `json:"marketIndex"`
	MarketKind  string  `json:"marketType"`
	Direction   string  `json:"direction"`
	StartPrice  float64 `json:"auctionStartPrice"`
	EndPrice    float64 `json:"auctionEndPrice"`
	StartSlot   uint64  `json:"slot"`
	Duration    uint64  `json:"auctionDuration"`
	Remaining   float64 `json:"remaining"`
}

// AuctionOrder converts the note.
func (n *OrderNote) AuctionOrder() (*order.AuctionOrder, error) {
	if n.User == "" {
		return nil, fmt.Errorf("order %d has no user", n.OrderID)
	}
	kind, err := order.ParseMarketKind(n.MarketKind)
	if err != nil {
		return nil, err
	}
	dir, err := order.ParseDirection(n.Direction)
	if err != nil {
		return nil, err
	}
	if n.Remaining < 0 {
		return nil, fmt.Errorf("order %s:%d has negative remaining size", n.User, n.OrderID)
	}
	return &order.AuctionOrder{
		ID:         order.OrderID{User: n.User, ID: n.OrderID},
		Market:     order.MarketID{Index: n.MarketIndex, Kind: kind},
		Direction:  dir,
		StartPrice: n.StartPrice,
		EndPrice:   n.EndPrice,
		StartSlot:  n.StartSlot,
		Duration:   n.Duration,
		Remaining:  n.Remaining,
		Taker:      n.User,
	}, nil
}

// Note is an incremental book update. Notes are sequenced. Which fields are
// set depends on the Route.
type Note struct {
	Seq         uint64     `json:"seq"`
	Route       string     `json:"route"`
	Slot        uint64     `json:"slot,omitempty"`
	MarketIndex uint16     `json:"marketIndex,omitempty"`
	MarketKind  string     `json:"marketType,omitempty"`
	User        string     `json:"user,omitempty"`
	OrderID     uint32     `json:"orderId,omitempty"`
	Remaining   float64    `json:"remaining,omitempty"`
	MarkPrice   float64    `json:"markPrice,omitempty"`
	Order       *OrderNote `json:"order,omitempty"`
}

// MarketSnapshot is the full state of one market.
type MarketSnapshot struct {
	MarketIndex uint16       `json:"marketIndex"`
	MarketKind  string       `json:"marketType"`
	MarkPrice   float64      `json:"markPrice"`
	Orders      []*OrderNote `json:"orders"`
}

// BookSnapshot is the full state of the book as of Slot. Seq is the sequence
// number of the last note included.
type BookSnapshot struct {
	Seq     uint64            `json:"seq"`
	Slot    uint64            `json:"slot"`
	Markets []*MarketSnapshot `json:"markets"`
}
