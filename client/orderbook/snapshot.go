// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package orderbook

import (
	"sync"
	"sync/atomic"

	"jitdex.org/jitmaker/dex"
	"jitdex.org/jitmaker/dex/order"
)

// ErrSlotRegression is returned when publishing a snapshot older than the
// latest published snapshot.
const ErrSlotRegression = dex.ErrorKind("snapshot slot regression")

// ErrPublisherClosed is returned when publishing after Close.
const ErrPublisherClosed = dex.ErrorKind("publisher closed")

// MarketState is the state of one market in a Snapshot.
type MarketState struct {
	MarkPrice float64
	// Auctions are ordered by start slot, then order id.
	Auctions []*order.AuctionOrder
}

// Snapshot is an immutable, internally consistent view of the book as of
// Slot. Neither the Snapshot nor anything it returns may be modified.
type Snapshot struct {
	Slot uint64
	// Version increases with every published snapshot.
	Version uint64
	markets map[order.MarketID]*MarketState
}

// NewSnapshot creates a snapshot. The snapshot takes ownership of markets.
func NewSnapshot(slot uint64, markets map[order.MarketID]*MarketState) *Snapshot {
	if markets == nil {
		markets = make(map[order.MarketID]*MarketState)
	}
	return &Snapshot{
		Slot:    slot,
		markets: markets,
	}
}

// AuctionOrders are the market's auction orders, ordered by start slot. The
// slice includes orders whose auction window has already ended or not yet
// begun at Slot.
func (s *Snapshot) AuctionOrders(marketIndex uint16, kind order.MarketKind) []*order.AuctionOrder {
	mkt := s.markets[order.MarketID{Index: marketIndex, Kind: kind}]
	if mkt == nil {
		return nil
	}
	return mkt.Auctions
}

// MarkPrice is the market's mark price, or zero if unknown.
func (s *Snapshot) MarkPrice(marketIndex uint16, kind order.MarketKind) float64 {
	mkt := s.markets[order.MarketID{Index: marketIndex, Kind: kind}]
	if mkt == nil {
		return 0
	}
	return mkt.MarkPrice
}

// Publisher is the single-writer, many-reader handoff of snapshots.
type Publisher struct {
	latest  atomic.Pointer[Snapshot]
	version atomic.Uint64
	updates chan uint64
	once    sync.Once
	closed  atomic.Bool
}

// NewPublisher is the constructor for a Publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		updates: make(chan uint64, 1),
	}
}

// Publish makes snap the latest snapshot and signals Updates. Publish must
// only be called from one goroutine. A snapshot for the same slot as the
// latest replaces it.
func (p *Publisher) Publish(snap *Snapshot) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	if cur := p.latest.Load(); cur != nil && snap.Slot < cur.Slot {
		return ErrSlotRegression
	}
	snap.Version = p.version.Add(1)
	p.latest.Store(snap)
	// Coalesce with an unread signal.
	select {
	case <-p.updates:
	default:
	}
	p.updates <- snap.Slot
	return nil
}

// Latest is the latest published snapshot, or nil before the first.
func (p *Publisher) Latest() *Snapshot {
	return p.latest.Load()
}

// Updates signals the slot of each newly published snapshot. Signals are
// coalesced for slow readers. The channel is closed by Close.
func (p *Publisher) Updates() <-chan uint64 {
	return p.updates
}

// Close closes the Updates channel, signaling that no more snapshots will be
// published. Close must be called from the publishing goroutine.
func (p *Publisher) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.updates)
	})
}
