// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package orderbook tracks the venue's auction orders from a sequenced note
// feed and publishes immutable, slot-tagged snapshots of them.
package orderbook

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/huandu/skiplist"
	"jitdex.org/jitmaker/dex"
	"jitdex.org/jitmaker/dex/order"
)

// ErrOutOfSequence is returned when a note skips a sequence number. The book
// must be reset from a fresh BookSnapshot.
const ErrOutOfSequence = dex.ErrorKind("note out of sequence")

// maxCachedNotes bounds the notes held while the book is not synced.
const maxCachedNotes = 16384

// auctionComparable is a skiplist.Comparable that orders auction orders by
// start slot, then by order id.
type auctionComparable struct{}

var _ skiplist.Comparable = auctionComparable{}

func (auctionComparable) Compare(lhs, rhs any) int {
	l, r := lhs.(*order.AuctionOrder), rhs.(*order.AuctionOrder)
	switch {
	case l.StartSlot < r.StartSlot:
		return -1
	case l.StartSlot > r.StartSlot:
		return 1
	case l.ID.User < r.ID.User:
		return -1
	case l.ID.User > r.ID.User:
		return 1
	case l.ID.ID < r.ID.ID:
		return -1
	case l.ID.ID > r.ID.ID:
		return 1
	}
	return 0
}

func (auctionComparable) CalcScore(key any) float64 {
	return float64(key.(*order.AuctionOrder).StartSlot)
}

// marketBook is one market's auction orders.
type marketBook struct {
	mark     float64
	auctions *skiplist.SkipList
	orders   map[order.OrderID]*order.AuctionOrder
}

func newMarketBook() *marketBook {
	return &marketBook{
		auctions: skiplist.New(auctionComparable{}),
		orders:   make(map[order.OrderID]*order.AuctionOrder),
	}
}

func (mb *marketBook) add(ord *order.AuctionOrder) {
	if old, found := mb.orders[ord.ID]; found {
		mb.auctions.Remove(old)
	}
	mb.orders[ord.ID] = ord
	mb.auctions.Set(ord, ord)
}

func (mb *marketBook) remove(oid order.OrderID) bool {
	ord, found := mb.orders[oid]
	if !found {
		return false
	}
	mb.auctions.Remove(ord)
	delete(mb.orders, oid)
	return true
}

// prune removes orders whose auction ended before slot.
func (mb *marketBook) prune(slot uint64) int {
	var expired []*order.AuctionOrder
	for e := mb.auctions.Front(); e != nil; e = e.Next() {
		ord := e.Value.(*order.AuctionOrder)
		if ord.StartSlot > slot {
			break
		}
		if ord.EndSlot() < slot {
			expired = append(expired, ord)
		}
	}
	for _, ord := range expired {
		mb.remove(ord.ID)
	}
	return len(expired)
}

func (mb *marketBook) state() *MarketState {
	auctions := make([]*order.AuctionOrder, 0, mb.auctions.Len())
	for e := mb.auctions.Front(); e != nil; e = e.Next() {
		auctions = append(auctions, e.Value.(*order.AuctionOrder).Copy())
	}
	return &MarketState{
		MarkPrice: mb.mark,
		Auctions:  auctions,
	}
}

// Book is a client tracked book of auction orders. Book applies sequenced
// notes and publishes a Snapshot whenever a slot is complete.
type Book struct {
	log dex.Logger
	pub *Publisher

	mtx       sync.Mutex
	seq       uint64
	slot      uint64
	synced    bool
	noteQueue []*Note
	markets   map[order.MarketID]*marketBook
}

// NewBook creates a new Book that publishes to pub.
func NewBook(pub *Publisher, logger dex.Logger) *Book {
	return &Book{
		log:       logger,
		pub:       pub,
		noteQueue: make([]*Note, 0, 16),
		markets:   make(map[order.MarketID]*marketBook),
	}
}

// Synced is true if the book has been reset from a snapshot and has not
// since been marked unsynced.
func (b *Book) Synced() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.synced
}

// Unsync marks the book as out of sync. Notes are cached until the next
// Reset.
func (b *Book) Unsync() {
	b.mtx.Lock()
	b.synced = false
	b.mtx.Unlock()
}

// Reset replaces the book's contents with the snapshot, applies any cached
// notes that follow it, and publishes.
func (b *Book) Reset(snap *BookSnapshot) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	markets := make(map[order.MarketID]*marketBook, len(snap.Markets))
	for _, m := range snap.Markets {
		kind, err := order.ParseMarketKind(m.MarketKind)
		if err != nil {
			return err
		}
		mb := newMarketBook()
		mb.mark = m.MarkPrice
		for _, n := range m.Orders {
			ord, err := n.AuctionOrder()
			if err != nil {
				return err
			}
			if ord.Market.Index != m.MarketIndex || ord.Market.Kind != kind {
				return fmt.Errorf("order %s in market %s snapshot is for market %s",
					ord.ID, order.MarketID{Index: m.MarketIndex, Kind: kind}, ord.Market)
			}
			mb.add(ord)
		}
		markets[order.MarketID{Index: m.MarketIndex, Kind: kind}] = mb
	}

	b.markets = markets
	b.seq = snap.Seq
	b.slot = snap.Slot
	b.synced = true

	if err := b.processCachedNotes(); err != nil {
		return err
	}
	return b.publish()
}

// processCachedNotes applies cached notes that follow the current sequence
// and empties the cache. The mutex must be held.
func (b *Book) processCachedNotes() error {
	b.log.Debugf("Processing %d cached order notes", len(b.noteQueue))
	queue := b.noteQueue
	b.noteQueue = make([]*Note, 0, 16)
	for _, note := range queue {
		if note.Seq <= b.seq {
			continue
		}
		if err := b.apply(note); err != nil {
			return err
		}
	}
	return nil
}

// Apply applies a note. Notes are cached while the book is not synced.
// Notes already reflected in the book are ignored. ErrOutOfSequence means a
// note was missed and the book must be reset.
func (b *Book) Apply(note *Note) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if !b.synced {
		if len(b.noteQueue) >= maxCachedNotes {
			// The snapshot will cover the dropped notes, or the sequence
			// check will catch the gap.
			b.noteQueue = b.noteQueue[:0]
		}
		b.noteQueue = append(b.noteQueue, note)
		return nil
	}
	if note.Seq <= b.seq {
		b.log.Tracef("Ignoring note %d, already at %d", note.Seq, b.seq)
		return nil
	}
	return b.apply(note)
}

// apply is the workhorse of Apply. The mutex must be held.
func (b *Book) apply(note *Note) error {
	if note.Seq != b.seq+1 {
		b.synced = false
		return fmt.Errorf("%w: %d != %d + 1", ErrOutOfSequence, note.Seq, b.seq)
	}
	b.seq = note.Seq

	switch note.Route {
	case BookRoute:
		if note.Order == nil {
			return fmt.Errorf("book note %d has no order", note.Seq)
		}
		ord, err := note.Order.AuctionOrder()
		if err != nil {
			return fmt.Errorf("book note %d: %w", note.Seq, err)
		}
		b.market(ord.Market).add(ord)

	case UnbookRoute:
		mktID, err := noteMarket(note)
		if err != nil {
			return err
		}
		oid := order.OrderID{User: note.User, ID: note.OrderID}
		if !b.market(mktID).remove(oid) {
			b.log.Debugf("Unbook note for unknown order %s", oid)
		}

	case UpdateRemainingRoute:
		mktID, err := noteMarket(note)
		if err != nil {
			return err
		}
		oid := order.OrderID{User: note.User, ID: note.OrderID}
		mb := b.market(mktID)
		ord, found := mb.orders[oid]
		if !found {
			b.log.Debugf("Update remaining note for unknown order %s", oid)
			return nil
		}
		// Replace rather than modify. Skiplist keys are never mutated.
		updated := ord.Copy()
		updated.Remaining = math.Max(note.Remaining, 0)
		mb.add(updated)

	case MarkPriceRoute:
		mktID, err := noteMarket(note)
		if err != nil {
			return err
		}
		if note.MarkPrice <= 0 {
			return fmt.Errorf("invalid mark price %f for %s", note.MarkPrice, mktID)
		}
		b.market(mktID).mark = note.MarkPrice

	case SlotRoute:
		if note.Slot < b.slot {
			b.log.Warnf("Slot note for %d behind book slot %d", note.Slot, b.slot)
			return nil
		}
		b.slot = note.Slot
		return b.publish()

	default:
		return fmt.Errorf("unknown note route %q", note.Route)
	}
	return nil
}

func noteMarket(note *Note) (order.MarketID, error) {
	kind, err := order.ParseMarketKind(note.MarketKind)
	if err != nil {
		return order.MarketID{}, fmt.Errorf("%s note %d: %w", note.Route, note.Seq, err)
	}
	return order.MarketID{Index: note.MarketIndex, Kind: kind}, nil
}

// market gets or creates the market book. The mutex must be held.
func (b *Book) market(mktID order.MarketID) *marketBook {
	mb, found := b.markets[mktID]
	if !found {
		mb = newMarketBook()
		b.markets[mktID] = mb
	}
	return mb
}

// publish prunes ended auctions and publishes a snapshot at the current
// slot. The mutex must be held.
func (b *Book) publish() error {
	markets := make(map[order.MarketID]*MarketState, len(b.markets))
	for mktID, mb := range b.markets {
		if n := mb.prune(b.slot); n > 0 {
			b.log.Tracef("Pruned %d ended auctions from %s at slot %d", n, mktID, b.slot)
		}
		markets[mktID] = mb.state()
	}
	err := b.pub.Publish(NewSnapshot(b.slot, markets))
	if errors.Is(err, ErrSlotRegression) {
		// A lagging source after a resync. Publish once it catches up.
		b.log.Debugf("Not publishing book at slot %d: %v", b.slot, err)
		return nil
	}
	return err
}
