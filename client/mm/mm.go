// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package mm is a just-in-time market maker. The Engine watches the order
// book for taker orders filling through a Dutch auction and counters them
// within a configured spread of the auction's current price.
package mm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"jitdex.org/jitmaker/client/account"
	"jitdex.org/jitmaker/client/dispatch"
	"jitdex.org/jitmaker/client/orderbook"
	"jitdex.org/jitmaker/dex"
	"jitdex.org/jitmaker/dex/keygen"
	"jitdex.org/jitmaker/dex/order"
)

const (
	// ErrClockLost is returned from Run when the slot clock subscription
	// fails.
	ErrClockLost = dex.ErrorKind("slot clock lost")
	// ErrSnapshotLost is returned from Run when the order book stops
	// publishing.
	ErrSnapshotLost = dex.ErrorKind("order book snapshot lost")

	errStaleSnapshot = dex.ErrorKind("stale snapshot")

	resultBuffer = 64
)

// SlotClock is a source of slot numbers. The channel is closed if the clock
// is lost.
type SlotClock interface {
	Subscribe(ctx context.Context) (<-chan uint64, error)
}

// OrderBook publishes order book snapshots. Updates receives the slot of a
// newly published snapshot and is closed when publishing stops.
type OrderBook interface {
	Latest() *orderbook.Snapshot
	Updates() <-chan uint64
}

// AccountState is a read-only view of our subaccounts.
type AccountState interface {
	Position(subAccountID, marketIndex uint16) (*account.Position, error)
}

// Dispatcher submits signed instructions. Submit must not block, and the
// returned channel must receive exactly one result.
type Dispatcher interface {
	Submit(ctx context.Context, ins *order.SignedInstruction, budget *dispatch.ComputeBudget) <-chan *dispatch.Result
}

// Signer signs instructions.
type Signer interface {
	Sign(msg []byte) []byte
	PubKey() string
}

type eventKind uint8

const (
	eventClockTick eventKind = iota
	eventSnapshotChanged
	eventSubmissionResult
)

func (k eventKind) String() string {
	switch k {
	case eventClockTick:
		return "clock tick"
	case eventSnapshotChanged:
		return "snapshot changed"
	case eventSubmissionResult:
		return "submission result"
	}
	return "unknown"
}

type event struct {
	kind   eventKind
	slot   uint64
	market order.MarketID
}

// Stats are the Engine's running totals.
type Stats struct {
	Passes        uint64
	StaleDiscards uint64
	LaggedSkips   uint64
	Submitted     uint64
	Landed        uint64
	Failed        uint64
	TimedOut      uint64
	Expired       uint64
}

type engineStats struct {
	passes        atomic.Uint64
	staleDiscards atomic.Uint64
	laggedSkips   atomic.Uint64
	submitted     atomic.Uint64
	landed        atomic.Uint64
	failed        atomic.Uint64
	timedOut      atomic.Uint64
	expired       atomic.Uint64
}

// Engine is the market maker. Every clock tick or snapshot change triggers
// an evaluation pass for each configured market. Passes for different
// markets run concurrently, but a market never has more than one pass
// running. Triggers that arrive during a pass are coalesced into a single
// following pass.
type Engine struct {
	cfg        *Config
	clock      SlotClock
	book       OrderBook
	accounts   AccountState
	dispatcher Dispatcher
	signer     Signer
	log        dex.Logger

	markets []*marketRunner
	byID    map[order.MarketID]*marketRunner
	// own are the user accounts whose orders are never countered.
	own    map[string]bool
	states *stateStore

	clockSlot atomic.Uint64
	resultC   chan order.MarketID
	wg        sync.WaitGroup
	stats     engineStats
}

// NewEngine is the constructor for an Engine.
func NewEngine(cfg *Config, clock SlotClock, book OrderBook, accounts AccountState, dispatcher Dispatcher,
	signer Signer, log dex.Logger) (*Engine, error) {

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if clock == nil || book == nil || accounts == nil || dispatcher == nil || signer == nil {
		return nil, fmt.Errorf("missing engine dependency")
	}
	if log == nil {
		log = dex.Disabled
	}

	programID := cfg.ProgramID
	if programID == "" {
		programID = keygen.DefaultProgramID
	}
	own := map[string]bool{signer.PubKey(): true}
	for _, sub := range cfg.SubAccounts {
		addr, err := keygen.UserAccountAddress(programID, signer.PubKey(), sub)
		if err != nil {
			return nil, fmt.Errorf("error deriving subaccount %d address: %w", sub, err)
		}
		log.Debugf("Subaccount %d user account %s", sub, addr)
		own[addr] = true
	}
	for _, acct := range cfg.IgnoreAccounts {
		own[acct] = true
	}

	e := &Engine{
		cfg:        cfg,
		clock:      clock,
		book:       book,
		accounts:   accounts,
		dispatcher: dispatcher,
		signer:     signer,
		log:        log,
		byID:       make(map[order.MarketID]*marketRunner, len(cfg.Markets)),
		own:        own,
		states:     newStateStore(),
		resultC:    make(chan order.MarketID, resultBuffer),
	}
	for _, mc := range cfg.Markets {
		mr := newMarketRunner(mc, cfg.VolatilityAlpha)
		e.markets = append(e.markets, mr)
		e.byID[mr.id] = mr
	}
	return e, nil
}

// Run runs the Engine until ctx is canceled or one of its inputs is lost.
// Run returns nil after cancellation, ErrClockLost or ErrSnapshotLost
// otherwise. Passes still running when Run returns have completed, but
// submitted instructions resolve independently.
func (e *Engine) Run(ctx context.Context) error {
	slots, err := e.clock.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClockLost, err)
	}
	updates := e.book.Updates()

	defer e.wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.log.Infof("Market maker running %d markets from %d subaccounts", len(e.markets), len(e.cfg.SubAccounts))

	for {
		var ev event
		select {
		case slot, ok := <-slots:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrClockLost
			}
			ev = event{kind: eventClockTick, slot: slot}
		case slot, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrSnapshotLost
			}
			ev = event{kind: eventSnapshotChanged, slot: slot}
		case mkt := <-e.resultC:
			ev = event{kind: eventSubmissionResult, market: mkt}
		case <-ctx.Done():
			return nil
		}
		e.handle(ctx, ev)
	}
}

func (e *Engine) handle(ctx context.Context, ev event) {
	e.log.Tracef("Event: %s, slot %d", ev.kind, ev.slot)
	switch ev.kind {
	case eventClockTick:
		for {
			cur := e.clockSlot.Load()
			if ev.slot <= cur || e.clockSlot.CompareAndSwap(cur, ev.slot) {
				break
			}
		}
		fallthrough
	case eventSnapshotChanged:
		for _, mr := range e.markets {
			e.trigger(ctx, mr)
		}
	case eventSubmissionResult:
		if mr := e.byID[ev.market]; mr != nil {
			e.trigger(ctx, mr)
		}
	}
}

// trigger runs a pass for the market, or schedules one if a pass is already
// running.
func (e *Engine) trigger(ctx context.Context, mr *marketRunner) {
	mr.pending.Store(true)
	if !mr.running.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			for mr.pending.Swap(false) {
				e.runPass(ctx, mr)
			}
			mr.running.Store(false)
			// A trigger may have landed between the last Swap and the Store.
			if !mr.pending.Load() || !mr.running.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// runPass is one evaluation of the market.
func (e *Engine) runPass(ctx context.Context, mr *marketRunner) {
	if ctx.Err() != nil {
		return
	}
	mr.mtx.Lock()
	defer mr.mtx.Unlock()

	e.stats.passes.Add(1)
	snap := e.book.Latest()
	if snap == nil {
		return
	}
	slot := max(e.clockSlot.Load(), snap.Slot)

	e.applyResults(mr)
	e.pruneTracked(mr, slot)

	if lag := e.cfg.MaxSnapshotLag; lag > 0 && slot > snap.Slot+lag {
		e.stats.laggedSkips.Add(1)
		e.log.Debugf("Skipping market %s pass. Snapshot slot %d lags clock slot %d", mr.id, snap.Slot, slot)
		return
	}

	decisions, q := e.evaluate(mr, snap, slot)

	if latest := e.book.Latest(); latest != nil && latest.Slot > snap.Slot {
		e.stats.staleDiscards.Add(1)
		e.log.Debugf("Market %s pass discarded: %v (slot %d, latest %d)", mr.id, errStaleSnapshot, snap.Slot, latest.Slot)
		return
	}

	for _, sub := range e.cfg.SubAccounts {
		qs := e.states.get(mr.id, sub)
		qs.Bid, qs.Ask = q.bid, q.ask
		qs.Volatility = q.volatility
		qs.LastSlot = slot
	}
	for _, d := range decisions {
		if err := e.submit(ctx, mr, d); err != nil {
			e.log.Errorf("Error submitting counter to %s: %v", d.Order, err)
		}
	}
}

// QuoteState returns a copy of the QuoteState for the market and subaccount.
func (e *Engine) QuoteState(mkt order.MarketID, subAccountID uint16) (*QuoteState, bool) {
	mr := e.byID[mkt]
	if mr == nil {
		return nil, false
	}
	mr.mtx.Lock()
	defer mr.mtx.Unlock()
	qs, found := e.states.lookup(mkt, subAccountID)
	if !found {
		return nil, false
	}
	c := *qs
	return &c, true
}

// Stats returns the Engine's running totals.
func (e *Engine) Stats() *Stats {
	return &Stats{
		Passes:        e.stats.passes.Load(),
		StaleDiscards: e.stats.staleDiscards.Load(),
		LaggedSkips:   e.stats.laggedSkips.Load(),
		Submitted:     e.stats.submitted.Load(),
		Landed:        e.stats.landed.Load(),
		Failed:        e.stats.failed.Load(),
		TimedOut:      e.stats.timedOut.Load(),
		Expired:       e.stats.expired.Load(),
	}
}
