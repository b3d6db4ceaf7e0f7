// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mm

import (
	"sync"
	"sync/atomic"

	"jitdex.org/jitmaker/client/dispatch"
	"jitdex.org/jitmaker/dex/calc"
	"jitdex.org/jitmaker/dex/order"
)

// QuoteState is the engine's state for one market and subaccount.
type QuoteState struct {
	// Bid and Ask are the last buy and sell quotes computed.
	Bid float64
	Ask float64
	// Volatility is the market's volatility estimate at LastSlot.
	Volatility float64
	// LastSlot is the slot of the last completed evaluation.
	LastSlot uint64
	// InFlight is the number of submissions awaiting a result.
	InFlight int
}

type quoteKey struct {
	market order.MarketID
	sub    uint16
}

// stateStore holds the QuoteState of every market and subaccount. The mutex
// only guards the map. A QuoteState is only modified during its market's
// pass.
type stateStore struct {
	mtx    sync.RWMutex
	states map[quoteKey]*QuoteState
}

func newStateStore() *stateStore {
	return &stateStore{
		states: make(map[quoteKey]*QuoteState),
	}
}

// get returns the QuoteState, creating it if necessary.
func (s *stateStore) get(mkt order.MarketID, sub uint16) *QuoteState {
	k := quoteKey{mkt, sub}
	s.mtx.RLock()
	qs, found := s.states[k]
	s.mtx.RUnlock()
	if found {
		return qs
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if qs, found = s.states[k]; !found {
		qs = new(QuoteState)
		s.states[k] = qs
	}
	return qs
}

func (s *stateStore) lookup(mkt order.MarketID, sub uint16) (*QuoteState, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	qs, found := s.states[quoteKey{mkt, sub}]
	return qs, found
}

type trackStatus uint8

const (
	trackInFlight trackStatus = iota
	trackLanded
	trackFailed
)

// trackedOrder is our counter to an auction order.
type trackedOrder struct {
	oid    order.OrderID
	sub    uint16
	size   float64
	expiry uint64
	status trackStatus
	// last is the most recent submission result.
	last *dispatch.Result
}

// blocks is true if the auction order must not be countered again.
func (t *trackedOrder) blocks() bool {
	return t.status != trackFailed
}

type submissionResult struct {
	track *trackedOrder
	res   *dispatch.Result
}

// marketRunner is the per-market evaluation state. running and pending form
// the reentrancy guard. Everything under mtx is only touched during a pass,
// except for reads by Engine.QuoteState.
type marketRunner struct {
	cfg *MarketConfig
	id  order.MarketID

	running atomic.Bool
	pending atomic.Bool

	resMtx  sync.Mutex
	results []*submissionResult

	mtx     sync.Mutex
	vol     *calc.EWMA
	volSlot uint64
	volSeen bool
	tracked map[order.OrderID]*trackedOrder
}

func newMarketRunner(cfg *MarketConfig, alpha float64) *marketRunner {
	return &marketRunner{
		cfg:     cfg,
		id:      cfg.ID(),
		vol:     calc.NewEWMA(alpha),
		tracked: make(map[order.OrderID]*trackedOrder),
	}
}

func (mr *marketRunner) queueResult(r *submissionResult) {
	mr.resMtx.Lock()
	mr.results = append(mr.results, r)
	mr.resMtx.Unlock()
}

func (mr *marketRunner) takeResults() []*submissionResult {
	mr.resMtx.Lock()
	defer mr.resMtx.Unlock()
	rs := mr.results
	mr.results = nil
	return rs
}

// inFlightSize is the total size of in-flight submissions from the
// subaccount.
func (mr *marketRunner) inFlightSize(sub uint16) float64 {
	var size float64
	for _, t := range mr.tracked {
		if t.sub == sub && t.status == trackInFlight {
			size += t.size
		}
	}
	return size
}
