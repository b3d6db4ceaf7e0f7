// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mm

import (
	"math"
	"sort"

	"jitdex.org/jitmaker/client/orderbook"
	"jitdex.org/jitmaker/dex/calc"
	"jitdex.org/jitmaker/dex/order"
)

// FillDecision is an accepted counter to an auction order.
type FillDecision struct {
	Market       order.MarketID
	SubAccountID uint16
	Order        order.OrderID
	// Direction is our direction, opposite the taker's.
	Direction order.Direction
	Price     float64
	Size      float64
	// ExpirySlot is the auction's last slot.
	ExpirySlot     uint64
	ReferencePrice float64
}

// quotes is the outcome of an evaluation apart from the decisions.
type quotes struct {
	bid, ask   float64
	volatility float64
	// gated is true if the volatility gate tripped.
	gated bool
}

type candidate struct {
	ord   *order.AuctionOrder
	ref   float64
	quote float64
	edge  float64
}

// quotePrice applies the market's spread to the reference price of an
// auction in the taker's direction. A taker short is countered with a buy at
// ref × (1 + spread), a taker long with a sell at ref × (1 - spread).
func quotePrice(ref, spread float64, taker order.Direction) float64 {
	if taker == order.Short {
		return ref * (1 + spread)
	}
	return ref * (1 - spread)
}

// acceptableQuote is true if the quote is on our profitable side of the
// reference price and crosses the taker's limit price.
func acceptableQuote(quote, ref, limit float64, taker order.Direction) bool {
	if quote <= 0 || math.IsNaN(quote) || math.IsInf(quote, 0) {
		return false
	}
	if taker == order.Short {
		// We buy.
		return quote <= ref && quote >= limit
	}
	// We sell.
	return quote >= ref && quote <= limit
}

// sortCandidates orders candidates by descending edge, then start slot, then
// order id.
func sortCandidates(cs []*candidate) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.edge != b.edge {
			return a.edge > b.edge
		}
		if a.ord.StartSlot != b.ord.StartSlot {
			return a.ord.StartSlot < b.ord.StartSlot
		}
		if a.ord.ID.User != b.ord.ID.User {
			return a.ord.ID.User < b.ord.ID.User
		}
		return a.ord.ID.ID < b.ord.ID.ID
	})
}

// updateVolatility records the snapshot's mark price once per snapshot slot.
func (mr *marketRunner) updateVolatility(snap *orderbook.Snapshot, mark float64) float64 {
	if !mr.volSeen || snap.Slot > mr.volSlot {
		mr.vol.Update(mark)
		mr.volSlot, mr.volSeen = snap.Slot, true
	}
	return mr.vol.Value()
}

// evaluate computes the market's fill decisions against the snapshot at slot.
// It must be called with mr.mtx held. Apart from the volatility estimate,
// which only moves when the snapshot slot advances, evaluate does not modify
// any state.
func (e *Engine) evaluate(mr *marketRunner, snap *orderbook.Snapshot, slot uint64) ([]*FillDecision, *quotes) {
	cfg := mr.cfg
	mark := snap.MarkPrice(cfg.MarketIndex, cfg.Kind)
	q := &quotes{volatility: mr.updateVolatility(snap, mark)}
	if q.volatility > cfg.VolatilityThreshold {
		q.gated = true
		e.log.Debugf("Market %s volatility %.5f above threshold %.5f. Not quoting.",
			mr.id, q.volatility, cfg.VolatilityThreshold)
		return nil, q
	}

	var cands []*candidate
	for _, o := range snap.AuctionOrders(cfg.MarketIndex, cfg.Kind) {
		if !o.ActiveAt(slot) || o.Remaining <= 0 {
			continue
		}
		if e.own[o.Taker] || e.own[o.ID.User] {
			continue
		}
		if t := mr.tracked[o.ID]; t != nil && t.blocks() {
			continue
		}
		ref := calc.AuctionPrice(o.StartPrice, o.EndPrice, o.StartSlot, o.Duration, slot)
		quote := quotePrice(ref, cfg.Spread, o.Direction)
		if !acceptableQuote(quote, ref, o.EndPrice, o.Direction) {
			e.log.Tracef("No acceptable quote for %s: ref %f, quote %f, limit %f", o.ID, ref, quote, o.EndPrice)
			continue
		}
		if o.Direction == order.Short {
			q.bid = math.Max(q.bid, quote)
		} else if q.ask == 0 || quote < q.ask {
			q.ask = quote
		}
		cands = append(cands, &candidate{
			ord:   o,
			ref:   ref,
			quote: quote,
			edge:  math.Abs(quote - ref),
		})
	}
	if len(cands) == 0 || mark <= 0 {
		return nil, q
	}
	sortCandidates(cands)

	headroom := make([]float64, len(e.cfg.SubAccounts))
	for i, sub := range e.cfg.SubAccounts {
		pos, err := e.accounts.Position(sub, cfg.MarketIndex)
		if err != nil {
			e.log.Errorf("Error getting subaccount %d position in market %s: %v", sub, mr.id, err)
			continue
		}
		h := calc.LeverageHeadroom(cfg.TargetLeverage, pos.Collateral, mark, pos.Size)
		headroom[i] = math.Max(h-mr.inFlightSize(sub), 0)
	}

	var decisions []*FillDecision
	for _, c := range cands {
		for i, sub := range e.cfg.SubAccounts {
			size := calc.RoundDownToStep(math.Min(c.ord.Remaining, headroom[i]), cfg.StepSize)
			if size <= 0 {
				continue
			}
			headroom[i] -= size
			decisions = append(decisions, &FillDecision{
				Market:         mr.id,
				SubAccountID:   sub,
				Order:          c.ord.ID,
				Direction:      c.ord.Direction.Opposite(),
				Price:          c.quote,
				Size:           size,
				ExpirySlot:     c.ord.EndSlot(),
				ReferencePrice: c.ref,
			})
			break
		}
	}
	if len(decisions) < len(cands) {
		e.log.Debugf("Market %s: %d of %d auctions skipped for lack of headroom", mr.id, len(cands)-len(decisions), len(cands))
	}
	return decisions, q
}
