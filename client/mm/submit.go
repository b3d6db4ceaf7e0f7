// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mm

import (
	"context"
	"fmt"

	"jitdex.org/jitmaker/client/dispatch"
	"jitdex.org/jitmaker/dex/order"
)

// submit signs the decision and hands it to the dispatcher. The order is
// tracked as in flight until the result is applied by a later pass. Must be
// called with mr.mtx held.
func (e *Engine) submit(ctx context.Context, mr *marketRunner, d *FillDecision) error {
	msg, err := order.EncodeFill(&order.FillParams{
		Market:       d.Market,
		SubAccountID: d.SubAccountID,
		Taker:        d.Order,
		Direction:    d.Direction,
		Price:        d.Price,
		Size:         d.Size,
		ExpirySlot:   d.ExpirySlot,
	})
	if err != nil {
		return fmt.Errorf("error encoding fill: %w", err)
	}
	ins := &order.SignedInstruction{
		Message:   msg,
		Signature: e.signer.Sign(msg),
		Signer:    e.signer.PubKey(),
	}

	t := &trackedOrder{
		oid:    d.Order,
		sub:    d.SubAccountID,
		size:   d.Size,
		expiry: d.ExpirySlot,
		status: trackInFlight,
	}
	mr.tracked[d.Order] = t
	e.states.get(mr.id, d.SubAccountID).InFlight++
	e.stats.submitted.Add(1)

	e.log.Infof("Countering %s in %s from subaccount %d: %s %.6f @ %.6f (ref %.6f, expires slot %d)",
		d.Order, d.Market, d.SubAccountID, d.Direction, d.Size, d.Price, d.ReferencePrice, d.ExpirySlot)

	// Submissions outlive the engine.
	resC := e.dispatcher.Submit(context.WithoutCancel(ctx), ins, e.cfg.ComputeBudget)
	e.wg.Add(1)
	go e.relay(ctx, mr, t, resC)
	return nil
}

// relay queues the submission result for the market's next pass and
// triggers that pass.
func (e *Engine) relay(ctx context.Context, mr *marketRunner, t *trackedOrder, resC <-chan *dispatch.Result) {
	defer e.wg.Done()
	var res *dispatch.Result
	select {
	case r, ok := <-resC:
		if !ok || r == nil {
			r = &dispatch.Result{Status: dispatch.Failed, Reason: "no result"}
		}
		res = r
	case <-ctx.Done():
		return
	}
	mr.queueResult(&submissionResult{track: t, res: res})
	select {
	case e.resultC <- mr.id:
	case <-ctx.Done():
	}
}

// applyResults records queued submission results. Must be called with mr.mtx
// held.
func (e *Engine) applyResults(mr *marketRunner) {
	for _, r := range mr.takeResults() {
		t, res := r.track, r.res
		if qs := e.states.get(mr.id, t.sub); qs.InFlight > 0 {
			qs.InFlight--
		}
		t.last = res
		switch res.Status {
		case dispatch.Landed:
			t.status = trackLanded
			e.stats.landed.Add(1)
			e.log.Infof("Counter to %s landed in slot %d, signature %s", t.oid, res.Slot, res.Signature)
		case dispatch.TimedOut:
			t.status = trackFailed
			e.stats.timedOut.Add(1)
			e.log.Warnf("Counter to %s timed out: %s", t.oid, res.Reason)
		default:
			t.status = trackFailed
			e.stats.failed.Add(1)
			e.log.Warnf("Counter to %s failed: %s", t.oid, res.Reason)
		}
	}
}

// pruneTracked forgets resolved orders whose auctions have ended. Orders
// still in flight are kept so that their size counts against headroom until
// the result arrives. Must be called with mr.mtx held.
func (e *Engine) pruneTracked(mr *marketRunner, slot uint64) {
	for oid, t := range mr.tracked {
		if slot <= t.expiry || t.status == trackInFlight {
			continue
		}
		delete(mr.tracked, oid)
		if t.status == trackFailed {
			e.stats.expired.Add(1)
			e.log.Infof("Giving up on %s. Auction ended at slot %d after %s counter: %s",
				oid, t.expiry, t.last.Status, t.last.Reason)
		}
	}
}
