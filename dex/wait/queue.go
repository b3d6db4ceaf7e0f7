// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package wait provides a queue for polling a condition on a tapering
// schedule until it resolves or expires. The dispatcher uses it to poll for
// transaction confirmations.
package wait

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

// TryDirective is a response that a Waiter's TryFunc can return to instruct
// the queue to continue trying or to quit.
type TryDirective bool

const (
	// TryAgain, when returned from the Waiter's TryFunc, instructs the ticker
	// queue to try again after the configured delay.
	TryAgain TryDirective = false
	// DontTryAgain, when returned from the Waiter's TryFunc, instructs the
	// ticker queue to quit trying and quit tracking the Waiter.
	DontTryAgain TryDirective = true
)

// ErrExpired is returned from Wait for a Waiter whose expiration has already
// passed.
var ErrExpired = errors.New("waiter expiration before present")

// Waiter is a function to run on a tapering schedule until completion or
// expiration. Completion is indicated when the TryFunc returns DontTryAgain.
// Expiration occurs when TryAgain is returned after Expiration time.
type Waiter struct {
	// Expiration time is checked after the function returns TryAgain. If the
	// current time > Expiration, ExpireFunc will be run and the waiter will be
	// un-queued.
	Expiration time.Time
	// TryFunc is the function to run periodically until DontTryAgain is
	// returned or Waiter expires.
	TryFunc func() TryDirective
	// ExpireFunc is a function to run in the case that the Waiter expires, or
	// the queue is shut down first.
	ExpireFunc func()
}

// tick speed is piecewise linear, constant at fastestInterval at or below
// fullSpeedTicks, linear from fastestInterval to slowestInterval between
// fullSpeedTicks and fullyTapered, and slowestInterval beyond that.
const (
	fullSpeedTicks = 3
	fullyTapered   = 15
)

type taperingWaiter struct {
	*Waiter
	// tick tracks the number of attempts that have been made and is used to
	// calculate the tapered delay.
	tick int
	// nextTick is used to sort the waiters.
	nextTick time.Time
}

// TaperingTickerQueue is a queue that will run Waiters according to a tapering-
// delay schedule. The first attempts will be more frequent, but if they are
// not successful, the delay between attempts will grow longer and longer up
// to a configurable maximum.
type TaperingTickerQueue struct {
	fastestInterval time.Duration
	slowestInterval time.Duration
	queueWaiter     chan *taperingWaiter
	quit            chan struct{}
	quitOnce        sync.Once
}

// NewTaperingTickerQueue is a constructor for a TaperingTicketQueue. The
// arguments fasterInterval and slowestInterval define how the Waiter attempt
// speed is tapered. Initially, attempts will be tried every fastestInterval.
// After fullSpeedTicks, the delays will be increased until it reaches
// slowestInterval (at fullyTapered).
func NewTaperingTickerQueue(fastestInterval, slowestInterval time.Duration) *TaperingTickerQueue {
	return &TaperingTickerQueue{
		fastestInterval: fastestInterval,
		slowestInterval: slowestInterval,
		queueWaiter:     make(chan *taperingWaiter, 16),
		quit:            make(chan struct{}),
	}
}

// Wait queues the Waiter. The (*Waiter).TryFunc will be run until either 1)
// the function returns the value DontTryAgain, or 2) the function's
// Expiration time has passed. In the case of 2, the (*Waiter).ExpireFunc will
// be run. If the queue has already shut down, ExpireFunc is run immediately.
func (q *TaperingTickerQueue) Wait(waiter *Waiter) error {
	if time.Now().After(waiter.Expiration) {
		return ErrExpired
	}
	// We don't want the caller to hang here, so we won't call TryFunc. Instead
	// set the nextTick as now and the run loop will call it in a goroutine
	// immediately.
	select {
	case <-q.quit:
		waiter.ExpireFunc()
		return nil
	default:
	}
	select {
	case q.queueWaiter <- &taperingWaiter{Waiter: waiter, nextTick: time.Now()}:
	case <-q.quit:
		waiter.ExpireFunc()
	}
	return nil
}

// Run runs the primary wait loop until the context is canceled.
func (q *TaperingTickerQueue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()
	stop := func() { q.quitOnce.Do(func() { close(q.quit) }) }
	defer stop()

	runWaiter := func(w *taperingWaiter) {
		defer wg.Done()

		if w.TryFunc() == DontTryAgain {
			return
		}
		// If this waiter has expired, run the expire func and don't
		// re-insert.
		if w.Expiration.Before(time.Now()) {
			w.ExpireFunc()
			return
		}

		w.tick++
		w.nextTick = nextTick(w.tick, q.slowestInterval, q.fastestInterval,
			time.Now(), w.Expiration)

		select {
		case q.queueWaiter <- w: // send it back to the queue
		case <-ctx.Done():
			w.ExpireFunc()
		}
	}

	waiters := make([]*taperingWaiter, 0, 100) // only used in the loop
	var timer *time.Timer
	for {
		var tick <-chan time.Time
		if len(waiters) > 0 {
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(time.Until(waiters[0].nextTick))
			tick = timer.C
		}

		select {
		case <-tick:
			// Remove the next waiter from the slice. runWaiter will re-insert
			// with a new nextTick time if it sees TryAgain.
			w := waiters[0]
			waiters = waiters[1:]
			wg.Add(1)
			go runWaiter(w)

		case w := <-q.queueWaiter:
			if time.Until(w.nextTick) <= 0 {
				wg.Add(1)
				go runWaiter(w)
				continue
			}

			waiters = append(waiters, w)
			sort.Slice(waiters, func(i, j int) bool {
				return waiters[i].nextTick.Before(waiters[j].nextTick) // ascending, next tick first
			})

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			stop()
			for _, w := range waiters {
				w.ExpireFunc() // early, but still ending prior to DontTryAgain
			}
			// Running waiters may still re-queue themselves.
			wg.Wait()
			for {
				select {
				case w := <-q.queueWaiter:
					w.ExpireFunc()
				default:
					return
				}
			}
		}
	}
}

func nextTick(ticksPassed int, slowestInterval, fastestInterval time.Duration,
	now, expiration time.Time) time.Time {
	var nextTickTime time.Time
	switch {
	case ticksPassed < fullSpeedTicks:
		nextTickTime = now.Add(fastestInterval)
	case ticksPassed < fullyTapered: // ramp up the interval
		prog := float64(ticksPassed+1-fullSpeedTicks) / (fullyTapered - fullSpeedTicks)
		taper := float64(slowestInterval - fastestInterval)
		interval := fastestInterval + time.Duration(math.Round(prog*taper))
		nextTickTime = now.Add(interval)
	default:
		nextTickTime = now.Add(slowestInterval)
	}

	if nextTickTime.After(expiration) {
		return expiration
	}
	return nextTickTime
}
