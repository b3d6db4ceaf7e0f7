// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package clock provides a slot clock backed by a JSON-RPC websocket slot
// subscription.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"jitdex.org/jitmaker/dex"
)

const (
	subscribeMethod    = "slotSubscribe"
	notificationMethod = "slotNotification"
)

// SlotInfo is the result of a slot notification.
type SlotInfo struct {
	Slot   uint64 `json:"slot"`
	Parent uint64 `json:"parent"`
	Root   uint64 `json:"root"`
}

// Subscriber is satisfied by *comms.WsConn. The notification channel is
// closed when the underlying connection is lost for good.
type Subscriber interface {
	Notifications(ctx context.Context, method, notification string, params any) (<-chan json.RawMessage, error)
}

// SlotSubscriber is a slot clock. Slots are delivered in non-decreasing
// order; regressions and repeats reported by the node, such as after a
// reconnect to a lagging node, are dropped.
type SlotSubscriber struct {
	conn Subscriber
	log  dex.Logger
	slot atomic.Uint64
}

// NewSlotSubscriber is the constructor for a SlotSubscriber.
func NewSlotSubscriber(conn Subscriber, log dex.Logger) *SlotSubscriber {
	return &SlotSubscriber{
		conn: conn,
		log:  log,
	}
}

// Slot is the latest delivered slot, or zero before the first notification.
func (s *SlotSubscriber) Slot() uint64 {
	return s.slot.Load()
}

// Subscribe starts the slot subscription. The returned channel carries each
// new slot and is closed when ctx is canceled or the transport fails. A
// slow consumer only sees the latest slot.
func (s *SlotSubscriber) Subscribe(ctx context.Context) (<-chan uint64, error) {
	src, err := s.conn.Notifications(ctx, subscribeMethod, notificationMethod, nil)
	if err != nil {
		return nil, fmt.Errorf("slot subscription error: %w", err)
	}
	slots := make(chan uint64, 1)
	go s.run(ctx, src, slots)
	return slots, nil
}

func (s *SlotSubscriber) run(ctx context.Context, in <-chan json.RawMessage, out chan uint64) {
	defer close(out)
	for {
		select {
		case b, ok := <-in:
			if !ok {
				if ctx.Err() == nil {
					s.log.Errorf("Slot subscription closed")
				}
				return
			}
			var info SlotInfo
			if err := json.Unmarshal(b, &info); err != nil {
				s.log.Errorf("Bad slot notification %s: %v", string(b), err)
				continue
			}
			if info.Slot <= s.slot.Load() {
				s.log.Tracef("Ignoring slot %d, latest is %d", info.Slot, s.slot.Load())
				continue
			}
			// Replace any undelivered slot with the newer one.
			select {
			case <-out:
			default:
			}
			out <- info.Slot
			s.slot.Store(info.Slot)
		case <-ctx.Done():
			return
		}
	}
}
