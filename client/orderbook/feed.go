// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package orderbook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"jitdex.org/jitmaker/dex"
	"jitdex.org/jitmaker/dex/order"
)

const (
	subscribeMethod    = "orderbookSubscribe"
	notificationMethod = "orderbookNotification"
	snapshotMethod     = "getAuctionBook"

	resyncRetry = 2 * time.Second
)

// ErrFeedLost is returned from Feed.Run when the note subscription ends.
const ErrFeedLost = dex.ErrorKind("order book feed lost")

// Conn is satisfied by *comms.WsConn.
type Conn interface {
	Notifications(ctx context.Context, method, notification string, params any) (<-chan json.RawMessage, error)
	Request(ctx context.Context, method string, params, result any) error
}

// marketParam is the wire form of a market in requests.
type marketParam struct {
	MarketIndex uint16 `json:"marketIndex"`
	MarketKind  string `json:"marketType"`
}

// Feed keeps a Book synced with the venue's order book server.
type Feed struct {
	conn    Conn
	book    *Book
	pub     *Publisher
	log     dex.Logger
	markets []marketParam
	resync  chan struct{}
}

// NewFeed creates a Feed for the markets. The Book must publish to pub.
func NewFeed(conn Conn, book *Book, pub *Publisher, markets []order.MarketID, logger dex.Logger) *Feed {
	params := make([]marketParam, 0, len(markets))
	for _, m := range markets {
		params = append(params, marketParam{MarketIndex: m.Index, MarketKind: m.Kind.String()})
	}
	return &Feed{
		conn:    conn,
		book:    book,
		pub:     pub,
		log:     logger,
		markets: params,
		resync:  make(chan struct{}, 1),
	}
}

// Resync requests that the book be reset from a fresh snapshot. Notes may
// have been missed, e.g. after a reconnect.
func (f *Feed) Resync() {
	select {
	case f.resync <- struct{}{}:
	default:
	}
}

func (f *Feed) fetchSnapshot(ctx context.Context) (*BookSnapshot, error) {
	snap := new(BookSnapshot)
	if err := f.conn.Request(ctx, snapshotMethod, []any{f.markets}, snap); err != nil {
		return nil, fmt.Errorf("%s error: %w", snapshotMethod, err)
	}
	return snap, nil
}

// sync resets the book from a fresh snapshot.
func (f *Feed) sync(ctx context.Context) error {
	f.book.Unsync()
	snap, err := f.fetchSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := f.book.Reset(snap); err != nil {
		return fmt.Errorf("error resetting book: %w", err)
	}
	f.log.Infof("Order book synced at slot %d, seq %d", snap.Slot, snap.Seq)
	return nil
}

// Run subscribes to book notes, syncs the book and applies notes until ctx is
// canceled or the subscription ends. The Publisher is closed on return.
func (f *Feed) Run(ctx context.Context) error {
	defer f.pub.Close()

	notes, err := f.conn.Notifications(ctx, subscribeMethod, notificationMethod, []any{f.markets})
	if err != nil {
		return fmt.Errorf("order book subscription error: %w", err)
	}
	// Notes arriving while the snapshot is fetched are cached by the book.
	if err := f.sync(ctx); err != nil {
		return err
	}

	var retry <-chan time.Time
	for {
		select {
		case b, ok := <-notes:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrFeedLost
			}
			note := new(Note)
			if err := json.Unmarshal(b, note); err != nil {
				f.log.Errorf("Bad order book note %s: %v", string(b), err)
				continue
			}
			if err := f.book.Apply(note); err != nil {
				f.log.Errorf("Error applying order book note: %v", err)
				if !f.book.Synced() {
					f.Resync()
				}
			}
		case <-f.resync:
			if err := f.sync(ctx); err != nil {
				f.log.Errorf("Order book resync failed: %v", err)
				retry = time.After(resyncRetry)
			}
		case <-retry:
			retry = nil
			f.Resync()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
