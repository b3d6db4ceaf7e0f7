// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package account

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"jitdex.org/jitmaker/dex"
)

const userAccountMethod = "getUserAccount"

// DefaultPollInterval is used if PollerConfig does not specify one.
const DefaultPollInterval = 2 * time.Second

// Caller is satisfied by *rpc.Client from go-ethereum.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// PerpPositionResult is the wire form of a position.
type PerpPositionResult struct {
	MarketIndex     uint16  `json:"marketIndex"`
	BaseAssetAmount float64 `json:"baseAssetAmount"`
	EntryPrice      float64 `json:"entryPrice"`
}

// UserAccountResult is the result of the getUserAccount method.
type UserAccountResult struct {
	Authority     string                `json:"authority"`
	SubAccountID  uint16                `json:"subAccountId"`
	Collateral    float64               `json:"totalCollateral"`
	Slot          uint64                `json:"slot"`
	PerpPositions []*PerpPositionResult `json:"perpPositions"`
}

// PollerConfig is the configuration for a Poller.
type PollerConfig struct {
	Client Caller
	// Accounts maps subaccount ids to their user account addresses.
	Accounts map[uint16]string
	Interval time.Duration
	Logger   dex.Logger
}

// Poller keeps a Map fresh by polling user accounts over JSON-RPC.
type Poller struct {
	client   Caller
	accounts map[uint16]string
	interval time.Duration
	m        *Map
	log      dex.Logger
}

// NewPoller creates a Poller that updates m.
func NewPoller(cfg *PollerConfig, m *Map) (*Poller, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("no rpc client")
	}
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("no accounts to poll")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		client:   cfg.Client,
		accounts: cfg.Accounts,
		interval: interval,
		m:        m,
		log:      cfg.Logger,
	}, nil
}

// Poll fetches every account once, concurrently.
func (p *Poller) Poll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for subID, addr := range p.accounts {
		g.Go(func() error {
			var res UserAccountResult
			if err := p.client.CallContext(ctx, &res, userAccountMethod, addr); err != nil {
				return fmt.Errorf("%s error for subaccount %d (%s): %w", userAccountMethod, subID, addr, err)
			}
			if res.SubAccountID != subID {
				return dex.NewError(ErrAccountMismatch, "account %s reported subaccount %d, expected %d",
					addr, res.SubAccountID, subID)
			}
			snap := &Snapshot{
				SubAccountID: subID,
				Collateral:   res.Collateral,
				Slot:         res.Slot,
				Positions:    make(map[uint16]MarketPosition, len(res.PerpPositions)),
			}
			for _, pos := range res.PerpPositions {
				snap.Positions[pos.MarketIndex] = MarketPosition{
					Size:       pos.BaseAssetAmount,
					EntryPrice: pos.EntryPrice,
				}
			}
			if !p.m.Update(snap) {
				p.log.Debugf("Ignoring stale state for subaccount %d at slot %d", subID, res.Slot)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run polls until ctx is canceled. The first poll must succeed. Later
// failures are logged and the previous state is kept.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Poll(ctx); err != nil {
		return fmt.Errorf("initial account poll failed: %w", err)
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.log.Errorf("Account poll error: %v", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
