// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package account provides a read-only, concurrently readable view of our
// subaccounts' collateral and positions.
package account

import (
	"fmt"
	"sync"
	"sync/atomic"

	"jitdex.org/jitmaker/dex"
)

// ErrUnknownAccount is returned for a subaccount with no known state.
const ErrUnknownAccount = dex.ErrorKind("unknown subaccount")

// ErrAccountMismatch is returned when an account's state belongs to a
// different subaccount than requested.
const ErrAccountMismatch = dex.ErrorKind("subaccount mismatch")

// Position is a subaccount's exposure in one market. Size is signed base
// units: positive is long, negative is short. Collateral is the
// subaccount's total collateral in quote units.
type Position struct {
	Size       float64
	EntryPrice float64
	Collateral float64
	// Slot is the slot the account state was read at.
	Slot uint64
}

// MarketPosition is a position in a Snapshot.
type MarketPosition struct {
	Size       float64
	EntryPrice float64
}

// Snapshot is the state of one subaccount.
type Snapshot struct {
	SubAccountID uint16
	Collateral   float64
	Slot         uint64
	Positions    map[uint16]MarketPosition
}

// Map is the latest known state of each subaccount. It is updated
// copy-on-write, so readers never block and never see a partial update.
type Map struct {
	updateMtx sync.Mutex
	accounts  atomic.Pointer[map[uint16]*Snapshot]
}

// NewMap creates an empty Map.
func NewMap() *Map {
	m := new(Map)
	accounts := make(map[uint16]*Snapshot)
	m.accounts.Store(&accounts)
	return m
}

// Update replaces the subaccount's state. Updates older than the stored
// state are ignored. The Map takes ownership of snap.
func (m *Map) Update(snap *Snapshot) bool {
	m.updateMtx.Lock()
	defer m.updateMtx.Unlock()

	cur := *m.accounts.Load()
	if old, found := cur[snap.SubAccountID]; found && old.Slot > snap.Slot {
		return false
	}
	if snap.Positions == nil {
		snap.Positions = make(map[uint16]MarketPosition)
	}
	next := make(map[uint16]*Snapshot, len(cur)+1)
	for id, s := range cur {
		next[id] = s
	}
	next[snap.SubAccountID] = snap
	m.accounts.Store(&next)
	return true
}

// Position is the subaccount's position in the market. A known subaccount
// with no position in the market has a zero Size.
func (m *Map) Position(subAccountID, marketIndex uint16) (*Position, error) {
	snap, found := (*m.accounts.Load())[subAccountID]
	if !found {
		return nil, fmt.Errorf("%w %d", ErrUnknownAccount, subAccountID)
	}
	pos := snap.Positions[marketIndex]
	return &Position{
		Size:       pos.Size,
		EntryPrice: pos.EntryPrice,
		Collateral: snap.Collateral,
		Slot:       snap.Slot,
	}, nil
}
