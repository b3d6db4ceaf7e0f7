// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Venue fixed-point precisions.
const (
	PricePrecisionExp = 6 // quote prices are integers of 1e-6
	BasePrecisionExp  = 9 // base sizes are integers of 1e-9
)

const fillInstructionTag = 0x4a // 'J'

// fillInstructionLen is tag(1) + market(2) + kind(1) + direction(1) +
// subaccount(2) + taker order id(4) + price(8) + size(8) + expiry slot(8) +
// taker user length(1).
const fillInstructionLen = 1 + 2 + 1 + 1 + 2 + 4 + 8 + 8 + 8 + 1

// ToPriceUnits converts a quote price to venue price units, rounding half away
// from zero.
func ToPriceUnits(price float64) (uint64, error) {
	return toUnits(price, PricePrecisionExp, false)
}

// ToBaseUnits converts a base size to venue base units, truncating so that a
// size is never rounded up.
func ToBaseUnits(size float64) (uint64, error) {
	return toUnits(size, BasePrecisionExp, true)
}

// FromPriceUnits converts venue price units to a quote price.
func FromPriceUnits(units uint64) float64 {
	f, _ := decimal.NewFromUint64(units).Shift(-PricePrecisionExp).Float64()
	return f
}

// FromBaseUnits converts venue base units to a base size.
func FromBaseUnits(units uint64) float64 {
	f, _ := decimal.NewFromUint64(units).Shift(-BasePrecisionExp).Float64()
	return f
}

func toUnits(v float64, exp int32, truncate bool) (uint64, error) {
	d := decimal.NewFromFloat(v)
	if d.IsNegative() {
		return 0, fmt.Errorf("negative value %v", v)
	}
	d = d.Shift(exp)
	if truncate {
		d = d.Truncate(0)
	} else {
		d = d.Round(0)
	}
	if !d.BigInt().IsUint64() {
		return 0, fmt.Errorf("value %v overflows venue units", v)
	}
	return d.BigInt().Uint64(), nil
}

// FillParams are the parameters of a maker fill against an auction order.
type FillParams struct {
	Market       MarketID
	SubAccountID uint16
	Taker        OrderID
	Direction    Direction // maker direction
	Price        float64   // maker limit price
	Size         float64
	ExpirySlot   uint64
}

// EncodeFill serializes the fill instruction. All integers are little-endian.
func EncodeFill(p *FillParams) ([]byte, error) {
	if len(p.Taker.User) > 255 {
		return nil, errors.New("taker account too long")
	}
	price, err := ToPriceUnits(p.Price)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	size, err := ToBaseUnits(p.Size)
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	if price == 0 || size == 0 {
		return nil, fmt.Errorf("zero price (%d) or size (%d) in venue units", price, size)
	}

	b := make([]byte, fillInstructionLen, fillInstructionLen+len(p.Taker.User))
	b[0] = fillInstructionTag
	binary.LittleEndian.PutUint16(b[1:3], p.Market.Index)
	b[3] = byte(p.Market.Kind)
	b[4] = byte(p.Direction)
	binary.LittleEndian.PutUint16(b[5:7], p.SubAccountID)
	binary.LittleEndian.PutUint32(b[7:11], p.Taker.ID)
	binary.LittleEndian.PutUint64(b[11:19], price)
	binary.LittleEndian.PutUint64(b[19:27], size)
	binary.LittleEndian.PutUint64(b[27:35], p.ExpirySlot)
	b[35] = byte(len(p.Taker.User))
	return append(b, p.Taker.User...), nil
}

// DecodeFill is the inverse of EncodeFill. Price and size are returned as
// floats converted from venue units.
func DecodeFill(b []byte) (*FillParams, error) {
	if len(b) < fillInstructionLen {
		return nil, fmt.Errorf("instruction too short: %d bytes", len(b))
	}
	if b[0] != fillInstructionTag {
		return nil, fmt.Errorf("unknown instruction tag %#x", b[0])
	}
	userLen := int(b[35])
	if len(b) != fillInstructionLen+userLen {
		return nil, fmt.Errorf("bad instruction length %d, expected %d", len(b), fillInstructionLen+userLen)
	}
	return &FillParams{
		Market: MarketID{
			Index: binary.LittleEndian.Uint16(b[1:3]),
			Kind:  MarketKind(b[3]),
		},
		Direction:    Direction(b[4]),
		SubAccountID: binary.LittleEndian.Uint16(b[5:7]),
		Taker: OrderID{
			ID:   binary.LittleEndian.Uint32(b[7:11]),
			User: string(b[fillInstructionLen:]),
		},
		Price:      FromPriceUnits(binary.LittleEndian.Uint64(b[11:19])),
		Size:       FromBaseUnits(binary.LittleEndian.Uint64(b[19:27])),
		ExpirySlot: binary.LittleEndian.Uint64(b[27:35]),
	}, nil
}

// SignedInstruction is an encoded instruction with the signer's signature.
type SignedInstruction struct {
	Message   []byte
	Signature []byte
	// Signer is the base58 public key of the signer.
	Signer string
}
