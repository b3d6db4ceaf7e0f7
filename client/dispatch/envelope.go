// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dispatch

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/decred/base58"
	"jitdex.org/jitmaker/dex/keygen"
	"jitdex.org/jitmaker/dex/order"
)

// Compute budget defaults.
const (
	DefaultComputeUnitPrice uint64 = 100_000   // micro-units per compute unit
	DefaultComputeUnitLimit uint32 = 1_400_000 // compute units
)

// ComputeBudget is the fee priority and compute limit of a submission.
type ComputeBudget struct {
	UnitPrice uint64
	UnitLimit uint32
}

// DefaultComputeBudget is a budget with the default price and limit.
func DefaultComputeBudget() *ComputeBudget {
	return &ComputeBudget{
		UnitPrice: DefaultComputeUnitPrice,
		UnitLimit: DefaultComputeUnitLimit,
	}
}

// envelopeHeaderLen is signature(64) + signer(32) + unit price(8) + unit
// limit(4).
const envelopeHeaderLen = 64 + 32 + 8 + 4

// encodeEnvelope serializes the signed instruction with its compute budget
// for sendTransaction. It returns the base64 encoding and the transaction
// signature, which is the base58 encoded instruction signature.
func encodeEnvelope(ins *order.SignedInstruction, budget *ComputeBudget) (string, string, error) {
	if len(ins.Signature) != 64 {
		return "", "", fmt.Errorf("invalid signature length %d", len(ins.Signature))
	}
	if len(ins.Message) == 0 {
		return "", "", errors.New("empty instruction")
	}
	signer, err := keygen.DecodePubKey(ins.Signer)
	if err != nil {
		return "", "", fmt.Errorf("signer: %w", err)
	}
	if budget == nil {
		budget = DefaultComputeBudget()
	}
	b := make([]byte, envelopeHeaderLen, envelopeHeaderLen+len(ins.Message))
	copy(b, ins.Signature)
	copy(b[64:], signer)
	binary.LittleEndian.PutUint64(b[96:], budget.UnitPrice)
	binary.LittleEndian.PutUint32(b[104:], budget.UnitLimit)
	b = append(b, ins.Message...)
	return base64.StdEncoding.EncodeToString(b), base58.Encode(ins.Signature), nil
}

// decodeEnvelope is the inverse of encodeEnvelope.
func decodeEnvelope(s string) (*order.SignedInstruction, *ComputeBudget, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, nil, err
	}
	if len(b) <= envelopeHeaderLen {
		return nil, nil, fmt.Errorf("envelope too short: %d bytes", len(b))
	}
	ins := &order.SignedInstruction{
		Signature: append([]byte(nil), b[:64]...),
		Signer:    base58.Encode(b[64:96]),
		Message:   append([]byte(nil), b[envelopeHeaderLen:]...),
	}
	budget := &ComputeBudget{
		UnitPrice: binary.LittleEndian.Uint64(b[96:]),
		UnitLimit: binary.LittleEndian.Uint32(b[104:]),
	}
	return ins, budget, nil
}
