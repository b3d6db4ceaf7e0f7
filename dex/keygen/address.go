// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package keygen

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/decred/base58"
)

// DefaultProgramID is the venue's program address on mainnet.
const DefaultProgramID = "dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH"

const pdaMarker = "ProgramDerivedAddress"

// DecodePubKey decodes a base58 public key.
func DecodePubKey(s string) ([]byte, error) {
	b := base58.Decode(s)
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid public key %q", s)
	}
	return b, nil
}

// onCurve reports whether b is the encoding of a point on the ed25519 curve.
func onCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// FindProgramAddress derives the program address for seeds, searching bump
// seeds from 255 down for the first hash that is not a valid curve point.
func FindProgramAddress(seeds [][]byte, programID []byte) (string, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			if len(s) > 32 {
				return "", 0, errors.New("seed too long")
			}
			h.Write(s)
		}
		h.Write([]byte{byte(bump)})
		h.Write(programID)
		h.Write([]byte(pdaMarker))
		addr := h.Sum(nil)
		if !onCurve(addr) {
			return base58.Encode(addr), uint8(bump), nil
		}
	}
	return "", 0, errors.New("no viable bump seed")
}

// UserAccountAddress is the address of the venue user account for the
// authority's subaccount.
func UserAccountAddress(programID, authority string, subAccountID uint16) (string, error) {
	prog, err := DecodePubKey(programID)
	if err != nil {
		return "", fmt.Errorf("program id: %w", err)
	}
	auth, err := DecodePubKey(authority)
	if err != nil {
		return "", fmt.Errorf("authority: %w", err)
	}
	var sub [2]byte
	binary.LittleEndian.PutUint16(sub[:], subAccountID)
	addr, _, err := FindProgramAddress([][]byte{[]byte("user"), auth, sub[:]}, prog)
	return addr, err
}
