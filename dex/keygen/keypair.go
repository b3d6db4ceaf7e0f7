// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package keygen loads the maker's signing key and derives the venue account
// addresses that belong to it.
package keygen

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/decred/base58"
)

// ErrBadKeyMaterial is returned when key material cannot be decoded in any of
// the supported formats.
var ErrBadKeyMaterial = errors.New("unrecognized key material")

// Keypair is an ed25519 signing keypair.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  string
}

// NewKeypair wraps an ed25519 private key.
func NewKeypair(priv ed25519.PrivateKey) *Keypair {
	return &Keypair{
		priv: priv,
		pub:  base58.Encode(priv.Public().(ed25519.PublicKey)),
	}
}

// PubKey is the base58 encoded public key.
func (k *Keypair) PubKey() string {
	return k.pub
}

// PubKeyBytes is the raw 32 byte public key.
func (k *Keypair) PubKeyBytes() []byte {
	return k.priv.Public().(ed25519.PublicKey)
}

// Sign signs msg.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Zero clears the private key bytes.
func (k *Keypair) Zero() {
	for i := range k.priv {
		k.priv[i] = 0
	}
}

// LoadKeypair accepts key material in any of the following formats, or a path
// to a file containing one of them:
//
//   - base58 encoded 64 byte keypair (seed || public key)
//   - JSON array of 64 byte values, as written by common wallet CLIs
//   - hex encoded 32 byte seed or 64 byte keypair
func LoadKeypair(material string) (*Keypair, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, ErrBadKeyMaterial
	}
	if fi, err := os.Stat(material); err == nil && !fi.IsDir() {
		b, err := os.ReadFile(material)
		if err != nil {
			return nil, fmt.Errorf("error reading key file: %w", err)
		}
		material = strings.TrimSpace(string(b))
	}

	b, err := decodeKeyBytes(material)
	if err != nil {
		return nil, err
	}

	switch len(b) {
	case ed25519.SeedSize:
		return NewKeypair(ed25519.NewKeyFromSeed(b)), nil
	case ed25519.PrivateKeySize:
		priv := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
		if string(priv[ed25519.SeedSize:]) != string(b[ed25519.SeedSize:]) {
			return nil, errors.New("keypair public key does not match seed")
		}
		return NewKeypair(priv), nil
	}
	return nil, fmt.Errorf("%w: %d bytes", ErrBadKeyMaterial, len(b))
}

func decodeKeyBytes(s string) ([]byte, error) {
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err)
		}
		b := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: byte %d out of range", ErrBadKeyMaterial, i)
			}
			b[i] = byte(v)
		}
		return b, nil
	}
	if len(s) == 2*ed25519.SeedSize || len(s) == 2*ed25519.PrivateKeySize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	if b := base58.Decode(s); len(b) > 0 {
		return b, nil
	}
	return nil, ErrBadKeyMaterial
}
