package keygen

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/decred/base58"
)

var testSeed = []byte{
	0x9d, 0x61, 0xb1, 0x9d, 0xef, 0xfd, 0x5a, 0x60, 0xba, 0x84, 0x4a, 0xf4,
	0x92, 0xec, 0x2c, 0xc4, 0x44, 0x49, 0xc5, 0x69, 0x7b, 0x32, 0x69, 0x19,
	0x70, 0x3b, 0xac, 0x03, 0x1c, 0xae, 0x7f, 0x60,
}

func TestLoadKeypair(t *testing.T) {
	priv := ed25519.NewKeyFromSeed(testSeed)
	wantPub := base58.Encode(priv.Public().(ed25519.PublicKey))

	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	jsonKey, _ := json.Marshal(ints)

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "id.json")
	if err := os.WriteFile(keyFile, jsonKey, 0600); err != nil {
		t.Fatal(err)
	}

	badPair := make([]byte, len(priv))
	copy(badPair, priv)
	badPair[40] ^= 0xff

	tests := []struct {
		name     string
		material string
		wantErr  bool
	}{
		{"base58 keypair", base58.Encode(priv), false},
		{"json array", string(jsonKey), false},
		{"hex seed", hex.EncodeToString(testSeed), false},
		{"hex keypair", hex.EncodeToString(priv), false},
		{"file", keyFile, false},
		{"empty", "", true},
		{"garbage", "not-a-key-0OIl", true},
		{"wrong length", base58.Encode(testSeed[:20]), true},
		{"mismatched pubkey", base58.Encode(badPair), true},
		{"json out of range", "[256]", true},
	}
	for _, tt := range tests {
		kp, err := LoadKeypair(tt.material)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: wantErr = %v, err = %v", tt.name, tt.wantErr, err)
		}
		if err != nil {
			continue
		}
		if kp.PubKey() != wantPub {
			t.Fatalf("%s: wrong pubkey %s", tt.name, kp.PubKey())
		}
		msg := []byte("fill")
		if !ed25519.Verify(kp.PubKeyBytes(), msg, kp.Sign(msg)) {
			t.Fatalf("%s: bad signature", tt.name)
		}
	}

	if _, err := LoadKeypair("  "); !errors.Is(err, ErrBadKeyMaterial) {
		t.Fatalf("wrong error for blank material: %v", err)
	}
}

func TestUserAccountAddress(t *testing.T) {
	kp := NewKeypair(ed25519.NewKeyFromSeed(testSeed))

	addr0, err := UserAccountAddress(DefaultProgramID, kp.PubKey(), 0)
	if err != nil {
		t.Fatal(err)
	}
	addr0Again, _ := UserAccountAddress(DefaultProgramID, kp.PubKey(), 0)
	if addr0 != addr0Again {
		t.Fatal("derivation not deterministic")
	}
	addr1, err := UserAccountAddress(DefaultProgramID, kp.PubKey(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if addr0 == addr1 {
		t.Fatal("subaccounts share an address")
	}
	b, err := DecodePubKey(addr0)
	if err != nil {
		t.Fatal(err)
	}
	if onCurve(b) {
		t.Fatal("derived address is on the curve")
	}
	// A real public key is on the curve.
	if !onCurve(kp.PubKeyBytes()) {
		t.Fatal("public key reported off curve")
	}

	if _, err := UserAccountAddress("bad", kp.PubKey(), 0); err == nil {
		t.Fatal("no error for bad program id")
	}
	if _, err := UserAccountAddress(DefaultProgramID, "bad", 0); err == nil {
		t.Fatal("no error for bad authority")
	}
}
