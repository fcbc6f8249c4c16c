// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package brontide

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// curveField is secp256k1's base field prime, which is ≡ 3 (mod 4), so
// square roots can be computed directly via exponentiation.
var curveField = btcec.S256().P

var curveB = big.NewInt(7)

// uniformSize is the length in bytes of each field-element half of an
// ephemeral's "uniform" wire encoding.
const uniformSize = 32

// newEllipticKeyPair generates a secp256k1 keypair whose public point has
// an even Y coordinate, so its X coordinate alone (plus the fixed "even"
// convention) is enough for the peer to reconstruct the full point from
// the additive secret-sharing encoding used on the wire.
func newEllipticKeyPair() (*btcec.PrivateKey, error) {
	for i := 0; i < 256; i++ {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral: %w", err)
		}
		y := priv.PubKey().Y()
		if y.Bit(0) == 0 {
			return priv, nil
		}
	}
	return nil, fmt.Errorf("generate ephemeral: exhausted retries")
}

// encodeUniform additively splits pub.X() into two field elements that
// are each individually indistinguishable from random, mirroring the
// wire requirement that an ephemeral's bytes look like uniform noise.
func encodeUniform(pub *btcec.PublicKey) (u1, u2 [uniformSize]byte, err error) {
	share, err := rand.Int(rand.Reader, curveField)
	if err != nil {
		return u1, u2, fmt.Errorf("encode ephemeral: %w", err)
	}

	other := new(big.Int).Sub(pub.X(), share)
	other.Mod(other, curveField)

	share.FillBytes(u1[:])
	other.FillBytes(u2[:])
	return u1, u2, nil
}

// decodeUniform reverses encodeUniform: it recombines the two shares
// into X, then recovers the unique even-Y point on the curve, which
// matches the convention enforced by newEllipticKeyPair.
func decodeUniform(u1, u2 [uniformSize]byte) (*btcec.PublicKey, error) {
	x := new(big.Int).Add(new(big.Int).SetBytes(u1[:]), new(big.Int).SetBytes(u2[:]))
	x.Mod(x, curveField)

	rhs := new(big.Int).Exp(x, big.NewInt(3), curveField)
	rhs.Add(rhs, curveB)
	rhs.Mod(rhs, curveField)

	// p ≡ 3 (mod 4): sqrt(a) = a^((p+1)/4) mod p when a is a QR.
	exp := new(big.Int).Add(curveField, big.NewInt(1))
	exp.Rsh(exp, 2)
	y := new(big.Int).Exp(rhs, exp, curveField)

	check := new(big.Int).Exp(y, big.NewInt(2), curveField)
	if check.Cmp(rhs) != 0 {
		return nil, fmt.Errorf("decode ephemeral: point not on curve")
	}
	if y.Bit(0) != 0 {
		y.Sub(curveField, y)
	}

	var xb, yb [32]byte
	x.FillBytes(xb[:])
	y.FillBytes(yb[:])

	pub, err := btcec.ParsePubKey(append([]byte{0x04}, append(xb[:], yb[:]...)...))
	if err != nil {
		return nil, fmt.Errorf("decode ephemeral: %w", err)
	}
	return pub, nil
}

// ecdh computes the X9.63-style shared secret between priv and pub,
// matching the ECDH used throughout the noise handshake's mixKey steps.
func ecdh(priv *btcec.PrivateKey, pub *btcec.PublicKey) []byte {
	return btcec.GenerateSharedSecret(priv, pub)
}
