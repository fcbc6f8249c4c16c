// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package brontide

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// protocolName seeds the symmetric state the way the Noise spec seeds
// it from a pattern name; it never appears on the wire but both sides
// must agree on it exactly or every handshake MAC fails.
const protocolName = "Noise_XK_secp256k1_ChaChaPoly_SHA256+SVDW_Squared"

// prologue is mixed into the transcript hash by both sides before any
// key material; a disagreement surfaces as an act-one MAC failure.
const prologue = "hns"

// symmetricState tracks the running chaining key and transcript hash
// across a handshake, per the Noise Protocol Framework's "Symmetric
// State" object. Unlike cipherState, the key here is never rotated
// mid-handshake; it is replaced outright on every mixKey.
type symmetricState struct {
	chainKey [32]byte
	handHash [32]byte
	key      [32]byte
	haveKey  bool
	nonce    uint64
}

func newSymmetricState() *symmetricState {
	s := &symmetricState{}
	name := []byte(protocolName)
	if len(name) <= 32 {
		copy(s.handHash[:], name)
	} else {
		s.handHash = sha256.Sum256(name)
	}
	s.chainKey = s.handHash
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(s.handHash[:])
	h.Write(data)
	copy(s.handHash[:], h.Sum(nil))
}

func (s *symmetricState) mixKey(ikm []byte) {
	out := hkdfExpand(s.chainKey[:], ikm, 64)
	copy(s.chainKey[:], out[:32])
	copy(s.key[:], out[32:])
	s.haveKey = true
	s.nonce = 0
}

// encryptAndHash seals plaintext under the running key (or passes it
// through unsealed before the first mixKey) and folds the ciphertext
// into the transcript hash.
func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.haveKey {
		s.mixHash(plaintext)
		return plaintext, nil
	}
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("brontide: handshake cipher: %w", err)
	}
	var nonceBuf [12]byte
	binary.LittleEndian.PutUint64(nonceBuf[4:], s.nonce)
	s.nonce++

	ct := aead.Seal(nil, nonceBuf[:], plaintext, s.handHash[:])
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.haveKey {
		s.mixHash(ciphertext)
		return ciphertext, nil
	}
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("brontide: handshake cipher: %w", err)
	}
	var nonceBuf [12]byte
	binary.LittleEndian.PutUint64(nonceBuf[4:], s.nonce)
	s.nonce++

	pt, err := aead.Open(nil, nonceBuf[:], ciphertext, s.handHash[:])
	if err != nil {
		return nil, fmt.Errorf("brontide: handshake decrypt: %w", err)
	}
	s.mixHash(ciphertext)
	return pt, nil
}

// split derives the two directional transport keys from the final
// chaining key, per the Noise spec's Split() step.
func (s *symmetricState) split() (sendKey, recvKey [32]byte) {
	out := hkdfExpand(s.chainKey[:], nil, 64)
	copy(sendKey[:], out[:32])
	copy(recvKey[:], out[32:])
	return sendKey, recvKey
}

func hkdfExpand(chainKey, ikm []byte, n int) []byte {
	r := hkdf.New(sha256.New, ikm, chainKey, nil)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("brontide: hkdf expand: %v", err))
	}
	return out
}
