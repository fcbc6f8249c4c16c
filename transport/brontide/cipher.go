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

// rotationInterval is how many messages a transportCipher encrypts or
// decrypts before its key is ratcheted forward.
const rotationInterval = 1000

// transportCipher is one direction of the post-handshake AEAD stream.
// Both peers run two independent transportCiphers, one per direction,
// each seeded from a distinct half of the handshake's final split.
type transportCipher struct {
	key    [32]byte
	salt   [32]byte
	nonce  uint64
	sentBy uint64 // messages encrypted/decrypted since the last rotation
}

func newTransportCipher(key [32]byte) *transportCipher {
	return &transportCipher{key: key, salt: key}
}

// Encrypt seals plaintext, rotating the key first if the rotation
// interval has elapsed.
func (c *transportCipher) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("brontide: cipher init: %w", err)
	}

	var nonceBuf [12]byte
	binary.LittleEndian.PutUint64(nonceBuf[4:], c.nonce)

	out := aead.Seal(nil, nonceBuf[:], plaintext, nil)
	c.advance()
	return out, nil
}

// Decrypt opens ciphertext, rotating the key first if the rotation
// interval has elapsed.
func (c *transportCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("brontide: cipher init: %w", err)
	}

	var nonceBuf [12]byte
	binary.LittleEndian.PutUint64(nonceBuf[4:], c.nonce)

	out, err := aead.Open(nil, nonceBuf[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("brontide: decrypt: %w", err)
	}
	c.advance()
	return out, nil
}

// advance increments the nonce and, once rotationInterval messages have
// been processed under the current key, ratchets key/salt forward via
// HKDF so a compromised key exposes only a bounded window of traffic.
func (c *transportCipher) advance() {
	c.nonce++
	c.sentBy++
	if c.sentBy < rotationInterval {
		return
	}
	c.sentBy = 0

	h := hkdf.New(sha256.New, c.key[:], c.salt[:], []byte("rotation"))
	var next [64]byte
	if _, err := io.ReadFull(h, next[:]); err != nil {
		// Exhausting the HKDF output stream here would indicate a
		// broken reader implementation, not a runtime condition.
		panic(fmt.Sprintf("brontide: key rotation: %v", err))
	}
	copy(c.salt[:], next[:32])
	copy(c.key[:], next[32:])
	c.nonce = 0
}
