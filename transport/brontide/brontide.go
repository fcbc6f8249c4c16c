// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package brontide implements the encrypted, authenticated transport
// carried between peers: a fixed three-act Noise-XK-style handshake
// over secp256k1 keys followed by length-prefixed, AEAD-sealed framing
// for every application message that follows.
package brontide

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Wire sizes for the three handshake acts.
const (
	Act1Size = 64 + 16
	Act2Size = 64 + 16
	Act3Size = 33 + 16 + 16

	// LengthPrefixSize and MacSize bound a post-handshake application
	// frame: a 4-byte little-endian length (itself AEAD-sealed) then
	// the payload, each individually authenticated.
	LengthPrefixSize = 4
	MacSize          = 16
	MaxMessageLength = 8_000_000
)

// handshakeStep tracks act ordering so out-of-order calls fail loudly
// rather than silently desyncing the transcript hash.
type handshakeStep int

const (
	stepAwaitAct1 handshakeStep = iota
	stepAwaitAct2
	stepAwaitAct3
	stepDone
)

// Machine drives one side of a brontide connection: the handshake,
// then the bidirectional encrypted application stream.
type Machine struct {
	initiator bool
	localKey  *btcec.PrivateKey
	remoteKey *btcec.PublicKey // known in advance for an initiator; learned from act3 by a responder

	ss *symmetricState
	ee *btcec.PrivateKey // local ephemeral for this handshake
	re *btcec.PublicKey  // remote ephemeral, once received

	step handshakeStep

	send *transportCipher
	recv *transportCipher
}

// NewInitiator begins a handshake as the connecting side, which must
// already know the responder's static public key.
func NewInitiator(local *btcec.PrivateKey, remote *btcec.PublicKey) *Machine {
	m := &Machine{
		initiator: true,
		localKey:  local,
		remoteKey: remote,
		ss:        newSymmetricState(),
		step:      stepAwaitAct1,
	}
	m.ss.mixHash([]byte(prologue))
	m.ss.mixHash(remote.SerializeCompressed())
	return m
}

// NewResponder begins a handshake as the accepting side; the remote
// static key is not known until act3 arrives.
func NewResponder(local *btcec.PrivateKey) *Machine {
	m := &Machine{
		initiator: false,
		localKey:  local,
		ss:        newSymmetricState(),
		step:      stepAwaitAct1,
	}
	m.ss.mixHash([]byte(prologue))
	m.ss.mixHash(local.PubKey().SerializeCompressed())
	return m
}

// GenActOne produces the initiator's first handshake message.
func (m *Machine) GenActOne() ([]byte, error) {
	if !m.initiator || m.step != stepAwaitAct1 {
		return nil, fmt.Errorf("brontide: GenActOne called out of sequence")
	}

	ephemeral, err := newEllipticKeyPair()
	if err != nil {
		return nil, err
	}
	m.ee = ephemeral

	u1, u2, err := encodeUniform(ephemeral.PubKey())
	if err != nil {
		return nil, err
	}
	var eBytes [64]byte
	copy(eBytes[:32], u1[:])
	copy(eBytes[32:], u2[:])
	m.ss.mixHash(eBytes[:])

	es := ecdh(ephemeral, m.remoteKey)
	m.ss.mixKey(es)

	tag, err := m.ss.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	m.step = stepAwaitAct2
	return append(eBytes[:], tag...), nil
}

// RecvActOne consumes the initiator's first message on the responder side.
func (m *Machine) RecvActOne(act []byte) error {
	if m.initiator || m.step != stepAwaitAct1 || len(act) != Act1Size {
		return fmt.Errorf("brontide: RecvActOne: bad call or length %d", len(act))
	}

	var u1, u2 [32]byte
	copy(u1[:], act[:32])
	copy(u2[:], act[32:64])
	remoteEphemeral, err := decodeUniform(u1, u2)
	if err != nil {
		return fmt.Errorf("brontide: RecvActOne: %w", err)
	}
	m.ss.mixHash(act[:64])
	m.re = remoteEphemeral

	es := ecdh(m.localKey, remoteEphemeral)
	m.ss.mixKey(es)

	if _, err := m.ss.decryptAndHash(act[64:]); err != nil {
		return fmt.Errorf("brontide: RecvActOne: %w", err)
	}

	m.step = stepAwaitAct2
	return nil
}

// GenActTwo produces the responder's reply.
func (m *Machine) GenActTwo() ([]byte, error) {
	if m.initiator || m.step != stepAwaitAct2 {
		return nil, fmt.Errorf("brontide: GenActTwo called out of sequence")
	}

	ephemeral, err := newEllipticKeyPair()
	if err != nil {
		return nil, err
	}
	m.ee = ephemeral

	u1, u2, err := encodeUniform(ephemeral.PubKey())
	if err != nil {
		return nil, err
	}
	var eBytes [64]byte
	copy(eBytes[:32], u1[:])
	copy(eBytes[32:], u2[:])
	m.ss.mixHash(eBytes[:])

	ee := ecdh(ephemeral, m.re)
	m.ss.mixKey(ee)

	tag, err := m.ss.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	m.step = stepAwaitAct3
	return append(eBytes[:], tag...), nil
}

// RecvActTwo consumes the responder's reply on the initiator side.
func (m *Machine) RecvActTwo(act []byte) error {
	if !m.initiator || m.step != stepAwaitAct2 || len(act) != Act2Size {
		return fmt.Errorf("brontide: RecvActTwo: bad call or length %d", len(act))
	}

	var u1, u2 [32]byte
	copy(u1[:], act[:32])
	copy(u2[:], act[32:64])
	remoteEphemeral, err := decodeUniform(u1, u2)
	if err != nil {
		return fmt.Errorf("brontide: RecvActTwo: %w", err)
	}
	m.ss.mixHash(act[:64])
	m.re = remoteEphemeral

	ee := ecdh(m.ee, remoteEphemeral)
	m.ss.mixKey(ee)

	if _, err := m.ss.decryptAndHash(act[64:]); err != nil {
		return fmt.Errorf("brontide: RecvActTwo: %w", err)
	}

	m.step = stepAwaitAct3
	return nil
}

// GenActThree produces the initiator's final message, which carries
// its encrypted static key and completes the handshake.
func (m *Machine) GenActThree() ([]byte, error) {
	if !m.initiator || m.step != stepAwaitAct3 {
		return nil, fmt.Errorf("brontide: GenActThree called out of sequence")
	}

	sCipher, err := m.ss.encryptAndHash(m.localKey.PubKey().SerializeCompressed())
	if err != nil {
		return nil, err
	}

	se := ecdh(m.localKey, m.re)
	m.ss.mixKey(se)

	tag, err := m.ss.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	m.finish()
	return append(sCipher, tag...), nil
}

// RecvActThree consumes the initiator's final message on the
// responder side, learning the initiator's static key and completing
// the handshake.
func (m *Machine) RecvActThree(act []byte) error {
	if m.initiator || m.step != stepAwaitAct3 || len(act) != Act3Size {
		return fmt.Errorf("brontide: RecvActThree: bad call or length %d", len(act))
	}

	sCipher := act[:49]
	rest := act[49:]

	sPlain, err := m.ss.decryptAndHash(sCipher)
	if err != nil {
		return fmt.Errorf("brontide: RecvActThree: %w", err)
	}
	remoteStatic, err := btcec.ParsePubKey(sPlain)
	if err != nil {
		return fmt.Errorf("brontide: RecvActThree: bad static key: %w", err)
	}
	m.remoteKey = remoteStatic

	se := ecdh(m.ee, remoteStatic)
	m.ss.mixKey(se)

	if _, err := m.ss.decryptAndHash(rest); err != nil {
		return fmt.Errorf("brontide: RecvActThree: %w", err)
	}

	m.finish()
	return nil
}

// finish derives the two directional transport ciphers once the
// handshake transcript is fully mixed.
func (m *Machine) finish() {
	k1, k2 := m.ss.split()
	if m.initiator {
		m.send = newTransportCipher(k1)
		m.recv = newTransportCipher(k2)
	} else {
		m.send = newTransportCipher(k2)
		m.recv = newTransportCipher(k1)
	}
	m.step = stepDone
}

// RemoteKey returns the peer's static identity key, valid once the
// handshake has completed (or, for an initiator, from the start).
func (m *Machine) RemoteKey() *btcec.PublicKey {
	return m.remoteKey
}

// WriteMessage seals payload into a framed, length-prefixed record
// ready to write to the underlying connection.
func (m *Machine) WriteMessage(payload []byte) ([]byte, error) {
	if m.step != stepDone {
		return nil, fmt.Errorf("brontide: handshake not complete")
	}
	if len(payload) > MaxMessageLength {
		return nil, fmt.Errorf("brontide: message too large: %d", len(payload))
	}

	var lenBuf [LengthPrefixSize]byte
	lenBuf[0] = byte(len(payload))
	lenBuf[1] = byte(len(payload) >> 8)
	lenBuf[2] = byte(len(payload) >> 16)
	lenBuf[3] = byte(len(payload) >> 24)

	lenCipher, err := m.send.Encrypt(lenBuf[:])
	if err != nil {
		return nil, err
	}
	bodyCipher, err := m.send.Encrypt(payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(lenCipher)+len(bodyCipher))
	out = append(out, lenCipher...)
	out = append(out, bodyCipher...)
	return out, nil
}

// ReadMessageLength decrypts just the sealed length prefix, so callers
// can size their read of the remaining ciphertext.
func (m *Machine) ReadMessageLength(sealed []byte) (uint32, error) {
	if len(sealed) != LengthPrefixSize+MacSize {
		return 0, fmt.Errorf("brontide: bad length-prefix size %d", len(sealed))
	}
	plain, err := m.recv.Decrypt(sealed)
	if err != nil {
		return 0, err
	}
	n := uint32(plain[0]) | uint32(plain[1])<<8 | uint32(plain[2])<<16 | uint32(plain[3])<<24
	if n > MaxMessageLength {
		return 0, fmt.Errorf("brontide: message too large: %d", n)
	}
	return n, nil
}

// ReadMessageBody decrypts the message body once ReadMessageLength has
// sized the read.
func (m *Machine) ReadMessageBody(sealed []byte) ([]byte, error) {
	return m.recv.Decrypt(sealed)
}
