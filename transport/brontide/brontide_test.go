// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package brontide

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

// handshake drives a full three-act exchange between an initiator and a
// responder purely in memory and returns both completed machines.
func handshake(t *testing.T) (initiator, responder *Machine) {
	t.Helper()

	initKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("initiator key: %v", err)
	}
	respKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("responder key: %v", err)
	}

	initiator = NewInitiator(initKey, respKey.PubKey())
	responder = NewResponder(respKey)

	act1, err := initiator.GenActOne()
	if err != nil {
		t.Fatalf("GenActOne: %v", err)
	}
	if len(act1) != Act1Size {
		t.Fatalf("act1 size = %d, want %d", len(act1), Act1Size)
	}
	if err := responder.RecvActOne(act1); err != nil {
		t.Fatalf("RecvActOne: %v", err)
	}

	act2, err := responder.GenActTwo()
	if err != nil {
		t.Fatalf("GenActTwo: %v", err)
	}
	if len(act2) != Act2Size {
		t.Fatalf("act2 size = %d, want %d", len(act2), Act2Size)
	}
	if err := initiator.RecvActTwo(act2); err != nil {
		t.Fatalf("RecvActTwo: %v", err)
	}

	act3, err := initiator.GenActThree()
	if err != nil {
		t.Fatalf("GenActThree: %v", err)
	}
	if len(act3) != Act3Size {
		t.Fatalf("act3 size = %d, want %d", len(act3), Act3Size)
	}
	if err := responder.RecvActThree(act3); err != nil {
		t.Fatalf("RecvActThree: %v", err)
	}

	if responder.RemoteKey().IsEqual(initKey.PubKey()) == false {
		t.Fatal("responder did not learn the initiator's static key")
	}
	return initiator, responder
}

func TestHandshakeCompletesAndDerivesSymmetricCiphers(t *testing.T) {
	handshake(t)
}

func TestPostHandshakeMessageRoundTrip(t *testing.T) {
	initiator, responder := handshake(t)

	payload := []byte("version message payload")
	sealed, err := initiator.WriteMessage(payload)
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	lenCipher := sealed[:LengthPrefixSize+MacSize]
	bodyCipher := sealed[LengthPrefixSize+MacSize:]

	n, err := responder.ReadMessageLength(lenCipher)
	if err != nil {
		t.Fatalf("ReadMessageLength: %v", err)
	}
	if int(n) != len(payload) {
		t.Fatalf("decoded length = %d, want %d", n, len(payload))
	}

	got, err := responder.ReadMessageBody(bodyCipher[:n+MacSize])
	if err != nil {
		t.Fatalf("ReadMessageBody: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("decrypted payload = %q, want %q", got, payload)
	}
}

func TestBothDirectionsIndependentlyKeyed(t *testing.T) {
	initiator, responder := handshake(t)

	// initiator -> responder
	msg1, err := initiator.WriteMessage([]byte("ping"))
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	n, err := responder.ReadMessageLength(msg1[:LengthPrefixSize+MacSize])
	if err != nil {
		t.Fatalf("ReadMessageLength: %v", err)
	}
	if _, err := responder.ReadMessageBody(msg1[LengthPrefixSize+MacSize:][:n+MacSize]); err != nil {
		t.Fatalf("ReadMessageBody: %v", err)
	}

	// responder -> initiator
	msg2, err := responder.WriteMessage([]byte("pong"))
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	n2, err := initiator.ReadMessageLength(msg2[:LengthPrefixSize+MacSize])
	if err != nil {
		t.Fatalf("ReadMessageLength: %v", err)
	}
	got, err := initiator.ReadMessageBody(msg2[LengthPrefixSize+MacSize:][:n2+MacSize])
	if err != nil {
		t.Fatalf("ReadMessageBody: %v", err)
	}
	if string(got) != "pong" {
		t.Fatalf("got %q, want pong", got)
	}
}

// TestKeyRotationKeepsStreamsInSync sends enough messages in one
// direction to cross the rotation interval and confirms the receiver
// keeps pace without re-synchronizing out of band.
func TestKeyRotationKeepsStreamsInSync(t *testing.T) {
	initiator, responder := handshake(t)

	for i := 0; i < rotationInterval+5; i++ {
		payload := []byte{byte(i), byte(i >> 8)}
		sealed, err := initiator.WriteMessage(payload)
		if err != nil {
			t.Fatalf("WriteMessage #%d: %v", i, err)
		}
		n, err := responder.ReadMessageLength(sealed[:LengthPrefixSize+MacSize])
		if err != nil {
			t.Fatalf("ReadMessageLength #%d: %v", i, err)
		}
		got, err := responder.ReadMessageBody(sealed[LengthPrefixSize+MacSize:][:n+MacSize])
		if err != nil {
			t.Fatalf("ReadMessageBody #%d: %v", i, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("message #%d mismatch: got %x, want %x", i, got, payload)
		}
	}
}

func TestRecvActOneRejectsBadLength(t *testing.T) {
	respKey, _ := btcec.NewPrivateKey()
	responder := NewResponder(respKey)
	if err := responder.RecvActOne(make([]byte, Act1Size-1)); err == nil {
		t.Fatal("expected error for short act1")
	}
}

func TestGenActOneRejectsOutOfSequenceCall(t *testing.T) {
	respKey, _ := btcec.NewPrivateKey()
	responder := NewResponder(respKey)
	if _, err := responder.GenActOne(); err == nil {
		t.Fatal("responder should not be able to generate act1")
	}
}

func TestWriteMessageBeforeHandshakeCompleteFails(t *testing.T) {
	initKey, _ := btcec.NewPrivateKey()
	respKey, _ := btcec.NewPrivateKey()
	m := NewInitiator(initKey, respKey.PubKey())
	if _, err := m.WriteMessage([]byte("too early")); err == nil {
		t.Fatal("expected error writing before handshake completes")
	}
}
