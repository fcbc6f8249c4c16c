// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package peer

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/handshake-org/hsd-sub004/wire"
)

// compactDeadline bounds how long a partially-reassembled compact
// block may sit in s.compact before the stall timer should give up on
// it and request the full block instead.
const compactDeadline = 10 * time.Second

// handleCmpctBlock begins or continues BIP152-style reassembly of a
// compact block announcement. The actual short-id/mempool matching is
// chain-and-mempool-aware and therefore lives in Pool; this layer only
// tracks the wire-level state and forwards the announcement upward.
func (s *Session) handleCmpctBlock(m *wire.MsgCmpctBlock) {
	hash := m.Header.Hash()

	s.compactMtx.Lock()
	s.compact[hash] = &compactBlockState{
		header:   m.Header,
		nonce:    m.Nonce,
		shortIDs: m.ShortIDs,
		have:     make(map[uint64][]byte),
		deadline: time.Now().Add(compactDeadline),
	}
	s.compactMtx.Unlock()

	s.sink.HandleEvent(Event{Kind: EventCmpctBlock, Peer: s.id, Message: m})
}

// handleBlockTxn folds a blocktxn response into the matching
// in-progress compact block, if one is still pending.
func (s *Session) handleBlockTxn(m *wire.MsgBlockTxn) {
	s.compactMtx.Lock()
	_, ok := s.compact[m.BlockHash]
	s.compactMtx.Unlock()
	if !ok {
		log.Debugf("blocktxn for unknown compact block %v", m.BlockHash)
		return
	}

	s.sink.HandleEvent(Event{Kind: EventBlockTxn, Peer: s.id, Message: m})
}

// CompactBlockDone clears reassembly state for hash once Pool has
// either committed the block or given up on it.
func (s *Session) CompactBlockDone(hash chainhash.Hash) {
	s.compactMtx.Lock()
	delete(s.compact, hash)
	s.compactMtx.Unlock()
}
