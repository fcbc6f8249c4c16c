// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/handshake-org/hsd-sub004/database/blockdb"
	"github.com/handshake-org/hsd-sub004/peer"
	"github.com/handshake-org/hsd-sub004/wire"
)

// compactDeadline bounds how long an in-progress reassembly may sit
// in p.compactBlocks before the pool gives up and requests the full
// block.
const compactDeadline = 10 * time.Second

// compactState tracks one in-progress BIP152-style reassembly, keyed
// by the announced block's header hash.
type compactState struct {
	peer   peer.ID
	header wire.BlockHeader

	siphashK0 uint64
	siphashK1 uint64

	// slot -> raw tx, nil while still missing. Index 0 holds the
	// coinbase/first prefilled tx; remaining slots are filled either
	// from prefilled data or from a mempool short-id match.
	slots    [][]byte
	shortIDs map[uint64]int // short id -> slot index, for slots still missing
	deadline time.Time

	mode int // -1 never, 0 opt-in, 1 opt-out-on-sync
}

// siphashKeyFromHeader derives the per-block siphash key from the
// block header and an 8-byte nonce, matching the BIP152 short-id
// scheme.
func siphashKeyFromHeader(header wire.BlockHeader, nonce uint64) (uint64, uint64) {
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], nonce)
	h := chainhash.DoubleHashB(append(append([]byte{}, header.Raw[:]...), nb[:]...))
	return binary.LittleEndian.Uint64(h[0:8]), binary.LittleEndian.Uint64(h[8:16])
}

// shortIDOf truncates siphash-2-4(rawTx) to the BIP152 6-byte form.
func shortIDOf(k0, k1 uint64, rawTx []byte) uint64 {
	return siphash24(k0, k1, rawTx) & 0xffffffffffff
}

// onCmpctBlock begins reassembly of an announced compact block. An
// announcement is dropped unless the chain is already synced; the
// peer's sendcmpct mode is not consulted.
func (p *Pool) onCmpctBlock(id peer.ID, m *wire.MsgCmpctBlock) {
	ps, ok := p.session(id)
	if !ok {
		return
	}
	hash := m.Header.Hash()

	p.mtx.Lock()
	if _, ok := p.compactBlocks[hash]; ok {
		p.mtx.Unlock()
		return
	}
	if !p.chain.IsSynced() {
		p.mtx.Unlock()
		return
	}
	k0, k1 := siphashKeyFromHeader(m.Header, m.Nonce)
	cs := &compactState{
		peer:      id,
		header:    m.Header,
		siphashK0: k0,
		siphashK1: k1,
		shortIDs:  make(map[uint64]int, len(m.ShortIDs)),
		deadline:  time.Now().Add(compactDeadline),
	}
	total := len(m.ShortIDs) + len(m.PrefilledTxs)
	cs.slots = make([][]byte, total)
	for _, pf := range m.PrefilledTxs {
		if int(pf.Index) < total {
			cs.slots[pf.Index] = pf.Raw
		}
	}
	si, open := 0, 0
	for slot := range cs.slots {
		if cs.slots[slot] != nil {
			continue
		}
		open++
		if si >= len(m.ShortIDs) {
			break
		}
		var v uint64
		for i, b := range m.ShortIDs[si] {
			v |= uint64(b) << (8 * uint(i))
		}
		cs.shortIDs[v] = slot
		si++
	}
	if len(cs.shortIDs) != open {
		// Short-id collision: two slots mapped to the same 6-byte id.
		// Reassembly can't be trusted, take the full block instead.
		p.mtx.Unlock()
		_ = ps.session.Write(&wire.MsgGetData{Items: []wire.InvVect{{Type: wire.InvBlock, Hash: hash}}})
		ps.session.CompactBlockDone(hash)
		return
	}
	p.compactBlocks[hash] = cs
	p.mtx.Unlock()

	p.fillFromMempool(ps, hash, cs)
}

// missingSlots returns the still-unresolved slot indexes in ascending
// order; getblocktxn carries them that way and blocktxn replies echo
// the same order back.
func (cs *compactState) missingSlots() []int {
	slots := make([]int, 0, len(cs.shortIDs))
	for _, slot := range cs.shortIDs {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

// fillFromMempool matches every still-missing short id against the
// current mempool contents.
func (p *Pool) fillFromMempool(ps *peerState, hash chainhash.Hash, cs *compactState) {
	p.mtx.Lock()
	for _, raw := range p.mp.Entries() {
		sid := shortIDOf(cs.siphashK0, cs.siphashK1, raw)
		if slot, ok := cs.shortIDs[sid]; ok {
			cs.slots[slot] = raw
			delete(cs.shortIDs, sid)
		}
	}
	complete := len(cs.shortIDs) == 0
	p.mtx.Unlock()

	if complete {
		p.commitCompact(ps, hash, cs)
		return
	}

	p.mtx.Lock()
	slots := cs.missingSlots()
	p.mtx.Unlock()
	missing := make([]uint64, len(slots))
	for i, slot := range slots {
		missing[i] = uint64(slot)
	}
	_ = ps.session.Write(&wire.MsgGetBlockTxn{BlockHash: hash, Indexes: missing})
}

func (p *Pool) commitCompact(ps *peerState, hash chainhash.Hash, cs *compactState) {
	raw := assembleBlock(cs.header, cs.slots)
	if err := p.chain.Add(p.runContext(), raw); err != nil {
		log.Debugf("commitCompact %v: %v", hash, err)
	}
	p.mtx.Lock()
	delete(p.compactBlocks, hash)
	p.mtx.Unlock()
	ps.session.CompactBlockDone(hash)
}

// assembleBlock concatenates the header and every resolved tx slot
// into the block's raw wire form.
func assembleBlock(header wire.BlockHeader, slots [][]byte) []byte {
	out := make([]byte, 0, 80+len(slots)*256)
	out = append(out, header.Raw[:]...)
	for _, s := range slots {
		out = append(out, s...)
	}
	return out
}

// onGetBlockTxn answers a getblocktxn request only when the full block
// is on disk, and then replies with a blocktxn that carries the block
// hash and no transactions; the block is not read from the store and
// the requested indexes are not served.
func (p *Pool) onGetBlockTxn(id peer.ID, m *wire.MsgGetBlockTxn) {
	ps, ok := p.session(id)
	if !ok {
		return
	}
	if !p.hasFullBlock(m.BlockHash) {
		return
	}
	_ = ps.session.Write(&wire.MsgBlockTxn{BlockHash: m.BlockHash})
}

func (p *Pool) hasFullBlock(hash chainhash.Hash) bool {
	ok, err := p.store.HasBlock(p.runContext(), blockdb.TypeBlock, hash[:])
	return err == nil && ok
}

// onBlockTxn folds a blocktxn reply into the matching in-progress
// reassembly; on success the block commits, on persistent failure the
// full block is requested and the sender's ban score is bumped by 10.
func (p *Pool) onBlockTxn(id peer.ID, m *wire.MsgBlockTxn) {
	ps, ok := p.session(id)
	if !ok {
		return
	}

	p.mtx.Lock()
	cs, ok := p.compactBlocks[m.BlockHash]
	p.mtx.Unlock()
	if !ok {
		return
	}

	p.mtx.Lock()
	missing := cs.missingSlots()
	for i, raw := range m.Txs {
		if i >= len(missing) {
			break
		}
		slot := missing[i]
		cs.slots[slot] = raw
		for sid, s := range cs.shortIDs {
			if s == slot {
				delete(cs.shortIDs, sid)
				break
			}
		}
	}
	complete := len(cs.shortIDs) == 0
	p.mtx.Unlock()

	if complete {
		p.commitCompact(ps, m.BlockHash, cs)
		return
	}

	p.mtx.Lock()
	delete(p.compactBlocks, m.BlockHash)
	p.mtx.Unlock()
	ps.session.AddBanScore(10, "incomplete blocktxn response")
	_ = ps.session.Write(&wire.MsgGetData{Items: []wire.InvVect{{Type: wire.InvBlock, Hash: m.BlockHash}}})
}
