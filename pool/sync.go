// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/handshake-org/hsd-sub004/peer"
	"github.com/handshake-org/hsd-sub004/wire"
)

// MaxInv is the largest batch of getdata requests issued at once
// during checkpoint catch-up.
const MaxInv = 50_000

// startSync kicks off the loader's initial request: headers-first
// while a checkpoint remains ahead of the chain tip, else getblocks.
func (p *Pool) startSync(ps *peerState) {
	if p.headersFirst && p.headerTip < len(p.cfg.Checkpoints) {
		p.sendGetHeaders(ps)
		return
	}
	p.sendGetBlocks(ps)
}

func (p *Pool) sendGetHeaders(ps *peerState) {
	locator := p.chain.GetLocator()
	stop := *p.cfg.Checkpoints[p.headerTip].Hash
	_ = ps.session.Write(wire.NewGetHeaders(locator, stop))
}

// checkHeaderPoW verifies a header's claimed hash satisfies the
// difficulty target encoded in its own bits field, the same check
// btcd's blockchain.checkProofOfWork performs via CompactToBig/
// HashToBig against a header's nBits (offset 72:76 of the 80-byte raw
// header, following version(4)/prevBlock(32)/merkleRoot(32)/time(4)).
func checkHeaderPoW(h wire.BlockHeader) bool {
	bits := binary.LittleEndian.Uint32(h.Raw[72:76])
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return false
	}
	hash := h.Hash()
	return blockchain.HashToBig(&hash).Cmp(target) <= 0
}

func (p *Pool) sendGetBlocks(ps *peerState) {
	locator := p.chain.GetLocator()
	_ = ps.session.Write(wire.NewGetBlocks(locator, chainhash.Hash{}))
}

// onHeaders validates a received header chain by prev_block linkage,
// per-header PoW, and, when headers-first mode is active, the
// checkpoint at the matching height, then requests the covered blocks
// in batches bounded by MaxInv.
func (p *Pool) onHeaders(id peer.ID, m *wire.MsgHeaders) {
	ps, ok := p.session(id)
	if !ok {
		return
	}
	if len(m.Headers) == 0 {
		return
	}

	prev := m.Headers[0].PrevHash()
	if _, ok := p.chain.GetEntry(prev); !ok {
		log.Debugf("onHeaders: unknown parent %v from %v", prev, id)
		return
	}

	for i := 1; i < len(m.Headers); i++ {
		if m.Headers[i].PrevHash() != m.Headers[i-1].Hash() {
			p.mtx.Lock()
			p.banPeer(ps, "headers: broken chain")
			p.mtx.Unlock()
			return
		}
	}

	for _, h := range m.Headers {
		if !checkHeaderPoW(h) {
			p.mtx.Lock()
			p.banPeer(ps, "headers: insufficient PoW")
			p.mtx.Unlock()
			return
		}
	}

	if p.headersFirst {
		cp := p.cfg.Checkpoints[p.headerTip]
		for _, h := range m.Headers {
			entry, ok := p.chain.GetEntry(h.PrevHash())
			if !ok {
				continue
			}
			height := entry.Height + 1
			if height == cp.Height && h.Hash() != *cp.Hash {
				p.mtx.Lock()
				p.banPeer(ps, "headers: checkpoint mismatch")
				p.mtx.Unlock()
				return
			}
		}
	}

	toRequest := make([]wire.InvVect, 0, len(m.Headers))
	for _, h := range m.Headers {
		hash := h.Hash()
		if p.chain.Has(hash) {
			continue
		}
		toRequest = append(toRequest, wire.InvVect{Type: wire.InvBlock, Hash: hash})
	}
	p.requestBlocks(ps, toRequest)

	last := m.Headers[len(m.Headers)-1]
	if p.headersFirst && last.Hash() == *p.cfg.Checkpoints[p.headerTip].Hash {
		p.headerTip++
		if p.headerTip >= len(p.cfg.Checkpoints) {
			p.headersFirst = false
			log.Infof("headers-first sync complete, switching to getblocks")
			p.sendGetBlocks(ps)
			return
		}
		p.sendGetHeaders(ps)
		return
	}

	if p.headersFirst {
		p.sendGetHeaders(ps)
	}
}

// blockRequestTimeout is the per-item deadline on an outstanding
// getdata(BLOCK, h); the stall sweep releases the claim once it passes
// so another peer can be asked for that hash.
const blockRequestTimeout = 60 * time.Second

// requestBlocks issues getdata(BLOCK,h) for every item not already
// globally claimed by another peer, in batches of MaxInv, and records
// ownership in blockMap plus a per-hash deadline in the peer's
// pendingBlock map so Pool never double-requests the same block and
// never loses track of a block the peer silently withholds.
func (p *Pool) requestBlocks(ps *peerState, items []wire.InvVect) {
	deadline := time.Now().Add(blockRequestTimeout)

	var batch []wire.InvVect
	for _, iv := range items {
		unlock := p.hashes.lock(iv.Hash)
		p.mtx.Lock()
		if _, claimed := p.blockMap[iv.Hash]; claimed {
			p.mtx.Unlock()
			unlock()
			continue
		}
		p.blockMap[iv.Hash] = ps.session.ID()
		ps.pendingBlock[iv.Hash] = deadline
		p.mtx.Unlock()
		unlock()

		batch = append(batch, iv)
		if len(batch) >= MaxInv {
			_ = ps.session.Write(&wire.MsgGetData{Items: batch})
			batch = nil
		}
	}
	if len(batch) > 0 {
		_ = ps.session.Write(&wire.MsgGetData{Items: batch})
	}
}

// onInv handles both sync-mode BLOCK advertisements and TX/CLAIM/
// AIRDROP advertisements.
func (p *Pool) onInv(id peer.ID, m *wire.MsgInv) {
	ps, ok := p.session(id)
	if !ok {
		return
	}

	var blocks []wire.InvVect
	for _, iv := range m.Items {
		switch iv.Type {
		case wire.InvBlock:
			ps.bestHash = iv.Hash
			if p.chain.Has(iv.Hash) {
				continue
			}
			blocks = append(blocks, iv)
		case wire.InvTx, wire.InvClaim, wire.InvAirdrop:
			p.onNonBlockInv(ps, iv)
		}
	}

	if len(blocks) == 0 {
		return
	}
	p.requestBlocks(ps, blocks)

	if !p.headersFirst && len(m.Items) > 0 && len(m.Items) < 500 {
		last := m.Items[len(m.Items)-1]
		if last.Type == wire.InvBlock && p.chain.Has(last.Hash) {
			// Peer is at our tip; keep pulling from it.
			p.sendGetBlocks(ps)
		}
	}
}

// onBlock commits a received block to Chain and releases its global
// claim and the sender's per-item deadline regardless of outcome so a
// future re-announcement can be re-requested.
func (p *Pool) onBlock(id peer.ID, m *wire.MsgBlock) {
	hash, err := blockHash(m.Raw)
	if err != nil {
		return
	}

	unlock := p.hashes.lock(hash)
	defer unlock()

	p.mtx.Lock()
	owner, claimed := p.blockMap[hash]
	p.mtx.Unlock()
	if claimed && owner != id {
		return
	}

	if err := p.chain.Add(p.runContext(), m.Raw); err != nil {
		log.Debugf("chain.Add %v: %v", hash, err)
	}

	p.mtx.Lock()
	delete(p.blockMap, hash)
	if ps, ok := p.peers[id]; ok {
		delete(ps.pendingBlock, hash)
	}
	p.mtx.Unlock()
}

// onMerkleBlock handles a filtered block sent in place of the full
// block we asked for. A merkleblock carries no transactions to commit,
// so the claim and the sender's per-item deadline are released and the
// hash is left free for a full-block re-request from another peer.
func (p *Pool) onMerkleBlock(id peer.ID, m *wire.MsgMerkleBlock) {
	hash := m.Header.Hash()

	unlock := p.hashes.lock(hash)
	defer unlock()

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if owner, claimed := p.blockMap[hash]; claimed && owner == id {
		delete(p.blockMap, hash)
	}
	if ps, ok := p.peers[id]; ok {
		delete(ps.pendingBlock, hash)
	}
}

// blockHash recovers a block's identity hash from the first 80 bytes
// of its raw serialization.
func blockHash(raw []byte) (chainhash.Hash, error) {
	if len(raw) < 80 {
		return chainhash.Hash{}, errShortBlock
	}
	return chainhash.DoubleHashH(raw[:80]), nil
}

var errShortBlock = &shortBlockError{}

type shortBlockError struct{}

func (*shortBlockError) Error() string { return "pool: block shorter than header" }

