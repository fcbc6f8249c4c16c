// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/handshake-org/hsd-sub004/database/blockdb"
	"github.com/handshake-org/hsd-sub004/peer"
	"github.com/handshake-org/hsd-sub004/wire"
)

// onNonBlockInv enforces a single in-flight request per (kind, hash)
// across the whole pool and caps how many pending items a single peer
// may have outstanding, disconnecting peers that advertise past the
// cap.
func (p *Pool) onNonBlockInv(ps *peerState, iv wire.InvVect) {
	unlock := p.hashes.lock(iv.Hash)
	defer unlock()

	p.mtx.Lock()
	defer p.mtx.Unlock()

	switch iv.Type {
	case wire.InvTx:
		if p.mp.Has(iv.Hash) || p.mp.HasReject(iv.Hash) {
			return
		}
		p.claimNonBlock(ps, iv, p.txMap, ps.pendingTX, p.cfg.MaxTXRequest)
	case wire.InvClaim:
		if p.mp.Has(iv.Hash) {
			return
		}
		p.claimNonBlock(ps, iv, p.claimMap, ps.pendingClaim, p.cfg.MaxClaimRequest)
	case wire.InvAirdrop:
		if p.mp.Has(iv.Hash) {
			return
		}
		p.claimNonBlock(ps, iv, p.airdropMap, ps.pendingAirdrop, p.cfg.MaxAirdropRequest)
	}
}

// claimNonBlock is called with p.mtx held. It records ownership of
// iv.Hash in global and a deadline in pending, or bans ps if pending
// is already at cap.
func (p *Pool) claimNonBlock(ps *peerState, iv wire.InvVect, global map[chainhash.Hash]peer.ID, pending map[chainhash.Hash]time.Time, cap int) {
	if _, claimed := global[iv.Hash]; claimed {
		return
	}
	if len(pending) >= cap {
		p.banPeer(ps, "inventory request cap exceeded")
		return
	}
	global[iv.Hash] = ps.session.ID()
	pending[iv.Hash] = time.Now().Add(30 * time.Second)
	_ = ps.session.Write(&wire.MsgGetData{Items: []wire.InvVect{iv}})
}

// onGetData answers requests for items we actually hold: blocks from
// the block store, transactions from the mempool. Unfulfillable items
// are collected into a single notfound reply.
func (p *Pool) onGetData(id peer.ID, m *wire.MsgGetData) {
	ps, ok := p.session(id)
	if !ok {
		return
	}

	var missing []wire.InvVect
	for _, iv := range m.Items {
		switch iv.Type {
		case wire.InvBlock:
			data, err := p.store.ReadBlock(p.runContext(), blockdb.TypeBlock, iv.Hash[:], 0, 0)
			if err != nil {
				missing = append(missing, iv)
				continue
			}
			_ = ps.session.Write(&wire.MsgBlock{Raw: data})
			p.bcast.ack(iv.Hash)

		case wire.InvTx:
			raw, ok := p.mp.GetTX(iv.Hash)
			if !ok {
				missing = append(missing, iv)
				continue
			}
			_ = ps.session.Write(&wire.MsgTx{Raw: raw})
			p.bcast.ack(iv.Hash)

		default:
			missing = append(missing, iv)
		}
	}
	if len(missing) > 0 {
		_ = ps.session.Write(&wire.MsgNotFound{Items: missing})
	}
}

func (p *Pool) onTx(id peer.ID, m *wire.MsgTx) {
	hash := chainhash.DoubleHashH(m.Raw)
	p.clearPending(id, hash, p.txMap)
	if err := p.mp.AddTX(p.runContext(), m.Raw); err != nil {
		log.Debugf("AddTX %v: %v", hash, err)
	}
	p.bcast.ack(hash)
}

func (p *Pool) onClaim(id peer.ID, m *wire.MsgClaim) {
	hash := chainhash.DoubleHashH(m.Raw)
	p.clearPending(id, hash, p.claimMap)
	if err := p.mp.AddClaim(p.runContext(), m.Raw); err != nil {
		log.Debugf("AddClaim %v: %v", hash, err)
	}
	p.bcast.ack(hash)
}

func (p *Pool) onAirdrop(id peer.ID, m *wire.MsgAirdrop) {
	hash := chainhash.DoubleHashH(m.Raw)
	p.clearPending(id, hash, p.airdropMap)
	if err := p.mp.AddAirdrop(p.runContext(), m.Raw); err != nil {
		log.Debugf("AddAirdrop %v: %v", hash, err)
	}
	p.bcast.ack(hash)
}

// clearPending releases a global claim and the sending peer's
// per-item deadline entry for hash.
func (p *Pool) clearPending(id peer.ID, hash chainhash.Hash, global map[chainhash.Hash]peer.ID) {
	unlock := p.hashes.lock(hash)
	defer unlock()

	p.mtx.Lock()
	defer p.mtx.Unlock()
	delete(global, hash)
	if ps, ok := p.peers[id]; ok {
		delete(ps.pendingTX, hash)
		delete(ps.pendingClaim, hash)
		delete(ps.pendingAirdrop, hash)
	}
}
