// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"github.com/handshake-org/hsd-sub004/peer"
	"github.com/handshake-org/hsd-sub004/wire"
)

// HandleEvent implements peer.Sink. The pool mutex serializes the
// packet-type-specific critical sections; item-level work inside each
// section additionally takes a per-hash stripe so unrelated hashes
// progress concurrently.
func (p *Pool) HandleEvent(ev peer.Event) {
	switch ev.Kind {
	case peer.EventHandshakeDone:
		p.onHandshakeDone(ev.Peer)
	case peer.EventClose:
		p.onClose(ev.Peer, ev.Err)
	case peer.EventBan:
		p.onBanned(ev.Peer, ev.Err)
	case peer.EventAddr:
		p.onAddr(ev.Peer, ev.Message.(*wire.MsgAddr))
	case peer.EventInv:
		p.onInv(ev.Peer, ev.Message.(*wire.MsgInv))
	case peer.EventGetData:
		p.onGetData(ev.Peer, ev.Message.(*wire.MsgGetData))
	case peer.EventHeaders:
		p.onHeaders(ev.Peer, ev.Message.(*wire.MsgHeaders))
	case peer.EventBlock:
		p.onBlock(ev.Peer, ev.Message.(*wire.MsgBlock))
	case peer.EventMerkleBlock:
		p.onMerkleBlock(ev.Peer, ev.Message.(*wire.MsgMerkleBlock))
	case peer.EventTx:
		p.onTx(ev.Peer, ev.Message.(*wire.MsgTx))
	case peer.EventClaim:
		p.onClaim(ev.Peer, ev.Message.(*wire.MsgClaim))
	case peer.EventAirdrop:
		p.onAirdrop(ev.Peer, ev.Message.(*wire.MsgAirdrop))
	case peer.EventReject:
		p.onReject(ev.Peer, ev.Message.(*wire.MsgReject))
	case peer.EventCmpctBlock:
		p.onCmpctBlock(ev.Peer, ev.Message.(*wire.MsgCmpctBlock))
	case peer.EventGetBlockTxn:
		p.onGetBlockTxn(ev.Peer, ev.Message.(*wire.MsgGetBlockTxn))
	case peer.EventBlockTxn:
		p.onBlockTxn(ev.Peer, ev.Message.(*wire.MsgBlockTxn))
	case peer.EventGetProof:
		p.onGetProof(ev.Peer, ev.Message.(*wire.MsgGetProof))
	case peer.EventProof:
		p.onProof(ev.Peer, ev.Message.(*wire.MsgProof))
	case peer.EventGetAddr:
		p.onGetAddr(ev.Peer, ev.Message.(*wire.MsgGetAddr))
	case peer.EventGetBlocks:
		p.onGetBlocks(ev.Peer, ev.Message.(*wire.MsgGetBlocks))
	case peer.EventGetHeaders:
		p.onGetHeaders(ev.Peer, ev.Message.(*wire.MsgGetHeaders))
	case peer.EventMempool:
		p.onMempool(ev.Peer, ev.Message.(*wire.MsgMempool))
	case peer.EventFeeFilter:
		p.onFeeFilter(ev.Peer, ev.Message.(*wire.MsgFeeFilter))
	}
}

func (p *Pool) session(id peer.ID) (*peerState, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	ps, ok := p.peers[id]
	return ps, ok
}

func (p *Pool) onHandshakeDone(id peer.ID) {
	p.mtx.Lock()
	ps, ok := p.peers[id]
	if ok {
		p.electLoader()
	}
	p.mtx.Unlock()
	if !ok {
		return
	}
	if ps.outbound {
		p.book.MarkAck(ps.hostname, ps.session.PeerServices())
	}
	_ = ps.session.Write(&wire.MsgGetAddr{})
}

// onClose removes the peer's slab entry and releases its global
// request-map entries so another peer can re-request them, and
// promotes a new loader if the departing peer held that role.
func (p *Pool) onClose(id peer.ID, _ error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for h, owner := range p.blockMap {
		if owner == id {
			delete(p.blockMap, h)
		}
	}
	for h, owner := range p.txMap {
		if owner == id {
			delete(p.txMap, h)
		}
	}
	for h, owner := range p.claimMap {
		if owner == id {
			delete(p.claimMap, h)
		}
	}
	for h, owner := range p.airdropMap {
		if owner == id {
			delete(p.airdropMap, h)
		}
	}
	for h, nr := range p.nameMap {
		if nr.prover == id {
			delete(p.nameMap, h)
		}
	}
	delete(p.peers, id)

	if p.hasLoader && p.loaderID == id {
		p.hasLoader = false
		p.electLoader()
	}
}

func (p *Pool) onBanned(id peer.ID, reason error) {
	ps, ok := p.session(id)
	if !ok {
		return
	}
	msg := "ban threshold reached"
	if reason != nil {
		msg = reason.Error()
	}
	p.mtx.Lock()
	p.banPeer(ps, msg)
	p.mtx.Unlock()
}

func (p *Pool) onReject(id peer.ID, m *wire.MsgReject) {
	log.Debugf("reject from %v: %v %v", id, m.RejectedCommand, m.Reason)
	p.bcast.reject(m.Hash)
}
