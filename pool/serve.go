// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/handshake-org/hsd-sub004/peer"
	"github.com/handshake-org/hsd-sub004/wire"
)

// maxServeHeaders and maxServeBlocks bound how much of the chain a
// single getheaders/getblocks reply walks forward. maxServeHeaders is
// the wire package's per-message headers cap; maxServeBlocks is the
// 500-hash getblocks batch that onInv also treats as a full batch.
const (
	maxServeHeaders = 2000
	maxServeBlocks  = 500
	maxServeAddr    = 1000
)

// locate finds the first locator hash we recognize, walking from the
// most recent to the oldest, the order the requester built it in. When
// no hash is recognized, an empty locator included, it returns false and
// the callers send nothing; there is no fallback to genesis.
func (p *Pool) locate(locator []chainhash.Hash) (chainhash.Hash, bool) {
	for _, h := range locator {
		if p.chain.Has(h) {
			return h, true
		}
	}
	return chainhash.Hash{}, false
}

// onGetHeaders answers a peer's getheaders with up to maxServeHeaders
// headers walked forward from the best locator match, stopping early
// at m.GetStop() when given.
func (p *Pool) onGetHeaders(id peer.ID, m *wire.MsgGetHeaders) {
	ps, ok := p.session(id)
	if !ok || p.chain == nil {
		return
	}

	from, ok := p.locate(m.GetLocator())
	if !ok {
		return
	}

	var headers []wire.BlockHeader
	cur := from
	for len(headers) < maxServeHeaders {
		next, ok := p.chain.GetNextHash(cur)
		if !ok {
			break
		}
		entry, ok := p.chain.GetEntry(next)
		if !ok {
			break
		}
		headers = append(headers, wire.BlockHeader{Raw: entry.RawHeader})
		cur = next
		if next == m.GetStop() {
			break
		}
	}
	if len(headers) == 0 {
		return
	}
	_ = ps.session.Write(&wire.MsgHeaders{Headers: headers})
}

// onGetBlocks answers a peer's getblocks with an inv advertising up
// to maxServeBlocks block hashes walked forward from the best locator
// match, mirroring the requesting side's own getblocks handling.
func (p *Pool) onGetBlocks(id peer.ID, m *wire.MsgGetBlocks) {
	ps, ok := p.session(id)
	if !ok || p.chain == nil {
		return
	}

	from, ok := p.locate(m.GetLocator())
	if !ok {
		return
	}

	var items []wire.InvVect
	cur := from
	for len(items) < maxServeBlocks {
		next, ok := p.chain.GetNextHash(cur)
		if !ok {
			break
		}
		items = append(items, wire.InvVect{Type: wire.InvBlock, Hash: next})
		cur = next
		if next == m.GetStop() {
			break
		}
	}
	if len(items) == 0 {
		return
	}
	_ = ps.session.Write(&wire.MsgInv{Items: items})
}

// onGetAddr answers a peer's getaddr with a random sample of our
// address book, honoring the same brontide-only policy applied to
// addresses we relay.
func (p *Pool) onGetAddr(id peer.ID, _ *wire.MsgGetAddr) {
	ps, ok := p.session(id)
	if !ok || p.book == nil {
		return
	}

	sample := p.book.Sample(maxServeAddr)
	if len(sample) == 0 {
		return
	}
	if p.cfg.BrontideOnly {
		filtered := sample[:0]
		for _, a := range sample {
			if a.Encrypted() {
				filtered = append(filtered, a)
			}
		}
		sample = filtered
	}
	if len(sample) == 0 {
		return
	}
	_ = ps.session.Write(&wire.MsgAddr{Addrs: sample})
}

// onMempool answers a peer's mempool request with an inv of every
// transaction we currently hold, batched at MaxInv.
func (p *Pool) onMempool(id peer.ID, _ *wire.MsgMempool) {
	ps, ok := p.session(id)
	if !ok || p.mp == nil {
		return
	}

	entries := p.mp.Entries()
	items := make([]wire.InvVect, 0, len(entries))
	for _, raw := range entries {
		items = append(items, wire.InvVect{Type: wire.InvTx, Hash: chainhash.DoubleHashH(raw)})
	}

	var batch []wire.InvVect
	for _, iv := range items {
		batch = append(batch, iv)
		if len(batch) >= MaxInv {
			_ = ps.session.Write(&wire.MsgInv{Items: batch})
			batch = nil
		}
	}
	if len(batch) > 0 {
		_ = ps.session.Write(&wire.MsgInv{Items: batch})
	}
}

// onFeeFilter logs the minimum relay fee rate a peer has asked us
// to observe. Honoring it would require threading a per-transaction
// fee rate through Broadcast/Mempool, which this core doesn't carry
// (computing a transaction's fee is transaction-validation territory,
// a collaborator concern); logging it humanized is still useful
// operational visibility into what peers are asking for.
func (p *Pool) onFeeFilter(id peer.ID, m *wire.MsgFeeFilter) {
	if _, ok := p.session(id); !ok {
		return
	}
	log.Debugf("peer %v set minimum relay fee to %v/kB", id, btcutil.Amount(int64(m.FeeRate)))
}
