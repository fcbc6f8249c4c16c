// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/handshake-org/hsd-sub004/peer"
	"github.com/handshake-org/hsd-sub004/wire"
)

const stallSweepInterval = 5 * time.Second

// stallSweepLoop releases global block/tx/claim/airdrop claims whose
// per-item deadline has passed so another peer can be asked instead.
func (p *Pool) stallSweepLoop(ctx context.Context) error {
	t := time.NewTicker(stallSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.sweepStalled()
		}
	}
}

func (p *Pool) sweepStalled() {
	now := time.Now()
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for _, ps := range p.peers {
		sweepOne(ps.pendingBlock, p.blockMap, now)
		sweepOne(ps.pendingTX, p.txMap, now)
		sweepOne(ps.pendingClaim, p.claimMap, now)
		sweepOne(ps.pendingAirdrop, p.airdropMap, now)
	}

	for hash, cs := range p.compactBlocks {
		if now.After(cs.deadline) {
			delete(p.compactBlocks, hash)
			if ps, ok := p.peers[cs.peer]; ok {
				_ = ps.session.Write(&wire.MsgGetData{
					Items: []wire.InvVect{{Type: wire.InvBlock, Hash: hash}},
				})
			}
		}
	}
}

func sweepOne(pending map[chainhash.Hash]time.Time, global map[chainhash.Hash]peer.ID, now time.Time) {
	for hash, deadline := range pending {
		if now.After(deadline) {
			delete(pending, hash)
			delete(global, hash)
		}
	}
}
