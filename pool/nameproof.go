// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/handshake-org/hsd-sub004/peer"
	"github.com/handshake-org/hsd-sub004/wire"
)

// NameProofResult is what Resolve returns: Value is nil on a verified
// proof of absence.
type NameProofResult struct {
	Value []byte
	Err   error
}

// nameRequest is a pending getproof round; joiners share the same
// result channel as the original requester.
type nameRequest struct {
	root    chainhash.Hash
	prover  peer.ID
	waiters []chan NameProofResult
}

// Resolve fetches the latest safe tree root, picks a prover (favoring
// peers with more proofs served and a smaller pending map, with a
// randomized tie-break), and verifies the returned proof against the
// committed root.
func (p *Pool) Resolve(ctx context.Context, nameHash chainhash.Hash) <-chan NameProofResult {
	ch := make(chan NameProofResult, 1)

	root, err := p.chain.SafeRoot()
	if err != nil {
		ch <- NameProofResult{Err: err}
		return ch
	}

	p.mtx.Lock()
	if nr, ok := p.nameMap[nameHash]; ok {
		nr.waiters = append(nr.waiters, ch)
		p.mtx.Unlock()
		return ch
	}

	prover, ok := p.pickProver()
	if !ok {
		p.mtx.Unlock()
		ch <- NameProofResult{Err: fmt.Errorf("pool: no peer available for proof")}
		return ch
	}
	nr := &nameRequest{root: root, prover: prover.session.ID(), waiters: []chan NameProofResult{ch}}
	p.nameMap[nameHash] = nr
	p.mtx.Unlock()

	_ = prover.session.Write(&wire.MsgGetProof{Root: root, NameHash: nameHash})
	return ch
}

// pickProver favors peers that have served more proofs and carry a
// smaller combined pending map, tie-breaking randomly. Called with
// p.mtx held.
func (p *Pool) pickProver() (*peerState, bool) {
	var best *peerState
	bestScore := -1 << 62
	var tied []*peerState

	for _, ps := range p.peers {
		if ps.session.State() != peer.StateHandshakeDone {
			continue
		}
		pending := len(ps.pendingTX) + len(ps.pendingClaim) + len(ps.pendingAirdrop)
		score := ps.proofsServed*1000 - pending
		switch {
		case score > bestScore:
			bestScore = score
			best = ps
			tied = []*peerState{ps}
		case score == bestScore:
			tied = append(tied, ps)
		}
	}
	if best == nil {
		return nil, false
	}
	return tied[randIntn(len(tied))], true
}

var randMtx sync.Mutex

func randIntn(n int) int {
	if n <= 1 {
		return 0
	}
	randMtx.Lock()
	defer randMtx.Unlock()
	return rand.Intn(n)
}

// onGetProof would be answered by the owning application's tree
// reader. Proof generation is a Chain concern; Pool only verifies
// responses it receives as a client, so the serving role stays
// unimplemented here.
func (p *Pool) onGetProof(id peer.ID, m *wire.MsgGetProof) {
	log.Debugf("getproof from %v for %v: unsupported as a server role here", id, m.NameHash)
}

// onProof verifies the returned proof against the root committed to
// when the request was made and resolves every waiter on nameHash.
func (p *Pool) onProof(id peer.ID, m *wire.MsgProof) {
	p.mtx.Lock()
	nr, ok := p.nameMap[m.NameHash]
	if !ok || nr.prover != id {
		p.mtx.Unlock()
		return
	}
	delete(p.nameMap, m.NameHash)
	waiters := nr.waiters
	p.mtx.Unlock()

	if m.Root != nr.root {
		for _, w := range waiters {
			w <- NameProofResult{Err: fmt.Errorf("pool: proof root mismatch")}
			close(w)
		}
		return
	}

	valid, err := p.chain.VerifyProof(m.Root, m.NameHash, m.Proof, m.Value)
	if err == nil && !valid {
		err = fmt.Errorf("invalid proof")
	}
	if err != nil {
		for _, w := range waiters {
			w <- NameProofResult{Err: fmt.Errorf("pool: proof verification failed: %w", err)}
			close(w)
		}
		return
	}

	if ps, ok := p.session(id); ok {
		p.mtx.Lock()
		ps.proofsServed++
		p.mtx.Unlock()
	}

	for _, w := range waiters {
		w <- NameProofResult{Value: m.Value}
		close(w)
	}
}
