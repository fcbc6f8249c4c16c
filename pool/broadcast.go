// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/handshake-org/hsd-sub004/peer"
	"github.com/handshake-org/hsd-sub004/wire"
)

// BroadcastResult is what a broadcast future resolves to.
type BroadcastResult struct {
	Acked bool
	Err   error
}

type broadcastEntry struct {
	kind   wire.InvType
	result chan BroadcastResult
	timer  *time.Timer
	done   bool
}

// broadcastMap is Pool's invMap: every broadcast whose future has
// neither resolved nor rejected.
type broadcastMap struct {
	mtx     sync.Mutex
	entries map[chainhash.Hash]*broadcastEntry
}

func newBroadcastMap() *broadcastMap {
	return &broadcastMap{entries: make(map[chainhash.Hash]*broadcastEntry)}
}

func (b *broadcastMap) resolve(hash chainhash.Hash, result BroadcastResult) {
	b.mtx.Lock()
	e, ok := b.entries[hash]
	if !ok || e.done {
		b.mtx.Unlock()
		return
	}
	e.done = true
	e.timer.Stop()
	delete(b.entries, hash)
	b.mtx.Unlock()

	e.result <- result
	close(e.result)
}

func (b *broadcastMap) ack(hash chainhash.Hash) {
	b.resolve(hash, BroadcastResult{Acked: true})
}

func (b *broadcastMap) reject(hash chainhash.Hash) {
	b.resolve(hash, BroadcastResult{Acked: false, Err: fmt.Errorf("rejected")})
}

// resolveAll resolves every outstanding broadcast with a non-error,
// non-acked result rather than rejecting it; pool disconnect is a
// cancellation, not a failure.
func (b *broadcastMap) resolveAll() {
	b.mtx.Lock()
	entries := b.entries
	b.entries = make(map[chainhash.Hash]*broadcastEntry)
	b.mtx.Unlock()

	for _, e := range entries {
		if e.done {
			continue
		}
		e.done = true
		e.timer.Stop()
		e.result <- BroadcastResult{Acked: false}
		close(e.result)
	}
}

// Broadcast announces item to every handshake-complete peer and
// returns a channel that resolves on first ack, rejection, or timeout.
// Re-broadcasting the same hash refreshes the timer and re-announces
// instead of creating a second entry.
func (p *Pool) Broadcast(ctx context.Context, kind wire.InvType, hash chainhash.Hash) <-chan BroadcastResult {
	p.bcast.mtx.Lock()
	if e, ok := p.bcast.entries[hash]; ok {
		e.timer.Reset(p.cfg.BroadcastTimeout)
		p.bcast.mtx.Unlock()
		p.announce(kind, hash)
		return e.result
	}

	e := &broadcastEntry{kind: kind, result: make(chan BroadcastResult, 1)}
	e.timer = time.AfterFunc(p.cfg.BroadcastTimeout, func() {
		p.bcast.resolve(hash, BroadcastResult{Err: fmt.Errorf("broadcast timeout")})
	})
	p.bcast.entries[hash] = e
	p.bcast.mtx.Unlock()

	p.announce(kind, hash)
	return e.result
}

func (p *Pool) announce(kind wire.InvType, hash chainhash.Hash) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, ps := range p.peers {
		if ps.session.State() != peer.StateHandshakeDone {
			continue
		}
		ps.session.QueueInv(wire.InvVect{Type: kind, Hash: hash})
	}
}

// CancelBroadcast explicitly destroys a pending broadcast entry.
func (p *Pool) CancelBroadcast(hash chainhash.Hash) {
	p.bcast.resolve(hash, BroadcastResult{Err: fmt.Errorf("cancelled")})
}
