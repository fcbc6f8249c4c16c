// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/handshake-org/hsd-sub004/blockstore"
	"github.com/handshake-org/hsd-sub004/database/blockdb"
	"github.com/handshake-org/hsd-sub004/pool"
)

// headlessChain is the minimal pool.Chain collaborator this entrypoint
// wires up so the networking core can run standalone: it persists
// whatever blocks Pool hands it and tracks a header-first linked list,
// but performs no consensus validation (difficulty, script execution,
// tree-proof generation). A real deployment replaces this with the
// owning application's chain.
type headlessChain struct {
	store *blockstore.Store

	mtx     sync.Mutex
	entries map[chainhash.Hash]*pool.ChainEntry
	next    map[chainhash.Hash]chainhash.Hash
	tip     chainhash.Hash
	height  int32
	synced  bool

	sub chan pool.ChainEvent
}

func newHeadlessChain(store *blockstore.Store) *headlessChain {
	return &headlessChain{
		store:   store,
		entries: make(map[chainhash.Hash]*pool.ChainEntry),
		next:    make(map[chainhash.Hash]chainhash.Hash),
		sub:     make(chan pool.ChainEvent, 64),
	}
}

func (c *headlessChain) Add(ctx context.Context, rawBlock []byte) error {
	if len(rawBlock) < 80 {
		return fmt.Errorf("headlessChain: short block")
	}
	hash := chainhash.DoubleHashH(rawBlock[:80])
	if err := c.store.WriteBlock(ctx, blockdb.TypeBlock, hash[:], rawBlock); err != nil {
		return err
	}

	c.mtx.Lock()
	c.height++
	c.entries[hash] = &pool.ChainEntry{Hash: hash, Height: c.height}
	copy(c.entries[hash].RawHeader[:], rawBlock[:80])
	c.next[c.tip] = hash
	c.tip = hash
	c.synced = true
	c.mtx.Unlock()

	select {
	case c.sub <- pool.ChainEvent{Kind: pool.ChainConnect, Hash: hash}:
	default:
	}
	return nil
}

func (c *headlessChain) Has(hash chainhash.Hash) bool {
	ok, err := c.store.HasBlock(context.Background(), blockdb.TypeBlock, hash[:])
	return err == nil && ok
}

func (c *headlessChain) GetLocator() []chainhash.Hash {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.tip == (chainhash.Hash{}) {
		return nil
	}
	return []chainhash.Hash{c.tip}
}

func (c *headlessChain) GetEntry(hash chainhash.Hash) (*pool.ChainEntry, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	e, ok := c.entries[hash]
	return e, ok
}

func (c *headlessChain) GetNextHash(hash chainhash.Hash) (chainhash.Hash, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	h, ok := c.next[hash]
	return h, ok
}

func (c *headlessChain) IsSynced() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.synced
}

func (c *headlessChain) Tip() (chainhash.Hash, int32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.tip, c.height
}

// VerifyProof and SafeRoot belong to the owning application's
// authenticated-tree collaborator; this entrypoint has no tree to
// verify against.
func (c *headlessChain) VerifyProof(root, nameHash chainhash.Hash, proof, value []byte) (bool, error) {
	return false, fmt.Errorf("headlessChain: name-tree verification not implemented")
}

func (c *headlessChain) SafeRoot() (chainhash.Hash, error) {
	return chainhash.Hash{}, fmt.Errorf("headlessChain: no committed tree root")
}

func (c *headlessChain) Subscribe() <-chan pool.ChainEvent {
	return c.sub
}

// headlessMempool is the minimal pool.Mempool collaborator: an
// in-memory set with no fee policy or validation, the tx/claim/airdrop
// equivalent of headlessChain.
type headlessMempool struct {
	mtx     sync.Mutex
	entries map[chainhash.Hash][]byte
	rejects map[chainhash.Hash]bool
	sub     chan pool.MempoolEvent
}

func newHeadlessMempool() *headlessMempool {
	return &headlessMempool{
		entries: make(map[chainhash.Hash][]byte),
		rejects: make(map[chainhash.Hash]bool),
		sub:     make(chan pool.MempoolEvent, 64),
	}
}

func (m *headlessMempool) add(kind pool.MempoolEventKind, raw []byte) error {
	hash := chainhash.DoubleHashH(raw)
	m.mtx.Lock()
	m.entries[hash] = raw
	m.mtx.Unlock()
	select {
	case m.sub <- pool.MempoolEvent{Kind: kind, Hash: hash}:
	default:
	}
	return nil
}

func (m *headlessMempool) AddTX(ctx context.Context, raw []byte) error {
	return m.add(pool.MempoolTX, raw)
}

func (m *headlessMempool) AddClaim(ctx context.Context, raw []byte) error {
	return m.add(pool.MempoolClaim, raw)
}

func (m *headlessMempool) AddAirdrop(ctx context.Context, raw []byte) error {
	return m.add(pool.MempoolAirdrop, raw)
}

func (m *headlessMempool) GetTX(hash chainhash.Hash) ([]byte, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	raw, ok := m.entries[hash]
	return raw, ok
}

func (m *headlessMempool) Has(hash chainhash.Hash) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.entries[hash]
	return ok
}

func (m *headlessMempool) HasReject(hash chainhash.Hash) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.rejects[hash]
}

func (m *headlessMempool) Entries() [][]byte {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([][]byte, 0, len(m.entries))
	for _, raw := range m.entries {
		out = append(out, raw)
	}
	return out
}

func (m *headlessMempool) Subscribe() <-chan pool.MempoolEvent {
	return m.sub
}
