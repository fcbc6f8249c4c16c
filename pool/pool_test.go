// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/handshake-org/hsd-sub004/peer"
	"github.com/handshake-org/hsd-sub004/wire"
)

// Known-vector test for SipHash-2-4 taken from the reference paper's
// test vector list (k = 00..0f, empty message).
func TestSiphash24KnownVector(t *testing.T) {
	var k [16]byte
	for i := range k {
		k[i] = byte(i)
	}
	k0 := uint64(0x0706050403020100)
	k1 := uint64(0x0f0e0d0c0b0a0908)

	got := siphash24(k0, k1, nil)
	want := uint64(0x726fdb47dd0e0e31)
	if got != want {
		t.Fatalf("siphash24(empty) = %#x, want %#x", got, want)
	}
}

func TestShortIDOfMatchesFullHashTruncation(t *testing.T) {
	k0, k1 := uint64(1), uint64(2)
	raw := []byte("a raw transaction")
	full := siphash24(k0, k1, raw)
	short := shortIDOf(k0, k1, raw)
	if short != full&0xffffffffffff {
		t.Fatalf("shortIDOf = %#x, want low 48 bits of %#x", short, full)
	}
}

func TestCheckHeaderPoW(t *testing.T) {
	var hdr wire.BlockHeader

	// bits encoding a target far larger than the 256-bit hash space:
	// any hash satisfies it.
	binary.LittleEndian.PutUint32(hdr.Raw[72:76], 0x22008000)
	if !checkHeaderPoW(hdr) {
		t.Fatalf("checkHeaderPoW: oversized target should always pass")
	}

	// bits encoding a target of exactly 1: no real header hash
	// satisfies it.
	binary.LittleEndian.PutUint32(hdr.Raw[72:76], 0x01010000)
	if checkHeaderPoW(hdr) {
		t.Fatalf("checkHeaderPoW: target of 1 should reject a real hash")
	}

	// a zero-bits header has no target and must be rejected rather than
	// treated as "anything satisfies an empty target".
	binary.LittleEndian.PutUint32(hdr.Raw[72:76], 0)
	if checkHeaderPoW(hdr) {
		t.Fatalf("checkHeaderPoW: zero bits should be rejected")
	}
}

func TestAssembleBlockConcatenatesHeaderAndSlots(t *testing.T) {
	var hdr wire.BlockHeader
	hdr.Raw[0] = 0xAB
	slots := [][]byte{[]byte("tx0"), []byte("tx1")}
	got := assembleBlock(hdr, slots)
	want := append(append([]byte{}, hdr.Raw[:]...), []byte("tx0tx1")...)
	if !bytes.Equal(got, want) {
		t.Fatalf("assembleBlock mismatch: got %x want %x", got, want)
	}
}

func TestBlockHashRejectsShortRaw(t *testing.T) {
	if _, err := blockHash(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short raw block")
	}
	raw := make([]byte, 100)
	if _, err := blockHash(raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIsRoutable(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", false},
		{"10.0.0.5", false},
		{"192.168.1.1", false},
		{"0.0.0.0", false},
		{"8.8.8.8", true},
		{"2001:4860:4860::8888", true},
	}
	for _, c := range cases {
		got := isRoutable(net.ParseIP(c.ip))
		if got != c.want {
			t.Errorf("isRoutable(%v) = %v, want %v", c.ip, got, c.want)
		}
	}
	if isRoutable(nil) {
		t.Error("isRoutable(nil) should be false")
	}
}

func TestListenPort(t *testing.T) {
	if got := listenPort(":13038"); got != 13038 {
		t.Fatalf("listenPort(:13038) = %v, want 13038", got)
	}
	if got := listenPort("not-an-address"); got != 0 {
		t.Fatalf("listenPort(garbage) = %v, want 0", got)
	}
}

func TestHashStripesLockIsPerBucket(t *testing.T) {
	var hs hashStripes
	var hA, hB chainhash.Hash
	hA[0] = 1
	hB[0] = 2

	unlockA := hs.lock(hA)
	done := make(chan struct{})
	go func() {
		unlockB := hs.lock(hB)
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct hash stripes should not block each other")
	}
	unlockA()
}

func newTestPool(broadcastTimeout time.Duration) *Pool {
	return &Pool{
		cfg:           &Config{BroadcastTimeout: broadcastTimeout},
		peers:         make(map[peer.ID]*peerState),
		blockMap:      make(map[chainhash.Hash]peer.ID),
		txMap:         make(map[chainhash.Hash]peer.ID),
		claimMap:      make(map[chainhash.Hash]peer.ID),
		airdropMap:    make(map[chainhash.Hash]peer.ID),
		nameMap:       make(map[chainhash.Hash]*nameRequest),
		compactBlocks: make(map[chainhash.Hash]*compactState),
		bcast:         newBroadcastMap(),
	}
}

func TestBroadcastResolvesOnAck(t *testing.T) {
	p := newTestPool(time.Minute)
	hash := chainhash.Hash{1, 2, 3}

	ch := p.Broadcast(context.Background(), wire.InvTx, hash)
	p.bcast.ack(hash)

	select {
	case res := <-ch:
		if !res.Acked || res.Err != nil {
			t.Fatalf("expected clean ack, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast did not resolve on ack")
	}
}

func TestBroadcastResolvesOnReject(t *testing.T) {
	p := newTestPool(time.Minute)
	hash := chainhash.Hash{4, 5, 6}

	ch := p.Broadcast(context.Background(), wire.InvClaim, hash)
	p.bcast.reject(hash)

	select {
	case res := <-ch:
		if res.Acked || res.Err == nil {
			t.Fatalf("expected rejection, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast did not resolve on reject")
	}
}

func TestBroadcastTimesOut(t *testing.T) {
	p := newTestPool(10 * time.Millisecond)
	hash := chainhash.Hash{7, 8, 9}

	ch := p.Broadcast(context.Background(), wire.InvAirdrop, hash)

	select {
	case res := <-ch:
		if res.Acked || res.Err == nil {
			t.Fatalf("expected timeout error, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast did not time out")
	}
}

func TestCancelBroadcastResolvesWaiter(t *testing.T) {
	p := newTestPool(time.Minute)
	hash := chainhash.Hash{9, 9, 9}

	ch := p.Broadcast(context.Background(), wire.InvTx, hash)
	p.CancelBroadcast(hash)

	select {
	case res := <-ch:
		if res.Acked {
			t.Fatal("cancelled broadcast should not be acked")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled broadcast never resolved")
	}
}

func TestRebroadcastReusesExistingEntry(t *testing.T) {
	p := newTestPool(time.Minute)
	hash := chainhash.Hash{1, 1, 1}

	ch1 := p.Broadcast(context.Background(), wire.InvTx, hash)
	ch2 := p.Broadcast(context.Background(), wire.InvTx, hash)
	if ch1 != ch2 {
		t.Fatal("re-broadcasting the same hash should return the same future")
	}
	p.bcast.ack(hash)
	<-ch1
}

// fakeChain is a minimal Chain stub for exercising locate()/serve
// handlers without a real consensus backend.
type fakeChain struct {
	known map[chainhash.Hash]bool
	next  map[chainhash.Hash]chainhash.Hash
}

func (f *fakeChain) Add(context.Context, []byte) error { return nil }
func (f *fakeChain) Has(h chainhash.Hash) bool          { return f.known[h] }
func (f *fakeChain) GetLocator() []chainhash.Hash       { return nil }
func (f *fakeChain) GetEntry(h chainhash.Hash) (*ChainEntry, bool) {
	if !f.known[h] {
		return nil, false
	}
	return &ChainEntry{Hash: h}, true
}
func (f *fakeChain) GetNextHash(h chainhash.Hash) (chainhash.Hash, bool) {
	n, ok := f.next[h]
	return n, ok
}
func (f *fakeChain) IsSynced() bool                     { return true }
func (f *fakeChain) Tip() (chainhash.Hash, int32)       { return chainhash.Hash{}, 0 }
func (f *fakeChain) VerifyProof(_, _ chainhash.Hash, _, _ []byte) (bool, error) {
	return false, nil
}
func (f *fakeChain) SafeRoot() (chainhash.Hash, error)     { return chainhash.Hash{}, nil }
func (f *fakeChain) Subscribe() <-chan ChainEvent          { return nil }

func TestLocateFindsFirstKnownLocatorHash(t *testing.T) {
	p := newTestPool(time.Minute)
	known := chainhash.Hash{5}
	p.chain = &fakeChain{known: map[chainhash.Hash]bool{known: true}}

	got, ok := p.locate([]chainhash.Hash{{9}, known, {1}})
	if !ok || got != known {
		t.Fatalf("locate = %v, %v; want %v, true", got, ok, known)
	}
}

func TestLocateReturnsFalseWhenNothingMatches(t *testing.T) {
	p := newTestPool(time.Minute)
	p.chain = &fakeChain{known: map[chainhash.Hash]bool{}}

	if _, ok := p.locate([]chainhash.Hash{{1}, {2}}); ok {
		t.Fatal("locate should report false when no locator hash is known")
	}
}

// The onGet*/onMempool handlers below are exercised only down to the
// point where they would write a reply: without a handshaked
// peer.Session there is nothing to assert on the wire, but these
// confirm the early-return guards never panic on missing
// collaborators or an unknown peer id.
func TestOnGetHeadersNoCommonAncestorIsNoop(t *testing.T) {
	p := newTestPool(time.Minute)
	p.chain = &fakeChain{known: map[chainhash.Hash]bool{}}
	p.peers[1] = &peerState{}

	p.onGetHeaders(1, wire.NewGetHeaders([]chainhash.Hash{{1}}, chainhash.Hash{}))
}

func TestOnGetBlocksUnknownPeerIsNoop(t *testing.T) {
	p := newTestPool(time.Minute)
	p.chain = &fakeChain{known: map[chainhash.Hash]bool{{1}: true}}

	p.onGetBlocks(99, wire.NewGetBlocks([]chainhash.Hash{{1}}, chainhash.Hash{}))
}

func TestOnGetAddrNoBookIsNoop(t *testing.T) {
	p := newTestPool(time.Minute)
	p.peers[1] = &peerState{}

	p.onGetAddr(1, &wire.MsgGetAddr{})
}

func TestOnMempoolNoMempoolIsNoop(t *testing.T) {
	p := newTestPool(time.Minute)
	p.peers[1] = &peerState{}

	p.onMempool(1, &wire.MsgMempool{})
}

func TestOnFeeFilterUnknownPeerIsNoop(t *testing.T) {
	p := newTestPool(time.Minute)
	p.onFeeFilter(99, &wire.MsgFeeFilter{FeeRate: 1000})
}

func TestOnFeeFilterKnownPeerDoesNotPanic(t *testing.T) {
	p := newTestPool(time.Minute)
	p.peers[1] = &peerState{}
	p.onFeeFilter(1, &wire.MsgFeeFilter{FeeRate: 1000})
}

func TestSweepOneReleasesExpiredAndKeepsLive(t *testing.T) {
	pending := map[chainhash.Hash]time.Time{
		{1}: time.Now().Add(-time.Second), // expired
		{2}: time.Now().Add(time.Hour),    // still live
	}
	global := map[chainhash.Hash]peer.ID{
		{1}: 7,
		{2}: 7,
	}
	sweepOne(pending, global, time.Now())

	if _, ok := pending[chainhash.Hash{1}]; ok {
		t.Error("expired entry should have been released from pending")
	}
	if _, ok := global[chainhash.Hash{1}]; ok {
		t.Error("expired entry should have been released from the global map")
	}
	if _, ok := pending[chainhash.Hash{2}]; !ok {
		t.Error("live entry should remain in pending")
	}
	if _, ok := global[chainhash.Hash{2}]; !ok {
		t.Error("live entry should remain in the global map")
	}
}
