// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package peer

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/handshake-org/hsd-sub004/wire"
)

type fakeSink struct {
	mtx    sync.Mutex
	events []Event
}

func (f *fakeSink) HandleEvent(e Event) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeSink) has(kind EventKind) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for _, e := range f.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func testConfig() *Config {
	return &Config{
		Magic:      0xd9b4bef9,
		UserAgent:  "/peertest:0/",
		BestHeight: func() int32 { return 7 },
	}
}

// tcpPipe returns both ends of a loopback TCP connection. Unlike
// net.Pipe its writes are buffered, so both sides may send their verack
// at the same moment without blocking each other.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	c1, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c2 := <-accepted
	if c2 == nil {
		c1.Close()
		t.Fatal("accept failed")
	}
	return c1, c2
}

// TestHandshakeBothSidesReachDone drives a full version/verack exchange
// over a loopback TCP connection and confirms both ends converge on
// StateHandshakeDone and fire EventHandshakeDone.
func TestHandshakeBothSidesReachDone(t *testing.T) {
	c1, c2 := tcpPipe(t)
	defer c1.Close()
	defer c2.Close()

	cfg := testConfig()
	sinkA, sinkB := &fakeSink{}, &fakeSink{}

	a, err := newSession(1, cfg, sinkA, "a", true)
	if err != nil {
		t.Fatalf("newSession a: %v", err)
	}
	a.conn = c1
	a.codec = wire.NewCodec(cfg.Magic)

	b, err := newSession(2, cfg, sinkB, "b", false)
	if err != nil {
		t.Fatalf("newSession b: %v", err)
	}
	b.conn = c2
	b.codec = wire.NewCodec(cfg.Magic)

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); errA = a.handshake(context.Background()) }()
	go func() { defer wg.Done(); errB = b.handshake(context.Background()) }()
	wg.Wait()

	if errA != nil {
		t.Fatalf("a.handshake: %v", errA)
	}
	if errB != nil {
		t.Fatalf("b.handshake: %v", errB)
	}
	if a.State() != StateHandshakeDone {
		t.Fatalf("a.State() = %v, want StateHandshakeDone", a.State())
	}
	if b.State() != StateHandshakeDone {
		t.Fatalf("b.State() = %v, want StateHandshakeDone", b.State())
	}
	if !sinkA.has(EventHandshakeDone) || !sinkB.has(EventHandshakeDone) {
		t.Fatal("expected EventHandshakeDone on both sides")
	}
	if b.bestHeight != 7 {
		t.Fatalf("b learned bestHeight = %v, want 7", b.bestHeight)
	}
}

// TestHandshakeDetectsSelfConnectViaHasNonce confirms a peer that
// recognizes its own nonce through the pool-wide HasNonce hook (rather
// than just its own outgoing nonce) rejects the connection.
func TestHandshakeDetectsSelfConnectViaHasNonce(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	cfgA := testConfig()
	a, err := newSession(1, cfgA, &fakeSink{}, "a", true)
	if err != nil {
		t.Fatalf("newSession a: %v", err)
	}
	a.conn = c1
	a.codec = wire.NewCodec(cfgA.Magic)

	cfgB := testConfig()
	cfgB.HasNonce = func(nonce uint64) bool { return nonce == a.ourNonce }
	b, err := newSession(2, cfgB, &fakeSink{}, "b", false)
	if err != nil {
		t.Fatalf("newSession b: %v", err)
	}
	b.conn = c2
	b.codec = wire.NewCodec(cfgB.Magic)

	var wg sync.WaitGroup
	var errB error
	wg.Add(1)
	go func() {
		defer wg.Done()
		errB = b.handshake(context.Background())
		c2.Close()
	}()
	_ = a.handshake(context.Background())
	wg.Wait()

	if errB == nil || !strings.Contains(errB.Error(), "self connect") {
		t.Fatalf("b.handshake = %v, want self connect error", errB)
	}
}

func TestRequestMapAddResolveOverdue(t *testing.T) {
	m := newRequestMap()
	m.add(wire.CmdPong, time.Millisecond)

	if ok := m.resolve(wire.CmdPing); ok {
		t.Fatal("resolve of an absent command should report false")
	}
	if ok := m.resolve(wire.CmdPong); !ok {
		t.Fatal("resolve of a pending command should report true")
	}
	if ok := m.resolve(wire.CmdPong); ok {
		t.Fatal("resolving twice should report false the second time")
	}

	m.add(wire.CmdHeaders, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	cmd, ok := m.overdue(time.Now())
	if !ok || cmd != wire.CmdHeaders {
		t.Fatalf("overdue = %v, %v; want CmdHeaders, true", cmd, ok)
	}

	m.rejectAll(nil)
	if _, ok := m.overdue(time.Now()); ok {
		t.Fatal("rejectAll should clear all entries")
	}
}

func TestRollingFilterAddContains(t *testing.T) {
	f := newRollingFilter(1000, 1e-6)
	item := []byte("some hash bytes")
	if f.contains(item) {
		t.Fatal("filter should not contain an item before it is added")
	}
	f.add(item)
	if !f.contains(item) {
		t.Fatal("filter should contain an item once added")
	}
}

func TestExpectedReplyMapping(t *testing.T) {
	cases := []struct {
		cmd    wire.Command
		expect wire.Command
		ok     bool
	}{
		{wire.CmdGetBlocks, wire.CmdInv, true},
		{wire.CmdGetHeaders, wire.CmdHeaders, true},
		{wire.CmdGetData, wire.CmdBlock, true},
		{wire.CmdPing, 0, false},
	}
	for _, c := range cases {
		got, _, ok := expectedReply(c.cmd)
		if ok != c.ok || (ok && got != c.expect) {
			t.Errorf("expectedReply(%v) = %v, %v; want %v, %v", c.cmd, got, ok, c.expect, c.ok)
		}
	}
}

// newHandshakedPair returns two Sessions already past the handshake,
// wired over a loopback TCP connection, ready for readLoop/dispatch-level
// testing.
func newHandshakedPair(t *testing.T) (a, b *Session, sinkA, sinkB *fakeSink) {
	t.Helper()
	c1, c2 := tcpPipe(t)
	t.Cleanup(func() { c1.Close(); c2.Close() })

	cfg := testConfig()
	sinkA, sinkB = &fakeSink{}, &fakeSink{}

	var err error
	a, err = newSession(1, cfg, sinkA, "a", true)
	if err != nil {
		t.Fatalf("newSession a: %v", err)
	}
	a.conn = c1
	a.codec = wire.NewCodec(cfg.Magic)

	b, err = newSession(2, cfg, sinkB, "b", false)
	if err != nil {
		t.Fatalf("newSession b: %v", err)
	}
	b.conn = c2
	b.codec = wire.NewCodec(cfg.Magic)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = a.handshake(context.Background()) }()
	go func() { defer wg.Done(); _ = b.handshake(context.Background()) }()
	wg.Wait()
	return a, b, sinkA, sinkB
}

// TestQueueInvFlushesEagerlyOnBlock confirms a single BLOCK inventory
// item is flushed immediately rather than waiting for the timer or
// batch capacity.
func TestQueueInvFlushesEagerlyOnBlock(t *testing.T) {
	a, b, _, _ := newHandshakedPair(t)

	done := make(chan wire.Message, 1)
	go func() {
		msg, err := b.readMessageRaw()
		if err != nil {
			return
		}
		done <- msg
	}()

	var hash [32]byte
	hash[0] = 0x42
	a.QueueInv(wire.InvVect{Type: wire.InvBlock, Hash: hash})

	select {
	case msg := <-done:
		inv, ok := msg.(*wire.MsgInv)
		if !ok || len(inv.Items) != 1 || inv.Items[0].Type != wire.InvBlock {
			t.Fatalf("got %+v, want a one-item block inv", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("block inv was not flushed eagerly")
	}
}

// TestQueueInvDedupesViaFilter confirms the rolling filter suppresses a
// second announcement of the same hash.
func TestQueueInvDedupesViaFilter(t *testing.T) {
	a, _, _, _ := newHandshakedPair(t)

	var hash [32]byte
	hash[0] = 0x7
	a.QueueInv(wire.InvVect{Type: wire.InvTx, Hash: hash})
	a.invQueueMtx.Lock()
	n := len(a.invQueue)
	a.invQueueMtx.Unlock()
	if n != 1 {
		t.Fatalf("queue length after first add = %v, want 1", n)
	}

	a.QueueInv(wire.InvVect{Type: wire.InvTx, Hash: hash})
	a.invQueueMtx.Lock()
	n = len(a.invQueue)
	a.invQueueMtx.Unlock()
	if n != 1 {
		t.Fatalf("queue length after duplicate add = %v, want 1 (deduped)", n)
	}
}

// TestAddBanScoreThresholdEmitsBanAndCloses confirms crossing the ban
// threshold in one call fires EventBan and closes the connection.
func TestAddBanScoreThresholdEmitsBanAndCloses(t *testing.T) {
	a, _, sinkA, _ := newHandshakedPair(t)

	a.addBanScore(BanScoreThreshold, "test violation")

	if !sinkA.has(EventBan) {
		t.Fatal("expected EventBan once the threshold is crossed")
	}
}

// TestAddBanScoreAccumulatesBelowThreshold confirms a single
// below-threshold penalty does not yet trigger a ban.
func TestAddBanScoreAccumulatesBelowThreshold(t *testing.T) {
	a, _, sinkA, _ := newHandshakedPair(t)

	a.addBanScore(BanScoreParseError, "minor")

	if sinkA.has(EventBan) {
		t.Fatal("should not ban below threshold")
	}
	if got := a.banScore.Load(); got != BanScoreParseError {
		t.Fatalf("banScore = %v, want %v", got, BanScoreParseError)
	}
}

func TestDispatchIgnoresZeroNoncePing(t *testing.T) {
	a, _, _, sinkB := newHandshakedPair(t)

	a.dispatch(&wire.MsgPing{Nonce: 0})

	if sinkB.has(EventBan) {
		t.Fatal("zero-nonce ping should not be treated as a ban-worthy event")
	}
}

func TestDispatchBansOversizeAddr(t *testing.T) {
	a, _, sinkA, _ := newHandshakedPair(t)

	addrs := make([]wire.NetAddress, 1001)
	a.dispatch(&wire.MsgAddr{Addrs: addrs})

	if !sinkA.has(EventBan) {
		t.Fatal("oversize addr should accumulate enough ban score to trigger EventBan")
	}
}

func TestMaxProofRPSDefaultsWhenUnset(t *testing.T) {
	if got := maxProofRPS(&Config{}); got != 10 {
		t.Fatalf("maxProofRPS(unset) = %v, want 10", got)
	}
	if got := maxProofRPS(&Config{MaxProofRPS: 3}); got != 3 {
		t.Fatalf("maxProofRPS(3) = %v, want 3", got)
	}
}
