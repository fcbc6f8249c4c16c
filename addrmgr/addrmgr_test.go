// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package addrmgr

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/handshake-org/hsd-sub004/wire"
)

func testConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Rand = func(n int64) int64 {
		if n <= 0 {
			return 0
		}
		return 0 // deterministic: always take the first option
	}
	return cfg
}

func newTestAddr(ip string, port uint16) wire.NetAddress {
	var a wire.NetAddress
	copy(a.RawIP[:], net.ParseIP(ip).To16())
	a.Port = port
	a.Services = 1
	return a
}

func TestAddAndLen(t *testing.T) {
	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	src := net.ParseIP("1.2.3.4")
	b.Add(newTestAddr("5.6.7.8", 12038), src)
	if got := b.Len(); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}

	b.Add(newTestAddr("5.6.7.8", 12038), src)
	if got := b.Len(); got != 1 {
		t.Fatalf("duplicate add should not grow the book, got %d", got)
	}
}

func TestMarkAckPromotesToTried(t *testing.T) {
	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addr := newTestAddr("5.6.7.8", 12038)
	src := net.ParseIP("1.2.3.4")
	b.Add(addr, src)

	fresh, used, _ := b.Totals()
	if fresh != 1 || used != 0 {
		t.Fatalf("expected 1 fresh/0 used, got %d/%d", fresh, used)
	}

	b.MarkAck(addr.Hostname(), 7)

	fresh, used, _ = b.Totals()
	if fresh != 0 || used != 1 {
		t.Fatalf("expected 0 fresh/1 used after promotion, got %d/%d", fresh, used)
	}

	e, ok := b.GetHost()
	if !ok {
		t.Fatalf("expected GetHost to return the promoted entry")
	}
	if e.Addr.Services != 7 {
		t.Fatalf("expected promoted services to merge in, got %d", e.Addr.Services)
	}
}

func TestBanRoundTrip(t *testing.T) {
	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addr := newTestAddr("5.6.7.8", 12038)
	b.Add(addr, net.ParseIP("1.2.3.4"))

	if b.IsBanned(addr.Hostname()) {
		t.Fatalf("fresh entry should not start banned")
	}
	b.Ban(addr.Hostname())
	if !b.IsBanned(addr.Hostname()) {
		t.Fatalf("expected entry to be banned")
	}
}

func TestGroupKeyPrivateVsPublic(t *testing.T) {
	local := groupKey(net.ParseIP("127.0.0.1"))
	if len(local) != 1 || local[0] != 0 {
		t.Fatalf("expected loopback to collapse to the single-byte local group, got %v", local)
	}

	a := groupKey(net.ParseIP("8.8.8.8"))
	bKey := groupKey(net.ParseIP("8.8.4.4"))
	if string(a) != string(bKey) {
		t.Fatalf("expected addresses in the same /16 to share a group key")
	}

	c := groupKey(net.ParseIP("9.9.9.9"))
	if string(a) == string(c) {
		t.Fatalf("expected addresses in different /16s to have distinct group keys")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "addrbook.json")

	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addr := newTestAddr("5.6.7.8", 12038)
	b.Add(addr, net.ParseIP("1.2.3.4"))
	b.MarkAck(addr.Hostname(), 3)

	if err := b.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s: %v", path, err)
	}

	b2, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := b2.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := b2.Len(); got != 1 {
		t.Fatalf("expected 1 entry after load, got %d", got)
	}
	_, used, _ := b2.Totals()
	if used != 1 {
		t.Fatalf("expected the loaded entry to still be tried, got used=%d", used)
	}
}

// TestSaveLoadPreservesMultiBucketRefCount confirms a fresh entry
// referenced from two buckets keeps both memberships (and RefCount 2)
// across a save/load cycle instead of being re-derived into one.
func TestSaveLoadPreservesMultiBucketRefCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "addrbook.json")

	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addr := newTestAddr("5.6.7.8", 12038)
	key := addr.Hostname()
	b.Add(addr, net.ParseIP("1.2.3.4"))

	b.mtx.Lock()
	first := -1
	for i := range b.fresh {
		if len(b.fresh[i]) > 0 {
			first = i
			break
		}
	}
	second := (first + 1) % freshBucketCount
	b.fresh[second] = append(b.fresh[second], key)
	b.entries[key].RefCount = 2
	b.mtx.Unlock()

	if err := b.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	b2, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := b2.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	b2.mtx.Lock()
	defer b2.mtx.Unlock()
	e, ok := b2.entries[key]
	if !ok {
		t.Fatal("entry missing after load")
	}
	if e.RefCount != 2 {
		t.Fatalf("RefCount after load = %d, want 2", e.RefCount)
	}
	if len(b2.fresh[first]) != 1 || len(b2.fresh[second]) != 1 {
		t.Fatalf("expected both fresh buckets %d and %d to keep the entry", first, second)
	}
}

func TestLoadRejectsWrongNetwork(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "addrbook.json")

	cfg := testConfig()
	cfg.Network = 7
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b.Add(newTestAddr("5.6.7.8", 12038), net.ParseIP("1.2.3.4"))
	if err := b.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	other, err := New(testConfig()) // Network 0
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := other.Load(path); err == nil {
		t.Fatal("expected Load to reject a file written for another network")
	}
}

func TestSampleReturnsRequestedCountAndRespectsCeiling(t *testing.T) {
	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	src := net.ParseIP("1.2.3.4")
	for i := 0; i < 5; i++ {
		b.Add(newTestAddr("10.0.0."+string(rune('1'+i)), uint16(12038+i)), src)
	}

	got := b.Sample(3)
	if len(got) != 3 {
		t.Fatalf("Sample(3) returned %d addrs, want 3", len(got))
	}

	if got := b.Sample(1000); len(got) != 5 {
		t.Fatalf("Sample(1000) with 5 known addrs returned %d, want 5", len(got))
	}

	if got := b.Sample(maxGetAddr + 50); len(got) > maxGetAddr {
		t.Fatalf("Sample should never exceed maxGetAddr, got %d", len(got))
	}
}

func TestSampleOmitsBannedEntries(t *testing.T) {
	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	src := net.ParseIP("1.2.3.4")
	addr := newTestAddr("10.0.0.9", 12038)
	b.Add(addr, src)
	b.Ban(addr.Hostname())

	if got := b.Sample(10); len(got) != 0 {
		t.Fatalf("Sample should omit banned entries, got %d", len(got))
	}
}

func TestLocalAddrsBestPrefersHigherScore(t *testing.T) {
	l := NewLocalAddrs(false)
	l.Add(net.ParseIP("192.168.1.5"), 12038, ScoreInterface)
	l.Add(net.ParseIP("203.0.113.9"), 12038, ScoreManual)

	ip, port, ok := l.Best()
	if !ok {
		t.Fatalf("expected a best address")
	}
	if !ip.Equal(net.ParseIP("203.0.113.9")) || port != 12038 {
		t.Fatalf("expected the manually-configured address to win, got %v:%d", ip, port)
	}
}
