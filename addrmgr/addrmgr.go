// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package addrmgr implements the two-tier fresh/tried address book
// used to seed outbound connections, modeled on Bitcoin Core's
// addrman and adapted to this protocol's NetAddress shape.
package addrmgr

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/juju/loggo"

	"github.com/handshake-org/hsd-sub004/wire"
)

var log = loggo.GetLogger("addrmgr")

const (
	freshBucketCount = 1024
	triedBucketCount = 256
	bucketSize       = 64
	maxFreshRefs     = 8

	newBucketsPerAddr = 64 // first-step modulus of the fresh-bucket hash; any addr may land in up to maxFreshRefs fresh buckets

	defaultBanTime       = 24 * time.Hour
	defaultFlushInterval = 120 * time.Second
)

// Entry is one known address. hostname (ip:port) is its identity; an
// address may be referenced from multiple fresh buckets but at most
// one tried bucket.
type Entry struct {
	Addr wire.NetAddress
	Src  net.IP

	Attempts    int
	LastSuccess time.Time
	LastAttempt time.Time
	Time        time.Time // last time this address was seen alive, per the network

	RefCount int  // number of fresh buckets this entry appears in
	Used     bool // true once promoted to tried

	bannedUntil time.Time
}

func (e *Entry) isBanned(now time.Time) bool {
	return now.Before(e.bannedUntil)
}

// Config controls bucket sizing and timing knobs so tests can shrink
// them.
type Config struct {
	Network   uint32
	BanTime   time.Duration
	FlushPath string
	Rand      func(n int64) int64 // injectable for deterministic tests
}

func NewDefaultConfig() *Config {
	return &Config{
		BanTime: defaultBanTime,
		Rand:    defaultRand,
	}
}

func defaultRand(n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0
	}
	return v.Int64()
}

// Book is the fresh/tried address table.
type Book struct {
	cfg *Config

	mtx sync.Mutex

	secret [32]byte

	entries map[string]*Entry // keyed by hostname

	fresh [freshBucketCount][]string // each slot holds hostnames
	tried [triedBucketCount][]string

	totalFresh  int
	totalUsed   int
	totalBanned int

	needsFlush bool
}

// New creates an empty Book with a freshly randomized bucket secret.
func New(cfg *Config) (*Book, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	b := &Book{
		cfg:     cfg,
		entries: make(map[string]*Entry),
	}
	if _, err := rand.Read(b.secret[:]); err != nil {
		return nil, fmt.Errorf("addrmgr: secret: %w", err)
	}
	return b, nil
}

// groupKey compresses an address to the short byte sequence that
// controls bucket placement fairness, matching Bitcoin's scheme.
func groupKey(ip net.IP) []byte {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return []byte{0} // local/unroutable
	}
	if v4 := ip.To4(); v4 != nil {
		return []byte{1, v4[0], v4[1]} // /16
	}
	// Teredo (2001:0000::/32) is synthesized from its embedded IPv4.
	if ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x00 && ip[3] == 0x00 {
		return []byte{2, ip[12], ip[13], ip[14], ip[15]}
	}
	// he.net (2001:0470::/36) gets a wider /36; everything else /32.
	if ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x04 && ip[3] == 0x70 {
		g := make([]byte, 6)
		g[0] = 3
		copy(g[1:], ip[2:6])
		return g
	}
	g := make([]byte, 5)
	g[0] = 4
	copy(g[1:], ip[:4])
	return g
}

func (b *Book) hash(parts ...[]byte) [32]byte {
	h := sha256.New()
	h.Write(b.secret[:])
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hashMod(h [32]byte, n uint64) uint64 {
	return binary.LittleEndian.Uint64(h[:8]) % n
}

// freshBucketFor computes the deterministic fresh-bucket index for
// (addr, src) with a two-step hash-then-mod construction: the keyed
// hash of the two group keys picks a slot within the address's bucket
// window, then a second keyed hash spreads that slot across the table.
func (b *Book) freshBucketFor(addr wire.NetAddress, src net.IP) uint64 {
	intermediate := b.hash(groupKey(addr.IP()), groupKey(src))
	step1 := hashMod(intermediate, newBucketsPerAddr)

	var step1b [8]byte
	binary.LittleEndian.PutUint64(step1b[:], step1)
	final := b.hash(groupKey(addr.IP()), step1b[:])
	return hashMod(final, freshBucketCount)
}

// triedBucketFor computes the deterministic tried-bucket index for addr.
func (b *Book) triedBucketFor(addr wire.NetAddress) uint64 {
	var portb [2]byte
	binary.LittleEndian.PutUint16(portb[:], addr.Port)
	intermediate := b.hash(addr.RawIP[:], portb[:], addr.IdentityKey[:])
	step1 := hashMod(intermediate, 8)

	var step1b [8]byte
	binary.LittleEndian.PutUint64(step1b[:], step1)
	final := b.hash(groupKey(addr.IP()), step1b[:])
	return hashMod(final, triedBucketCount)
}

// Add inserts or refreshes a learned (addr, src) pair.
func (b *Book) Add(addr wire.NetAddress, src net.IP) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.add(addr, src)
}

func (b *Book) add(addr wire.NetAddress, src net.IP) {
	key := addr.Hostname()
	now := time.Now()

	e, ok := b.entries[key]
	if !ok {
		e = &Entry{Addr: addr, Src: src, Time: now}
		b.entries[key] = e
		bucket := b.freshBucketFor(addr, src)
		b.insertFresh(bucket, key)
		e.RefCount = 1
		b.totalFresh++
		b.needsFlush = true
		return
	}

	if e.Used {
		return // already promoted; Add is a no-op for tried entries
	}

	e.Addr.Services |= addr.Services

	interval := 24 * time.Hour
	if now.Sub(e.Time) < 24*time.Hour {
		interval = time.Hour
	}
	if src != nil && !src.Equal(e.Src) {
		interval += 2 * time.Hour
	}
	if addr.Time != 0 {
		seen := time.Unix(int64(addr.Time), 0)
		if seen.Sub(e.Time) > interval {
			e.Time = seen
		}
	}

	if e.RefCount >= maxFreshRefs {
		return
	}
	// Stochastically widen the entry's fresh-bucket membership; odds
	// shrink by half for every bucket it's already in.
	denom := int64(1)
	for i := 0; i < e.RefCount; i++ {
		denom *= 2
	}
	if b.cfg.Rand(denom) != 0 {
		return
	}
	bucket := b.freshBucketFor(addr, src)
	if b.insertFresh(bucket, key) {
		e.RefCount++
	}
	b.needsFlush = true
}

// insertFresh places key into bucket, evicting a stale/oldest entry
// first if the bucket is full. Returns false if key was already there.
func (b *Book) insertFresh(bucket uint64, key string) bool {
	slot := b.fresh[bucket]
	for _, k := range slot {
		if k == key {
			return false
		}
	}
	if len(slot) >= bucketSize {
		b.evictFresh(bucket)
		slot = b.fresh[bucket]
	}
	b.fresh[bucket] = append(slot, key)
	return true
}

// evictFresh prunes stale entries from bucket and, failing that,
// removes the single oldest-by-time entry.
func (b *Book) evictFresh(bucket uint64) {
	now := time.Now()
	slot := b.fresh[bucket]
	kept := slot[:0]
	for _, key := range slot {
		e, ok := b.entries[key]
		if !ok || b.stale(e, now) {
			b.dropFreshRef(key)
			continue
		}
		kept = append(kept, key)
	}
	if len(kept) >= bucketSize {
		oldestIdx, oldest := -1, time.Time{}
		for i, key := range kept {
			e := b.entries[key]
			if oldestIdx == -1 || e.Time.Before(oldest) {
				oldestIdx, oldest = i, e.Time
			}
		}
		if oldestIdx >= 0 {
			key := kept[oldestIdx]
			kept = append(kept[:oldestIdx], kept[oldestIdx+1:]...)
			b.dropFreshRef(key)
		}
	}
	b.fresh[bucket] = kept
}

func (b *Book) dropFreshRef(key string) {
	e, ok := b.entries[key]
	if !ok {
		return
	}
	e.RefCount--
	if e.RefCount <= 0 {
		delete(b.entries, key)
		b.totalFresh--
	}
}

// stale reports whether e should be evicted on sight.
func (b *Book) stale(e *Entry, now time.Time) bool {
	if now.Sub(e.LastAttempt) < 60*time.Second {
		return false
	}
	if e.Time.After(now.Add(10 * time.Minute)) {
		return true
	}
	if e.Time.IsZero() {
		return true
	}
	if now.Sub(e.Time) > 30*24*time.Hour {
		return true
	}
	if e.LastSuccess.IsZero() && e.Attempts >= 3 {
		return true
	}
	if now.Sub(e.LastSuccess) > 7*24*time.Hour && e.Attempts >= 10 {
		return true
	}
	return false
}

// MarkAck promotes a fresh entry to tried after a completed handshake.
func (b *Book) MarkAck(hostname string, services uint32) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	e, ok := b.entries[hostname]
	if !ok || e.Used {
		return
	}
	e.Addr.Services |= services
	e.LastSuccess = time.Now()
	b.needsFlush = true

	for i := range b.fresh {
		b.fresh[i] = removeKey(b.fresh[i], hostname)
	}
	b.totalFresh--
	e.RefCount = 0

	bucket := b.triedBucketFor(e.Addr)
	slot := b.tried[bucket]
	for _, k := range slot {
		if k == hostname {
			e.Used = true
			return
		}
	}
	if len(slot) < bucketSize {
		b.tried[bucket] = append(slot, hostname)
		e.Used = true
		b.totalUsed++
		return
	}

	// Bucket full: swap with its oldest entry, demoting the loser
	// back into fresh.
	oldestIdx, oldest := 0, time.Time{}
	for i, k := range slot {
		oe := b.entries[k]
		if i == 0 || oe.Time.Before(oldest) {
			oldestIdx, oldest = i, oe.Time
		}
	}
	evicted := slot[oldestIdx]
	slot[oldestIdx] = hostname
	b.tried[bucket] = slot
	e.Used = true

	if oe, ok := b.entries[evicted]; ok {
		oe.Used = false
		bucket := b.freshBucketFor(oe.Addr, oe.Src)
		if b.insertFresh(bucket, evicted) {
			oe.RefCount = 1
			b.totalFresh++
		}
	}
	b.needsFlush = true
}

func removeKey(keys []string, key string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}

// GetHost picks an address weighted by its connection "chance".
func (b *Book) GetHost() (*Entry, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	useTried := false
	switch {
	case b.totalUsed == 0 && b.totalFresh == 0:
		return nil, false
	case b.totalUsed == 0:
		useTried = false
	case b.totalFresh == 0:
		useTried = true
	default:
		useTried = b.cfg.Rand(2) == 0
	}

	factor := 1.0
	for attempt := 0; attempt < 100; attempt++ {
		var key string
		var ok bool
		if useTried {
			key, ok = b.randomFromBuckets(b.tried[:])
		} else {
			key, ok = b.randomFromBuckets(b.fresh[:])
		}
		if !ok {
			return nil, false
		}
		e := b.entries[key]
		if e == nil {
			continue
		}
		chance := chanceOf(e, time.Now())
		if float64(b.cfg.Rand(1<<16))/float64(1<<16) < chance/factor {
			return e, true
		}
		factor *= 1.2
	}
	return nil, false
}

func chanceOf(e *Entry, now time.Time) float64 {
	attempts := e.Attempts
	if attempts > 8 {
		attempts = 8
	}
	chance := 1.0
	for i := 0; i < attempts; i++ {
		chance *= 0.66
	}
	if now.Sub(e.LastAttempt) < 10*time.Minute {
		chance *= 0.01
	}
	return chance
}

func (b *Book) randomFromBuckets(buckets [][]string) (string, bool) {
	nonEmpty := make([]int, 0, len(buckets))
	for i, slot := range buckets {
		if len(slot) > 0 {
			nonEmpty = append(nonEmpty, i)
		}
	}
	if len(nonEmpty) == 0 {
		return "", false
	}
	bi := nonEmpty[b.cfg.Rand(int64(len(nonEmpty)))]
	slot := buckets[bi]
	return slot[b.cfg.Rand(int64(len(slot)))], true
}

// Attempt records a connection attempt against hostname.
func (b *Book) Attempt(hostname string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if e, ok := b.entries[hostname]; ok {
		e.Attempts++
		e.LastAttempt = time.Now()
	}
}

// Ban marks host unusable until the configured ban time elapses.
func (b *Book) Ban(hostname string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	e, ok := b.entries[hostname]
	if !ok {
		return
	}
	e.bannedUntil = time.Now().Add(b.cfg.BanTime)
	b.totalBanned++
	b.needsFlush = true
}

// IsBanned reports whether hostname is currently banned; expiry is
// lazy: an expired ban is not cleared, it simply stops reporting true.
func (b *Book) IsBanned(hostname string) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	e, ok := b.entries[hostname]
	if !ok {
		return false
	}
	return e.isBanned(time.Now())
}

// Totals returns the fresh/used/banned bookkeeping counters. Adding a
// new address raises fresh by one, MarkAck moves one count from fresh
// to used, and every Ban call raises banned by one.
func (b *Book) Totals() (fresh, used, banned int) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.totalFresh, b.totalUsed, b.totalBanned
}

// Len reports the number of distinct known addresses.
func (b *Book) Len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.entries)
}

// NeedsFlush reports whether mutations are pending a persistence write.
func (b *Book) NeedsFlush() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.needsFlush
}

// maxGetAddr caps how many addresses a single getaddr reply shares,
// mirroring the cap MsgAddr itself enforces on the wire.
const maxGetAddr = 1000

// Sample returns up to n addresses picked at random across both
// tables for answering a peer's getaddr request.
// Unlike GetHost it does not weight by connection chance: a getaddr
// reply is about sharing breadth of knowledge, not steering outbound
// dials.
func (b *Book) Sample(n int) []wire.NetAddress {
	if n > maxGetAddr {
		n = maxGetAddr
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	keys := make([]string, 0, len(b.entries))
	for k, e := range b.entries {
		if e.isBanned(time.Now()) {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	if n > len(keys) {
		n = len(keys)
	}

	out := make([]wire.NetAddress, 0, n)
	for i := 0; i < n; i++ {
		j := i + int(b.cfg.Rand(int64(len(keys)-i)))
		keys[i], keys[j] = keys[j], keys[i]
		out = append(out, b.entries[keys[i]].Addr)
	}
	return out
}
