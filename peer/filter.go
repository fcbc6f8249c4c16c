// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package peer

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync"
)

// rollingFilter is a fixed-capacity Bloom filter used to avoid
// re-announcing or re-requesting items already exchanged with a peer.
// It never shrinks; callers size it once for the expected capacity and
// false-positive rate and let it fill.
type rollingFilter struct {
	mtx   sync.Mutex
	bits  []uint64
	k     uint32
	m     uint64
	tweak [2]uint64
}

func newRollingFilter(capacity int, fpr float64) *rollingFilter {
	m := optimalM(capacity, fpr)
	k := optimalK(capacity, m)

	var seed [16]byte
	_, _ = rand.Read(seed[:])

	return &rollingFilter{
		bits:  make([]uint64, (m+63)/64),
		k:     k,
		m:     m,
		tweak: [2]uint64{binary.LittleEndian.Uint64(seed[:8]), binary.LittleEndian.Uint64(seed[8:])},
	}
}

func optimalM(n int, p float64) uint64 {
	m := -1.0 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	if m < 8 {
		m = 8
	}
	return uint64(m)
}

func optimalK(n int, m uint64) uint32 {
	k := uint32(float64(m) / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 32 {
		k = 32
	}
	return k
}

// hashN derives the i'th of k independent hash values from data using
// the standard double-hashing construction (two FNV-1a passes salted
// by a random per-filter tweak, combined à la Kirsch-Mitzenmacher).
func (f *rollingFilter) hashN(data []byte, i uint32) uint64 {
	h1 := fnv.New64a()
	var t0 [8]byte
	binary.LittleEndian.PutUint64(t0[:], f.tweak[0])
	h1.Write(t0[:])
	h1.Write(data)

	h2 := fnv.New64a()
	var t1 [8]byte
	binary.LittleEndian.PutUint64(t1[:], f.tweak[1])
	h2.Write(t1[:])
	h2.Write(data)

	return (h1.Sum64() + uint64(i)*h2.Sum64()) % f.m
}

func (f *rollingFilter) add(data []byte) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for i := uint32(0); i < f.k; i++ {
		bit := f.hashN(data, i)
		f.bits[bit/64] |= 1 << (bit % 64)
	}
}

func (f *rollingFilter) contains(data []byte) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for i := uint32(0); i < f.k; i++ {
		bit := f.hashN(data, i)
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}
