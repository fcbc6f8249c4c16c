// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// hashStripes lets per-item work on different hashes proceed in
// parallel: the pool mutex is held only for the bookkeeping step, and
// the item's stripe lock covers the slow work after it.
const hashStripeCount = 256

type hashStripes [hashStripeCount]sync.Mutex

func (s *hashStripes) lock(h chainhash.Hash) func() {
	i := int(h[0]) % hashStripeCount
	s[i].Lock()
	return s[i].Unlock
}
