// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package blockstore

import (
	"context"
	"fmt"

	"github.com/handshake-org/hsd-sub004/database/blockdb"
)

// Batch accumulates write_* / prune_* operations for later two-phase
// commit. Batches are best-effort across files, not atomic: each
// enqueued write or prune is applied independently during Commit.
type Batch struct {
	s       *Store
	writes  []batchWrite
	prunes  []batchPrune
}

type batchWrite struct {
	t    blockdb.Type
	hash []byte
	data []byte
}

type batchPrune struct {
	t    blockdb.Type
	hash []byte
}

// Batch returns a fresh write-batch bound to this store.
func (s *Store) Batch() *Batch {
	return &Batch{s: s}
}

// WriteBlock enqueues a write for later CommitWrites.
func (b *Batch) WriteBlock(t blockdb.Type, hash, data []byte) {
	b.writes = append(b.writes, batchWrite{t: t, hash: hash, data: data})
}

// PruneBlock enqueues a prune for later CommitPrunes.
func (b *Batch) PruneBlock(t blockdb.Type, hash []byte) {
	b.prunes = append(b.prunes, batchPrune{t: t, hash: hash})
}

// CommitWrites applies every enqueued write, collecting but not
// stopping on individual failures (e.g. AlreadyExists).
func (b *Batch) CommitWrites(ctx context.Context) []error {
	log.Tracef("CommitWrites %v", len(b.writes))
	defer log.Tracef("CommitWrites exit")

	var errs []error
	for _, w := range b.writes {
		if err := b.s.WriteBlock(ctx, w.t, w.hash, w.data); err != nil {
			errs = append(errs, fmt.Errorf("write %v %x: %w", w.t, w.hash, err))
		}
	}
	return errs
}

// CommitPrunes applies every enqueued prune.
func (b *Batch) CommitPrunes(ctx context.Context) []error {
	log.Tracef("CommitPrunes %v", len(b.prunes))
	defer log.Tracef("CommitPrunes exit")

	var errs []error
	for _, p := range b.prunes {
		if _, err := b.s.PruneBlock(ctx, p.t, p.hash); err != nil {
			errs = append(errs, fmt.Errorf("prune %v %x: %w", p.t, p.hash, err))
		}
	}
	return errs
}

// Commit runs CommitWrites followed by CommitPrunes, returning every
// error encountered across both phases.
func (b *Batch) Commit(ctx context.Context) []error {
	errs := b.CommitWrites(ctx)
	errs = append(errs, b.CommitPrunes(ctx)...)
	return errs
}
