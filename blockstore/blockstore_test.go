// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package blockstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/handshake-org/hsd-sub004/database/blockdb"
)

func open(t *testing.T, maxFileLength uint32) *Store {
	t.Helper()
	cfg := NewDefaultConfig(t.TempDir())
	if maxFileLength != 0 {
		cfg.MaxFileLength = maxFileLength
	}
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func blockPayload(tag byte) []byte {
	raw := make([]byte, 80+16)
	raw[0] = tag
	return raw
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := open(t, 0)

	data := blockPayload(0x01)
	hash := chainhash.DoubleHashB(data[:80])

	if err := s.WriteBlock(ctx, blockdb.TypeBlock, hash, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	has, err := s.HasBlock(ctx, blockdb.TypeBlock, hash)
	if err != nil || !has {
		t.Fatalf("HasBlock = %v, %v; want true, nil", has, err)
	}

	got, err := s.ReadBlock(ctx, blockdb.TypeBlock, hash, 0, 0)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadBlock = %x, want %x", got, data)
	}
}

func TestWriteBlockAlreadyExists(t *testing.T) {
	ctx := context.Background()
	s := open(t, 0)

	data := blockPayload(0x02)
	hash := chainhash.DoubleHashB(data[:80])
	if err := s.WriteBlock(ctx, blockdb.TypeBlock, hash, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := s.WriteBlock(ctx, blockdb.TypeBlock, hash, data); err != ErrAlreadyExists {
		t.Fatalf("second WriteBlock = %v, want ErrAlreadyExists", err)
	}
}

func TestReadBlockPartial(t *testing.T) {
	ctx := context.Background()
	s := open(t, 0)

	data := blockPayload(0x03)
	hash := chainhash.DoubleHashB(data[:80])
	if err := s.WriteBlock(ctx, blockdb.TypeBlock, hash, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	got, err := s.ReadBlock(ctx, blockdb.TypeBlock, hash, 0, 80)
	if err != nil {
		t.Fatalf("ReadBlock partial: %v", err)
	}
	if !bytes.Equal(got, data[:80]) {
		t.Fatalf("partial read mismatch")
	}

	if _, err := s.ReadBlock(ctx, blockdb.TypeBlock, hash, 0, uint32(len(data)+1)); err != ErrOutOfBounds {
		t.Fatalf("out-of-bounds read = %v, want ErrOutOfBounds", err)
	}
}

func TestReadBlockNotIndexed(t *testing.T) {
	ctx := context.Background()
	s := open(t, 0)
	if _, err := s.ReadBlock(ctx, blockdb.TypeBlock, make([]byte, 32), 0, 0); err == nil {
		t.Fatal("expected error reading an unindexed hash")
	}
}

// TestFileRollsOverAtMaxLength confirms a second object that would
// overflow the per-file cap rolls into a new numbered file rather than
// being written past the boundary.
func TestFileRollsOverAtMaxLength(t *testing.T) {
	ctx := context.Background()
	objLen := uint32(80 + 16 + mhdrBlock)
	s := open(t, objLen) // exactly one object fits per file

	first := blockPayload(0x10)
	h1 := chainhash.DoubleHashB(first[:80])
	if err := s.WriteBlock(ctx, blockdb.TypeBlock, h1, first); err != nil {
		t.Fatalf("first WriteBlock: %v", err)
	}

	second := blockPayload(0x11)
	h2 := chainhash.DoubleHashB(second[:80])
	if err := s.WriteBlock(ctx, blockdb.TypeBlock, h2, second); err != nil {
		t.Fatalf("second WriteBlock: %v", err)
	}

	s.mtx.Lock()
	fileNo := s.lastFile[blockdb.TypeBlock]
	s.mtx.Unlock()
	if fileNo != 1 {
		t.Fatalf("expected roll to file 1, got file %d", fileNo)
	}

	got, err := s.ReadBlock(ctx, blockdb.TypeBlock, h1, 0, 0)
	if err != nil || !bytes.Equal(got, first) {
		t.Fatalf("first object unreadable after roll: %v", err)
	}
	got, err = s.ReadBlock(ctx, blockdb.TypeBlock, h2, 0, 0)
	if err != nil || !bytes.Equal(got, second) {
		t.Fatalf("second object unreadable after roll: %v", err)
	}
}

func TestWriteBlockTooLargeForFile(t *testing.T) {
	ctx := context.Background()
	s := open(t, 10) // smaller than any real object + header

	data := blockPayload(0x20)
	hash := chainhash.DoubleHashB(data[:80])
	if err := s.WriteBlock(ctx, blockdb.TypeBlock, hash, data); err != ErrTooLarge {
		t.Fatalf("WriteBlock = %v, want ErrTooLarge", err)
	}
}

func TestPruneBlockRemovesFileWhenEmptied(t *testing.T) {
	ctx := context.Background()
	s := open(t, 0)

	data := blockPayload(0x30)
	hash := chainhash.DoubleHashB(data[:80])
	if err := s.WriteBlock(ctx, blockdb.TypeBlock, hash, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	ok, err := s.PruneBlock(ctx, blockdb.TypeBlock, hash)
	if err != nil || !ok {
		t.Fatalf("PruneBlock = %v, %v; want true, nil", ok, err)
	}

	has, err := s.HasBlock(ctx, blockdb.TypeBlock, hash)
	if err != nil || has {
		t.Fatalf("HasBlock after prune = %v, %v; want false, nil", has, err)
	}

	path, err := fileName(s.cfg.Home, blockdb.TypeBlock, 0)
	if err != nil {
		t.Fatalf("fileName: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected data file to be unlinked after emptying")
	}
}

func TestPruneBlockUnknownHashReturnsFalse(t *testing.T) {
	ctx := context.Background()
	s := open(t, 0)
	ok, err := s.PruneBlock(ctx, blockdb.TypeBlock, make([]byte, 32))
	if err != nil || ok {
		t.Fatalf("PruneBlock(unknown) = %v, %v; want false, nil", ok, err)
	}
}

// TestColdOpenRecoversWithoutIndex simulates an index-less restart:
// write a block, blow away the index, then reopen and confirm recovery
// repopulates it.
func TestColdOpenRecoversWithoutIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := NewDefaultConfig(dir)

	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := blockPayload(0x40)
	hash := chainhash.DoubleHashB(data[:80])
	if err := s.WriteBlock(ctx, blockdb.TypeBlock, hash, data); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	s.Close()

	if err := os.RemoveAll(filepath.Join(dir, "index")); err != nil {
		t.Fatalf("remove index: %v", err)
	}

	s2, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen after index loss: %v", err)
	}
	defer s2.Close()

	has, err := s2.HasBlock(ctx, blockdb.TypeBlock, hash)
	if err != nil || !has {
		t.Fatalf("HasBlock after recovery = %v, %v; want true, nil", has, err)
	}
	got, err := s2.ReadBlock(ctx, blockdb.TypeBlock, hash, 0, 0)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("ReadBlock after recovery: %v", err)
	}
}
