// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package blockdb is the index database behind the file-based block
// store: it maps (type, hash) -> (file, position, length) and tracks
// per-file and per-type bookkeeping records. It never touches the data
// files themselves; that is blockstore's job.
package blockdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/juju/loggo"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/handshake-org/hsd-sub004/database"
	dblevel "github.com/handshake-org/hsd-sub004/database/level"
)

var log = loggo.GetLogger("blockdb")

func init() {
	loggo.ConfigureLoggers("INFO")
}

const ldbVersion = 1

// Type is a block object kind. Each type has its own file-number space,
// own "last file" pointer, and own key prefix.
type Type byte

const (
	TypeBlock  Type = 0
	TypeUndo   Type = 1
	TypeMerkle Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeBlock:
		return "BLOCK"
	case TypeUndo:
		return "UNDO"
	case TypeMerkle:
		return "MERKLE"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Key prefixes, one byte each, distinguishing the four record families
// sharing the BlockIndexDB / FileIndexDB tables.
const (
	prefixBlock   byte = 'b' // (type, hash) -> BlockRecord
	prefixFile    byte = 'f' // (type, file) -> FileRecord
	prefixLast    byte = 'l' // (type) -> last file number
	prefixVersion byte = 'V' // schema version record
)

// BlockRecord locates an object's bytes within a numbered file.
type BlockRecord struct {
	FileNumber uint32
	Position   uint32
	Length     uint32
}

func (r BlockRecord) encode() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], r.FileNumber)
	binary.LittleEndian.PutUint32(b[4:8], r.Position)
	binary.LittleEndian.PutUint32(b[8:12], r.Length)
	return b
}

func decodeBlockRecord(b []byte) (BlockRecord, error) {
	if len(b) != 12 {
		return BlockRecord{}, fmt.Errorf("invalid block record length: %v", len(b))
	}
	return BlockRecord{
		FileNumber: binary.LittleEndian.Uint32(b[0:4]),
		Position:   binary.LittleEndian.Uint32(b[4:8]),
		Length:     binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// FileRecord counts live blocks and bytes in use for one numbered file.
type FileRecord struct {
	Blocks uint32
	Used   uint32
	Length uint32
}

func (r FileRecord) encode() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], r.Blocks)
	binary.LittleEndian.PutUint32(b[4:8], r.Used)
	binary.LittleEndian.PutUint32(b[8:12], r.Length)
	return b
}

// write encodes r into bw. The contract is deliberate: write three LE
// u32s and return the writer so further puts can be chained.
func (r FileRecord) write(bw *leveldb.Batch, key []byte) *leveldb.Batch {
	bw.Put(key, r.encode())
	return bw
}

func decodeFileRecord(b []byte) (FileRecord, error) {
	if len(b) != 12 {
		return FileRecord{}, fmt.Errorf("invalid file record length: %v", len(b))
	}
	return FileRecord{
		Blocks: binary.LittleEndian.Uint32(b[0:4]),
		Used:   binary.LittleEndian.Uint32(b[4:8]),
		Length: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

func blockKey(t Type, hash []byte) []byte {
	k := make([]byte, 1+1+len(hash))
	k[0] = prefixBlock
	k[1] = byte(t)
	copy(k[2:], hash)
	return k
}

func fileKey(t Type, fileNo uint32) []byte {
	k := make([]byte, 1+1+4)
	k[0] = prefixFile
	k[1] = byte(t)
	binary.BigEndian.PutUint32(k[2:], fileNo)
	return k
}

func lastKey(t Type) []byte {
	return []byte{prefixLast, byte(t)}
}

// objectHeaderSize is the per-object header the data file carries ahead
// of the payload: magic(4) + length(4), plus the explicit 32-byte hash
// for UNDO objects. Used accounting includes it.
func objectHeaderSize(t Type) uint32 {
	if t == TypeUndo {
		return 40
	}
	return 8
}

// Database is the leveldb-backed index described above.
type Database struct {
	*dblevel.Database
}

// New opens (or creates) the index database rooted at home.
func New(ctx context.Context, home string) (*Database, error) {
	log.Tracef("New")
	defer log.Tracef("New exit")

	ld, err := dblevel.New(ctx, home, ldbVersion,
		dblevel.MetadataDB, dblevel.BlockIndexDB, dblevel.FileIndexDB)
	if err != nil {
		return nil, err
	}
	return &Database{Database: ld}, nil
}

func (d *Database) blockIndex() *leveldb.DB { return d.DB()[dblevel.BlockIndexDB] }
func (d *Database) fileIndex() *leveldb.DB  { return d.DB()[dblevel.FileIndexDB] }

// HasBlock is an index-only existence test.
func (d *Database) HasBlock(ctx context.Context, t Type, hash []byte) (bool, error) {
	ok, err := d.blockIndex().Has(blockKey(t, hash), nil)
	if err != nil {
		return false, fmt.Errorf("has block: %w", err)
	}
	return ok, nil
}

// BlockRecord looks up the (file,pos,len) triple for hash.
func (d *Database) BlockRecord(ctx context.Context, t Type, hash []byte) (*BlockRecord, error) {
	raw, err := d.blockIndex().Get(blockKey(t, hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf("block not indexed: %v/%x", t, hash))
		}
		return nil, fmt.Errorf("block record get: %w", err)
	}
	br, err := decodeBlockRecord(raw)
	if err != nil {
		return nil, err
	}
	return &br, nil
}

// FileRecord looks up bookkeeping for a single numbered file.
func (d *Database) FileRecord(ctx context.Context, t Type, fileNo uint32) (*FileRecord, error) {
	raw, err := d.fileIndex().Get(fileKey(t, fileNo), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf("file not indexed: %v/%v", t, fileNo))
		}
		return nil, fmt.Errorf("file record get: %w", err)
	}
	fr, err := decodeFileRecord(raw)
	if err != nil {
		return nil, err
	}
	return &fr, nil
}

// LastFile returns the current "last file" pointer for t, and whether one
// has ever been recorded.
func (d *Database) LastFile(ctx context.Context, t Type) (uint32, bool, error) {
	raw, err := d.fileIndex().Get(lastKey(t), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("last file get: %w", err)
	}
	if len(raw) != 4 {
		return 0, false, fmt.Errorf("invalid last file record length: %v", len(raw))
	}
	return binary.LittleEndian.Uint32(raw), true, nil
}

// CommitWrite records a new object in two batch writes: the block
// record goes to the block index first, then the updated file record
// and the last-file pointer go to the file index. The two writes are
// not atomic with each other; a failure after the first leaves the
// block record without its file record update.
func (d *Database) CommitWrite(ctx context.Context, t Type, hash []byte, br BlockRecord, fr FileRecord, lastFile uint32) error {
	log.Tracef("CommitWrite")
	defer log.Tracef("CommitWrite exit")

	bBatch := new(leveldb.Batch)
	bBatch.Put(blockKey(t, hash), br.encode())
	if err := d.blockIndex().Write(bBatch, nil); err != nil {
		return fmt.Errorf("block index write: %w", err)
	}

	fBatch := new(leveldb.Batch)
	fr.write(fBatch, fileKey(t, br.FileNumber))
	lb := make([]byte, 4)
	binary.LittleEndian.PutUint32(lb, lastFile)
	fBatch.Put(lastKey(t), lb)
	if err := d.fileIndex().Write(fBatch, nil); err != nil {
		return fmt.Errorf("file index write: %w", err)
	}

	return nil
}

// CommitPrune removes a block entry and, if the owning file's block
// count drops to zero, removes the file record too. It reports whether
// the file record was removed (the caller must then unlink the data
// file) and the number of the file the block lived in.
func (d *Database) CommitPrune(ctx context.Context, t Type, hash []byte) (fileEmptied bool, fileNo uint32, err error) {
	log.Tracef("CommitPrune")
	defer log.Tracef("CommitPrune exit")

	br, err := d.BlockRecord(ctx, t, hash)
	if err != nil {
		return false, 0, err
	}
	fr, err := d.FileRecord(ctx, t, br.FileNumber)
	if err != nil {
		return false, 0, err
	}

	bBatch := new(leveldb.Batch)
	bBatch.Delete(blockKey(t, hash))
	if err := d.blockIndex().Write(bBatch, nil); err != nil {
		return false, 0, fmt.Errorf("block index delete: %w", err)
	}

	fr.Blocks--
	fr.Used -= br.Length + objectHeaderSize(t)
	fBatch := new(leveldb.Batch)
	if fr.Blocks == 0 {
		fBatch.Delete(fileKey(t, br.FileNumber))
		fileEmptied = true
	} else {
		fr.write(fBatch, fileKey(t, br.FileNumber))
	}
	if err := d.fileIndex().Write(fBatch, nil); err != nil {
		return false, 0, fmt.Errorf("file index update: %w", err)
	}

	return fileEmptied, br.FileNumber, nil
}

// ReindexEntry is one record recovered by a full directory re-scan.
type ReindexEntry struct {
	Hash  []byte
	BlockRecord
}

// Reindex overwrites the file record for (t, fileNo) and inserts every
// recovered block entry. Used exclusively by the blockstore's cold-open
// recovery path.
func (d *Database) Reindex(ctx context.Context, t Type, fileNo uint32, fr FileRecord, entries []ReindexEntry) error {
	log.Tracef("Reindex")
	defer log.Tracef("Reindex exit")

	bBatch := new(leveldb.Batch)
	for _, e := range entries {
		bBatch.Put(blockKey(t, e.Hash), e.BlockRecord.encode())
	}
	if err := d.blockIndex().Write(bBatch, nil); err != nil {
		return fmt.Errorf("reindex block batch: %w", err)
	}

	fBatch := new(leveldb.Batch)
	fr.write(fBatch, fileKey(t, fileNo))
	if err := d.fileIndex().Write(fBatch, nil); err != nil {
		return fmt.Errorf("reindex file batch: %w", err)
	}
	return nil
}

// HasFileRecord reports whether a file record exists for (t, fileNo),
// used by Open to decide whether a file on disk needs re-indexing.
func (d *Database) HasFileRecord(ctx context.Context, t Type, fileNo uint32) (bool, error) {
	ok, err := d.fileIndex().Has(fileKey(t, fileNo), nil)
	if err != nil {
		return false, fmt.Errorf("has file record: %w", err)
	}
	return ok, nil
}

// IterateFiles calls fn for every (fileNo, FileRecord) indexed for t, in
// ascending file-number order.
func (d *Database) IterateFiles(ctx context.Context, t Type, fn func(fileNo uint32, fr FileRecord) error) error {
	prefix := []byte{prefixFile, byte(t)}
	it := d.fileIndex().NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+4 {
			continue
		}
		fileNo := binary.BigEndian.Uint32(key[len(prefix):])
		fr, err := decodeFileRecord(it.Value())
		if err != nil {
			return err
		}
		if err := fn(fileNo, fr); err != nil {
			return err
		}
	}
	return it.Error()
}
