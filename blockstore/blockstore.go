// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package blockstore implements a content-addressed, append-only
// object store: numbered data files per object type (BLOCK, UNDO,
// MERKLE) plus an external index mapping hash to on-disk slice.
package blockstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo"

	"github.com/handshake-org/hsd-sub004/database"
	"github.com/handshake-org/hsd-sub004/database/blockdb"
)

var log = loggo.GetLogger("blockstore")

func init() {
	loggo.ConfigureLoggers("INFO")
}

const (
	// magic tags every on-disk object header, distinguishing our
	// records from garbage left by a torn write.
	magic uint32 = 0xb10c5701

	// DefaultMaxFileLength is the default per-file cap.
	DefaultMaxFileLength = 128 * 1024 * 1024

	// mhdrBlock is the per-object header size for BLOCK/MERKLE:
	// magic(4) + length(4).
	mhdrBlock = 8

	// mhdrUndo is the per-object header size for UNDO: magic(4) +
	// length(4) + hash(32).
	mhdrUndo = 8 + chainhash.HashSize

	// maxFileNumber bounds file names to 5 zero-padded decimals.
	maxFileNumber = 99999
)

var (
	ErrAlreadyExists  = errors.New("already exists")
	ErrAlreadyWriting = errors.New("already writing")
	ErrOutOfBounds    = errors.New("out of bounds")
	ErrTooLarge       = errors.New("object exceeds max file length")
)

func prefixFor(t blockdb.Type) (string, error) {
	switch t {
	case blockdb.TypeBlock:
		return "blk", nil
	case blockdb.TypeUndo:
		return "blu", nil
	case blockdb.TypeMerkle:
		return "blm", nil
	default:
		return "", fmt.Errorf("unknown block type: %v", t)
	}
}

func mhdrFor(t blockdb.Type) int {
	if t == blockdb.TypeUndo {
		return mhdrUndo
	}
	return mhdrBlock
}

func fileName(home string, t blockdb.Type, fileNo uint32) (string, error) {
	prefix, err := prefixFor(t)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, fmt.Sprintf("%s%05d.dat", prefix, fileNo)), nil
}

// Config controls a Store's on-disk layout limits.
type Config struct {
	Home          string
	MaxFileLength uint32
}

func NewDefaultConfig(home string) *Config {
	return &Config{
		Home:          home,
		MaxFileLength: DefaultMaxFileLength,
	}
}

// Store is the append-only, content-addressed object store for one
// network's BLOCK/UNDO/MERKLE objects.
type Store struct {
	cfg *Config
	db  *blockdb.Database

	mtx sync.Mutex
	// writing guards serial-write-per-type.
	writing map[blockdb.Type]bool
	// lastFile caches each type's current last-file number and its
	// live FileRecord so appends don't need an index round trip.
	lastFile   map[blockdb.Type]uint32
	lastRecord map[blockdb.Type]blockdb.FileRecord
}

// Open opens (or creates) the store rooted at cfg.Home, recovering any
// files whose index entries are missing.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	log.Tracef("Open")
	defer log.Tracef("Open exit")

	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if cfg.MaxFileLength == 0 {
		cfg.MaxFileLength = DefaultMaxFileLength
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir home: %w", err)
	}

	db, err := blockdb.New(ctx, filepath.Join(cfg.Home, "index"))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	s := &Store{
		cfg:        cfg,
		db:         db,
		writing:    make(map[blockdb.Type]bool, 3),
		lastFile:   make(map[blockdb.Type]uint32, 3),
		lastRecord: make(map[blockdb.Type]blockdb.FileRecord, 3),
	}

	for _, t := range []blockdb.Type{blockdb.TypeBlock, blockdb.TypeUndo, blockdb.TypeMerkle} {
		if err := s.recoverType(ctx, t); err != nil {
			db.Close()
			return nil, fmt.Errorf("recover %v: %w", t, err)
		}
	}

	return s, nil
}

func (s *Store) Close() error {
	log.Tracef("Close")
	defer log.Tracef("Close exit")
	return s.db.Close()
}

// HasBlock is an index-only existence test.
func (s *Store) HasBlock(ctx context.Context, t blockdb.Type, hash []byte) (bool, error) {
	return s.db.HasBlock(ctx, t, hash)
}

// beginWrite marks t as being written, failing fast per the "Serial
// writes" rule.
func (s *Store) beginWrite(t blockdb.Type) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.writing[t] {
		return ErrAlreadyWriting
	}
	s.writing[t] = true
	return nil
}

func (s *Store) endWrite(t blockdb.Type) {
	s.mtx.Lock()
	s.writing[t] = false
	s.mtx.Unlock()
}

// WriteBlock appends data (with the type's per-object header) to the
// current last file for t, rolling to a new file if it would overflow,
// and commits the block/file/last-file index records through
// blockdb.CommitWrite (two index writes, not atomic with each other).
func (s *Store) WriteBlock(ctx context.Context, t blockdb.Type, hash, data []byte) error {
	log.Tracef("WriteBlock %v %x", t, hash)
	defer log.Tracef("WriteBlock exit %v %x", t, hash)

	if err := s.beginWrite(t); err != nil {
		return err
	}
	defer s.endWrite(t)

	has, err := s.db.HasBlock(ctx, t, hash)
	if err != nil {
		return fmt.Errorf("has block: %w", err)
	}
	if has {
		return ErrAlreadyExists
	}

	mhdr := mhdrFor(t)
	total := uint32(len(data) + mhdr)
	if total > s.cfg.MaxFileLength {
		return ErrTooLarge
	}

	s.mtx.Lock()
	fileNo, haveFile := s.lastFile[t]
	rec := s.lastRecord[t]
	s.mtx.Unlock()

	if !haveFile {
		fileNo, rec, err = s.loadOrCreateFile(ctx, t, 0)
		if err != nil {
			return err
		}
	}

	if rec.Used+total > s.cfg.MaxFileLength {
		fileNo++
		if fileNo > maxFileNumber {
			return fmt.Errorf("file number space exhausted for %v", t)
		}
		rec = blockdb.FileRecord{Length: s.cfg.MaxFileLength}
		if err := s.createFile(t, fileNo); err != nil {
			return err
		}
	}

	path, err := fileName(s.cfg.Home, t, fileNo)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	defer f.Close()

	pos := rec.Used
	if _, err := f.Seek(int64(pos), 0); err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	hdr := make([]byte, mhdr)
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))
	if t == blockdb.TypeUndo {
		copy(hdr[8:8+chainhash.HashSize], hash)
	}
	if _, err := f.Write(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	br := blockdb.BlockRecord{
		FileNumber: fileNo,
		Position:   pos + uint32(mhdr),
		Length:     uint32(len(data)),
	}
	rec.Blocks++
	rec.Used += total

	if err := s.db.CommitWrite(ctx, t, hash, br, rec, fileNo); err != nil {
		return fmt.Errorf("commit write: %w", err)
	}

	s.mtx.Lock()
	s.lastFile[t] = fileNo
	s.lastRecord[t] = rec
	s.mtx.Unlock()

	return nil
}

func (s *Store) loadOrCreateFile(ctx context.Context, t blockdb.Type, fileNo uint32) (uint32, blockdb.FileRecord, error) {
	last, ok, err := s.db.LastFile(ctx, t)
	if err != nil {
		return 0, blockdb.FileRecord{}, err
	}
	if ok {
		fr, err := s.db.FileRecord(ctx, t, last)
		if err != nil {
			return 0, blockdb.FileRecord{}, err
		}
		return last, *fr, nil
	}
	if err := s.createFile(t, fileNo); err != nil {
		return 0, blockdb.FileRecord{}, err
	}
	return fileNo, blockdb.FileRecord{Length: s.cfg.MaxFileLength}, nil
}

func (s *Store) createFile(t blockdb.Type, fileNo uint32) error {
	path, err := fileName(s.cfg.Home, t, fileNo)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("create data file: %w", err)
	}
	return f.Close()
}

// ReadBlock reads length bytes at offset from the object's payload, or
// the whole payload when offset == 0 && length == 0.
func (s *Store) ReadBlock(ctx context.Context, t blockdb.Type, hash []byte, offset, length uint32) ([]byte, error) {
	log.Tracef("ReadBlock %v %x", t, hash)
	defer log.Tracef("ReadBlock exit %v %x", t, hash)

	br, err := s.db.BlockRecord(ctx, t, hash)
	if err != nil {
		return nil, err
	}

	if length == 0 && offset == 0 {
		length = br.Length
	} else if uint64(offset)+uint64(length) > uint64(br.Length) {
		return nil, ErrOutOfBounds
	}

	path, err := fileName(s.cfg.Home, t, br.FileNumber)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, length)
	_, err = f.ReadAt(buf, int64(br.Position+offset))
	if err != nil {
		return nil, fmt.Errorf("read data file: %w", err)
	}
	return buf, nil
}

// PruneBlock decrements the owning file's live-block count, deleting and
// unlinking the whole file when it reaches zero.
// Returns false if hash was not indexed.
func (s *Store) PruneBlock(ctx context.Context, t blockdb.Type, hash []byte) (bool, error) {
	log.Tracef("PruneBlock %v %x", t, hash)
	defer log.Tracef("PruneBlock exit %v %x", t, hash)

	has, err := s.db.HasBlock(ctx, t, hash)
	if err != nil {
		return false, err
	}
	if !has {
		return false, nil
	}

	emptied, fileNo, err := s.db.CommitPrune(ctx, t, hash)
	if err != nil {
		return false, fmt.Errorf("commit prune: %w", err)
	}

	if emptied {
		path, err := fileName(s.cfg.Home, t, fileNo)
		if err != nil {
			return true, err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return true, fmt.Errorf("unlink data file: %w", err)
		}

		s.mtx.Lock()
		if s.lastFile[t] == fileNo {
			s.lastRecord[t] = blockdb.FileRecord{}
			delete(s.lastFile, t)
		}
		s.mtx.Unlock()
	}

	return true, nil
}

// recoverHash extracts the object hash from a BLOCK/MERKLE payload by
// hashing the 80-byte header at the front (double-SHA256, matching
// chainhash.DoubleHashB).
func recoverHash(t blockdb.Type, payload []byte, explicitHash []byte) ([]byte, error) {
	if t == blockdb.TypeUndo {
		if len(explicitHash) != chainhash.HashSize {
			return nil, fmt.Errorf("invalid explicit hash length: %v", len(explicitHash))
		}
		return explicitHash, nil
	}
	if len(payload) < 80 {
		return nil, fmt.Errorf("payload too short for header: %v", len(payload))
	}
	h := chainhash.DoubleHashB(payload[:80])
	return h, nil
}

var _ database.Database = (*dbAdapter)(nil)

// dbAdapter lets *Store satisfy database.Database without exposing the
// index internals on the exported surface.
type dbAdapter struct{ s *Store }

func (d *dbAdapter) Close() error { return d.s.Close() }
