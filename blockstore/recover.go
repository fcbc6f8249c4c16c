// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package blockstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/handshake-org/hsd-sub004/database/blockdb"
)

// recoverType scans every file on disk for t and re-indexes any whose
// file record is missing from the index. Objects
// written partially at end-of-file are dropped: the reader's length
// read fails and that tail is logged and skipped.
func (s *Store) recoverType(ctx context.Context, t blockdb.Type) error {
	log.Tracef("recoverType %v", t)
	defer log.Tracef("recoverType exit %v", t)

	prefix, err := prefixFor(t)
	if err != nil {
		return err
	}

	var maxSeen uint32
	sawAny := false
	for fileNo := uint32(0); fileNo <= maxFileNumber; fileNo++ {
		path, err := fileName(s.cfg.Home, t, fileNo)
		if err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			if fileNo == 0 {
				continue
			}
			break
		}
		sawAny = true
		maxSeen = fileNo

		has, err := s.db.HasFileRecord(ctx, t, fileNo)
		if err != nil {
			return err
		}
		if has {
			continue
		}

		log.Infof("%s: re-indexing %v (no file record, %v bytes)", prefix, path, info.Size())
		fr, entries, err := s.rescanFile(path, t, fileNo)
		if err != nil {
			return fmt.Errorf("rescan %v: %w", path, err)
		}
		if err := s.db.Reindex(ctx, t, fileNo, fr, entries); err != nil {
			return fmt.Errorf("reindex %v: %w", path, err)
		}
	}

	if sawAny {
		fr, err := s.db.FileRecord(ctx, t, maxSeen)
		if err == nil {
			s.mtx.Lock()
			s.lastFile[t] = maxSeen
			s.lastRecord[t] = *fr
			s.mtx.Unlock()
		}
	}

	return nil
}

// rescanFile walks one data file byte by byte, recovering every
// well-formed object. Garbage stretches are skipped one byte at a time
// after a magic mismatch; truncated tails are dropped.
func (s *Store) rescanFile(path string, t blockdb.Type, fileNo uint32) (blockdb.FileRecord, []blockdb.ReindexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return blockdb.FileRecord{}, nil, err
	}

	mhdr := mhdrFor(t)
	var (
		fr      blockdb.FileRecord
		entries []blockdb.ReindexEntry
		pos     int
	)
	fr.Length = s.cfg.MaxFileLength

	for pos+4 <= len(data) {
		if binary.LittleEndian.Uint32(data[pos:pos+4]) != magic {
			pos++
			continue
		}
		if pos+mhdr > len(data) {
			log.Infof("%s: dropping truncated object header at offset %v", path, pos)
			break
		}
		length := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		var explicitHash []byte
		if t == blockdb.TypeUndo {
			explicitHash = data[pos+8 : pos+mhdr]
		}
		payloadStart := pos + mhdr
		payloadEnd := payloadStart + int(length)
		if payloadEnd > len(data) {
			log.Infof("%s: dropping partial object at offset %v (truncated write)", path, pos)
			break
		}

		hash, err := recoverHash(t, data[payloadStart:payloadEnd], explicitHash)
		if err != nil {
			log.Errorf("%s: skipping unreadable object at offset %v: %v", path, pos, err)
			pos++
			continue
		}

		entries = append(entries, blockdb.ReindexEntry{
			Hash: hash,
			BlockRecord: blockdb.BlockRecord{
				FileNumber: fileNo,
				Position:   uint32(payloadStart),
				Length:     length,
			},
		})
		fr.Blocks++
		fr.Used = uint32(payloadEnd)
		pos = payloadEnd
	}

	return fr, entries, nil
}
