// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package level provides the shared leveldb-backed storage pool used by
// the on-disk index in this module (the blockstore's index DB, opened
// through blockdb). It carries a schema version number and owns the set
// of named sub-databases ("tables") that make up a store.
package level

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/loggo"
	"github.com/syndtr/goleveldb/leveldb"
)

var log = loggo.GetLogger("level")

// DBName identifies one of the named sub-databases within a Pool.
type DBName string

const (
	// MetadataDB holds the schema version record and arbitrary
	// key/value metadata.
	MetadataDB DBName = "metadata"

	// BlockIndexDB maps (type,hash) -> BlockRecord.
	BlockIndexDB DBName = "blockindex"

	// FileIndexDB maps (type,file_no) -> FileRecord, plus the
	// per-type last-file pointer.
	FileIndexDB DBName = "fileindex"
)

// Pool is the set of open leveldb handles that make up one store.
type Pool map[DBName]*leveldb.DB

// Database is the generic leveldb-backed store concrete databases
// (blockdb) embed.
type Database struct {
	home    string
	version int
	pool    Pool
}

// New opens (creating if necessary) a leveldb pool rooted at home, one
// sub-directory per DBName. version is kept in memory and reported by
// Version; it is not written to disk or compared against any stored
// schema version.
func New(ctx context.Context, home string, version int, names ...DBName) (*Database, error) {
	log.Tracef("New")
	defer log.Tracef("New exit")

	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir home: %w", err)
	}

	pool := make(Pool, len(names))
	for _, name := range names {
		dir := filepath.Join(home, string(name))
		db, err := leveldb.OpenFile(dir, nil)
		if err != nil {
			for _, opened := range pool {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open %v: %w", name, err)
		}
		pool[name] = db
	}

	return &Database{home: home, version: version, pool: pool}, nil
}

// DB returns the underlying pool of leveldb handles.
func (d *Database) DB() Pool {
	return d.pool
}

// Version returns the schema version this Database was opened with.
func (d *Database) Version() int {
	return d.version
}

// Home returns the root directory backing this pool.
func (d *Database) Home() string {
	return d.home
}

// Close closes every sub-database in the pool, returning the first error
// encountered but always attempting to close every handle.
func (d *Database) Close() error {
	log.Tracef("Close")
	defer log.Tracef("Close exit")

	var first error
	for name, db := range d.pool {
		if err := db.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %v: %w", name, err)
		}
	}
	return first
}
