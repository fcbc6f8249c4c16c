// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package addrmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/handshake-org/hsd-sub004/database"
	"github.com/handshake-org/hsd-sub004/wire"
)

// diskVersion is bumped whenever the on-disk shape changes in a way
// that requires Load to migrate old data. Version 2 added the
// per-bucket hostname arrays; version 1 carried flat fresh/used entry
// lists and is re-imported through the normal add/promote path.
const diskVersion = 2

type diskAddr struct {
	RawIP       [16]byte `json:"raw_ip"`
	Port        uint16   `json:"port"`
	Services    uint32   `json:"services"`
	Time        uint32   `json:"time"`
	IdentityKey [33]byte `json:"identity_key"`

	Src         net.IP             `json:"src"`
	Attempts    int                `json:"attempts"`
	LastSuccess database.Timestamp `json:"last_success"`
	LastAttempt database.Timestamp `json:"last_attempt"`
	LastSeen    database.Timestamp `json:"last_seen"`
	BannedUntil database.Timestamp `json:"banned_until"`
}

// diskFile is the external JSON contract: the flat per-hostname
// metadata plus the ordered hostname list of every fresh and tried
// bucket, so a reload reproduces bucket membership (and multi-bucket
// fresh RefCounts) exactly rather than re-deriving placement.
type diskFile struct {
	Version int        `json:"version"`
	Network uint32     `json:"network"`
	Key     [32]byte   `json:"key"`
	Addrs   []diskAddr `json:"addrs"`
	Fresh   [][]string `json:"fresh"` // freshBucketCount ordered hostname lists
	Used    [][]string `json:"used"`  // triedBucketCount ordered hostname lists
}

// legacyDiskFile is the version-1 shape, kept only so Load can migrate
// old files by re-importing their entries field by field.
type legacyDiskFile struct {
	Version int        `json:"version"`
	Network uint32     `json:"network"`
	Key     [32]byte   `json:"key"`
	Fresh   []diskAddr `json:"fresh"`
	Used    []diskAddr `json:"used"`
}

// Save serializes the book to path, writing through a temp file so a
// crash mid-write can't corrupt the previous copy.
func (b *Book) Save(path string) error {
	b.mtx.Lock()
	df := diskFile{
		Version: diskVersion,
		Network: b.cfg.Network,
		Key:     b.secret,
		Fresh:   make([][]string, freshBucketCount),
		Used:    make([][]string, triedBucketCount),
	}
	for _, e := range b.entries {
		df.Addrs = append(df.Addrs, diskAddr{
			RawIP:       e.Addr.RawIP,
			Port:        e.Addr.Port,
			Services:    e.Addr.Services,
			Time:        e.Addr.Time,
			IdentityKey: e.Addr.IdentityKey,
			Src:         e.Src,
			Attempts:    e.Attempts,
			LastSuccess: database.NewTimestamp(e.LastSuccess),
			LastAttempt: database.NewTimestamp(e.LastAttempt),
			LastSeen:    database.NewTimestamp(e.Time),
			BannedUntil: database.NewTimestamp(e.bannedUntil),
		})
	}
	for i := range b.fresh {
		df.Fresh[i] = append([]string(nil), b.fresh[i]...)
	}
	for i := range b.tried {
		df.Used[i] = append([]string(nil), b.tried[i]...)
	}
	b.needsFlush = false
	b.mtx.Unlock()

	data, err := json.MarshalIndent(&df, "", "  ")
	if err != nil {
		return fmt.Errorf("addrmgr: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("addrmgr: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("addrmgr: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("addrmgr: rename: %w", err)
	}
	return nil
}

// Load populates an empty Book from path. A missing file is not an
// error; the book simply starts empty. A current-version file restores
// bucket membership exactly as written; a lower-version file is
// migrated by re-importing every entry through the normal add/promote
// path, discarding its recorded positions.
func (b *Book) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("addrmgr: read: %w", err)
	}

	var probe struct {
		Version int    `json:"version"`
		Network uint32 `json:"network"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("addrmgr: unmarshal: %w", err)
	}
	if probe.Network != b.cfg.Network {
		return fmt.Errorf("addrmgr: %v is for network %v, not %v",
			path, probe.Network, b.cfg.Network)
	}

	if probe.Version < diskVersion {
		return b.loadLegacy(data)
	}

	var df diskFile
	if err := json.Unmarshal(data, &df); err != nil {
		return fmt.Errorf("addrmgr: unmarshal: %w", err)
	}
	if len(df.Fresh) != freshBucketCount || len(df.Used) != triedBucketCount {
		return fmt.Errorf("addrmgr: bad bucket counts %v/%v in %v",
			len(df.Fresh), len(df.Used), path)
	}
	return b.loadBuckets(&df)
}

// loadBuckets restores entries and their exact bucket membership from
// a current-version file. RefCount and Used are rebuilt from the
// bucket lists themselves; entries named in no bucket are dropped.
func (b *Book) loadBuckets(df *diskFile) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.secret = df.Key

	for _, da := range df.Addrs {
		key := da.hostname()
		if _, ok := b.entries[key]; ok {
			continue
		}
		e := &Entry{
			Addr:        da.toNetAddress(),
			Src:         da.Src,
			Attempts:    da.Attempts,
			LastSuccess: da.LastSuccess.Time(),
			LastAttempt: da.LastAttempt.Time(),
			bannedUntil: da.BannedUntil.Time(),
		}
		if !da.LastSeen.Time().IsZero() {
			e.Time = da.LastSeen.Time()
		}
		b.entries[key] = e
	}

	for i, slot := range df.Fresh {
		for _, key := range slot {
			if len(b.fresh[i]) >= bucketSize {
				break
			}
			e, ok := b.entries[key]
			if !ok || e.Used || e.RefCount >= maxFreshRefs {
				continue
			}
			b.fresh[i] = append(b.fresh[i], key)
			if e.RefCount == 0 {
				b.totalFresh++
			}
			e.RefCount++
		}
	}

	for i, slot := range df.Used {
		for _, key := range slot {
			if len(b.tried[i]) >= bucketSize {
				break
			}
			e, ok := b.entries[key]
			if !ok || e.Used || e.RefCount > 0 {
				continue
			}
			b.tried[i] = append(b.tried[i], key)
			e.Used = true
			b.totalUsed++
		}
	}

	now := time.Now()
	for key, e := range b.entries {
		if !e.Used && e.RefCount == 0 {
			delete(b.entries, key)
			continue
		}
		if e.isBanned(now) {
			b.totalBanned++
		}
	}
	return nil
}

// loadLegacy migrates a version-1 file: every entry is re-imported
// through Add (and MarkAck for tried ones), so bucket placement is
// re-derived under the current hashing rules.
func (b *Book) loadLegacy(data []byte) error {
	var df legacyDiskFile
	if err := json.Unmarshal(data, &df); err != nil {
		return fmt.Errorf("addrmgr: unmarshal legacy: %w", err)
	}

	b.mtx.Lock()
	if df.Version >= 1 {
		b.secret = df.Key
	}
	b.mtx.Unlock()

	for _, da := range df.Fresh {
		b.Add(da.toNetAddress(), da.Src)
		b.applyMeta(da.hostname(), da)
	}
	for _, da := range df.Used {
		key := da.hostname()
		b.Add(da.toNetAddress(), da.Src)
		b.applyMeta(key, da)
		b.MarkAck(key, da.Services)
	}
	return nil
}

func (da diskAddr) toNetAddress() wire.NetAddress {
	return wire.NetAddress{
		RawIP:       da.RawIP,
		Port:        da.Port,
		Services:    da.Services,
		Time:        da.Time,
		IdentityKey: da.IdentityKey,
	}
}

func (da diskAddr) hostname() string {
	return da.toNetAddress().Hostname()
}

func (b *Book) applyMeta(hostname string, da diskAddr) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	e, ok := b.entries[hostname]
	if !ok {
		return
	}
	e.Attempts = da.Attempts
	e.LastSuccess = da.LastSuccess.Time()
	e.LastAttempt = da.LastAttempt.Time()
	if !da.LastSeen.Time().IsZero() {
		e.Time = da.LastSeen.Time()
	}
	e.bannedUntil = da.BannedUntil.Time()
}

// StartFlusher runs Save against path every interval until ctx is
// canceled, plus a final save on the way out.
func (b *Book) StartFlusher(ctx context.Context, path string, interval time.Duration) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := b.Save(path); err != nil {
				log.Errorf("final addr book save: %v", err)
			}
			return
		case <-t.C:
			if !b.NeedsFlush() {
				continue
			}
			if err := b.Save(path); err != nil {
				log.Errorf("addr book save: %v", err)
			}
		}
	}
}
