// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package database contains the shared error taxonomy and small value
// types used by the on-disk stores in this module (blockdb, blockstore,
// addrmgr's persistence) and by api/poolapi.
package database

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Database is the minimal lifecycle every concrete store must satisfy.
type Database interface {
	Close() error
}

// kindError is a comparable error kind. Wrapping with fmt.Errorf("%w")
// preserves Is() against the sentinel below.
type kindError string

func (k kindError) Error() string { return string(k) }

func (k kindError) Is(target error) bool {
	var ke kindError
	if errors.As(target, &ke) {
		return ke == k
	}
	return false
}

var (
	// ErrNotFound is returned when a key lookup fails.
	ErrNotFound = kindError("not found")

	// ErrDuplicate is returned when an insert collides with an existing
	// key.
	ErrDuplicate = kindError("duplicate")

	// ErrZeroRows is returned by bulk inserts when every row already
	// existed; callers usually don't want to log this as an error.
	ErrZeroRows = kindError("zero rows affected")
)

// NotFoundError wraps msg so that errors.Is(err, ErrNotFound) succeeds.
func NotFoundError(msg string) error {
	return &wrappedKind{kind: ErrNotFound, msg: msg}
}

// DuplicateError wraps msg so that errors.Is(err, ErrDuplicate) succeeds.
func DuplicateError(msg string) error {
	return &wrappedKind{kind: ErrDuplicate, msg: msg}
}

// ZeroRowsError wraps msg so that errors.Is(err, ErrZeroRows) succeeds.
func ZeroRowsError(msg string) error {
	return &wrappedKind{kind: ErrZeroRows, msg: msg}
}

type wrappedKind struct {
	kind kindError
	msg  string
}

func (w *wrappedKind) Error() string { return w.msg }
func (w *wrappedKind) Unwrap() error { return w.kind }
func (w *wrappedKind) Is(target error) bool {
	return errors.Is(w.kind, target)
}

// ByteArray is a byte slice that marshals to/from hex in JSON, used
// wherever raw hashes or payloads cross a JSON boundary.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}

func (b ByteArray) String() string {
	return hex.EncodeToString(b)
}

// Timestamp wraps time.Time with second-granularity JSON encoding, used
// wherever records track creation or last-seen times.
type Timestamp struct {
	t time.Time
}

// NewTimestamp truncates t to second granularity.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t.UTC().Truncate(time.Second)}
}

func (t Timestamp) Time() time.Time { return t.t }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.t.Unix())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var sec int64
	if err := json.Unmarshal(data, &sec); err != nil {
		return err
	}
	t.t = time.Unix(sec, 0).UTC()
	return nil
}
