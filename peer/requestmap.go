// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package peer

import (
	"sync"
	"time"

	"github.com/handshake-org/hsd-sub004/wire"
)

// reqEntry is one outstanding request, keyed by the command expected
// in reply.
type reqEntry struct {
	deadline time.Time
}

// requestMap tracks at most one outstanding request per expected-reply
// command; a 5s stall sweep tears the connection down on the first
// overdue entry.
type requestMap struct {
	mtx     sync.Mutex
	entries map[wire.Command]*reqEntry
}

func newRequestMap() *requestMap {
	return &requestMap{entries: make(map[wire.Command]*reqEntry)}
}

func (m *requestMap) add(expect wire.Command, timeout time.Duration) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.entries[expect] = &reqEntry{deadline: time.Now().Add(timeout)}
}

// resolve clears the entry for cmd, if any, reporting whether one existed.
func (m *requestMap) resolve(cmd wire.Command) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.entries[cmd]; !ok {
		return false
	}
	delete(m.entries, cmd)
	return true
}

// overdue reports the first command whose deadline has passed, if any.
func (m *requestMap) overdue(now time.Time) (wire.Command, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for cmd, e := range m.entries {
		if now.After(e.deadline) {
			return cmd, true
		}
	}
	return 0, false
}

// rejectAll drops every pending entry; called once during teardown.
// There is nothing to "reject" onto since requests here are fire and
// forget from the wire's perspective — Pool observes the loss via the
// peer's close event instead of a per-request future.
func (m *requestMap) rejectAll(_ error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.entries = make(map[wire.Command]*reqEntry)
}
