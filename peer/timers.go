// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/handshake-org/hsd-sub004/wire"
)

// startTimers runs the ping, inv-flush and stall timers for the
// lifetime of ctx. It returns once ctx is done or the
// connection is torn down by one of the timers firing a fatal error.
func (s *Session) startTimers(ctx context.Context) {
	ping := time.NewTicker(PingInterval)
	defer ping.Stop()
	invFlush := time.NewTicker(InvFlushInterval)
	defer invFlush.Stop()
	stall := time.NewTicker(StallInterval)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			s.pingMtx.Lock()
			outstanding := s.pingOutstanding
			s.pingMtx.Unlock()
			if outstanding {
				log.Debugf("ping outstanding, skipping %v", s)
				continue
			}
			nonce, err := randomNonce()
			if err != nil {
				continue
			}
			if err := s.Write(&wire.MsgPing{Nonce: nonce}); err != nil {
				log.Debugf("ping %v: %v", s, err)
				continue
			}
			s.pingMtx.Lock()
			s.pingOutstanding = true
			s.pingMtx.Unlock()
			s.reqMap.add(wire.CmdPong, PingInterval)

		case <-invFlush.C:
			s.flushInv()

		case <-stall.C:
			now := time.Now()
			if cmd, ok := s.reqMap.overdue(now); ok {
				s.teardown(fmt.Errorf("stalled awaiting %v", cmd))
				s.conn.Close()
				return
			}
			if now.Sub(s.lastSend) > IdleTimeout || now.Sub(s.lastRecv) > IdleTimeout {
				s.teardown(fmt.Errorf("idle timeout"))
				s.conn.Close()
				return
			}
		}
	}
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
