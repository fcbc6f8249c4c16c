// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package pool

import (
	"bytes"
	"net"

	"github.com/handshake-org/hsd-sub004/peer"
	"github.com/handshake-org/hsd-sub004/wire"
)

const addrRelayThreshold = 10

// onAddr validates and records every routable address in m, then
// (for small, likely-fresh messages) relays each one to exactly 2
// peers chosen deterministically by siphash so gossip fans out
// without every peer re-broadcasting to everyone.
func (p *Pool) onAddr(id peer.ID, m *wire.MsgAddr) {
	ps, ok := p.session(id)
	if !ok {
		return
	}

	srcHost, _, err := net.SplitHostPort(ps.hostname)
	var src net.IP
	if err == nil {
		src = net.ParseIP(srcHost)
	}

	accepted := make([]wire.NetAddress, 0, len(m.Addrs))
	for _, a := range m.Addrs {
		if !isRoutable(a.IP()) {
			continue
		}
		if p.cfg.RequiredServs != 0 && a.Services&p.cfg.RequiredServs != p.cfg.RequiredServs {
			continue
		}
		if p.book.IsBanned(a.Hostname()) {
			continue
		}
		if isOnion(a.IP()) && !p.cfg.AllowOnion {
			continue
		}
		if p.cfg.BrontideOnly && !a.Encrypted() {
			continue
		}
		p.book.Add(a, src)
		accepted = append(accepted, a)
	}

	if len(m.Addrs) >= addrRelayThreshold {
		return
	}
	for _, a := range accepted {
		var buf bytes.Buffer
		buf.Write(a.RawIP[:])
		targets := p.siphashRelayTargets(buf.Bytes())
		for _, t := range targets {
			if t == id {
				continue
			}
			if tp, ok := p.session(t); ok {
				_ = tp.session.Write(&wire.MsgAddr{Addrs: []wire.NetAddress{a}})
			}
		}
	}
}

func isRoutable(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		return !ip4.IsPrivate()
	}
	return true
}

// onionPrefix is the OnionCat /48 used to tunnel Tor hidden-service
// addresses through the IPv6 address space.
var onionPrefix = net.IP{0xfd, 0x87, 0xd8, 0x7e, 0xeb, 0x43}

func isOnion(ip net.IP) bool {
	ip16 := ip.To16()
	if ip16 == nil || ip.To4() != nil {
		return false
	}
	return bytes.HasPrefix(ip16, onionPrefix)
}
