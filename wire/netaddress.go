// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/base32"
	"fmt"
	"io"
	"net"
)

// NetAddress is a peer address as carried in addr/version payloads.
type NetAddress struct {
	RawIP       [16]byte
	Port        uint16
	Services    uint32
	Time        uint32
	IdentityKey [33]byte // all-zero means unencrypted
}

// IP returns the net.IP view of RawIP.
func (a NetAddress) IP() net.IP {
	return net.IP(a.RawIP[:])
}

// Encrypted reports whether IdentityKey carries a real brontide key.
func (a NetAddress) Encrypted() bool {
	for _, b := range a.IdentityKey {
		if b != 0 {
			return true
		}
	}
	return false
}

// Hostname renders the canonical "ip:port" form, or
// "base32(key)@ip:port" when the address carries an identity key.
func (a NetAddress) Hostname() string {
	host := net.JoinHostPort(a.IP().String(), fmt.Sprintf("%d", a.Port))
	if !a.Encrypted() {
		return host
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(a.IdentityKey[:])
	return fmt.Sprintf("%s@%s", enc, host)
}

func writeNetAddress(buf *bytes.Buffer, a NetAddress) {
	buf.Write(a.RawIP[:])
	writeU16(buf, a.Port)
	writeU32(buf, a.Services)
	writeU32(buf, a.Time)
	buf.Write(a.IdentityKey[:])
}

func readNetAddress(r *bytes.Reader) (NetAddress, error) {
	var a NetAddress
	if _, err := io.ReadFull(r, a.RawIP[:]); err != nil {
		return a, err
	}
	port, err := readU16(r)
	if err != nil {
		return a, err
	}
	a.Port = port
	if a.Services, err = readU32(r); err != nil {
		return a, err
	}
	if a.Time, err = readU32(r); err != nil {
		return a, err
	}
	if _, err := io.ReadFull(r, a.IdentityKey[:]); err != nil {
		return a, err
	}
	return a, nil
}
