// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package poolapi is the websocket control-plane surface for a running
// Pool: health, peer count, sync height, and a manual broadcast admin
// command.
package poolapi

import (
	"context"
	"fmt"
	"maps"
	"reflect"

	"github.com/handshake-org/hsd-sub004/api/protocol"
	"github.com/handshake-org/hsd-sub004/database"
)

const (
	APIVersion = 1

	CmdPingRequest  = "poolapi-ping-request"
	CmdPingResponse = "poolapi-ping-response"

	CmdStatusRequest  = "poolapi-status-request"
	CmdStatusResponse = "poolapi-status-response"

	CmdBroadcastRequest  = "poolapi-broadcast-request"
	CmdBroadcastResponse = "poolapi-broadcast-response"
)

var (
	APIVersionRoute = fmt.Sprintf("v%d", APIVersion)
	RouteWebsocket  = fmt.Sprintf("/%s/ws", APIVersionRoute)

	DefaultListen = "localhost:8083"
	DefaultURL    = fmt.Sprintf("ws://%s/%s", DefaultListen, RouteWebsocket)
)

type (
	PingRequest  protocol.PingRequest
	PingResponse protocol.PingResponse
)

// StatusRequest asks for the pool's current peer count and sync
// height; parameterless queries carry an empty request body.
type StatusRequest struct{}

type StatusResponse struct {
	Error        *protocol.Error `json:"error"`
	PeerCount    int             `json:"peer_count"`
	SyncHeight   uint32          `json:"sync_height"`
	HeaderHeight uint32          `json:"header_height"`
	Synced       bool            `json:"synced"`
}

// BroadcastRequest submits a raw item for the pool to announce to its
// peers. Kind is "tx", "claim", or "airdrop"; Raw is hex encoded on
// the wire.
type BroadcastRequest struct {
	Kind string             `json:"kind"`
	Raw  database.ByteArray `json:"raw"`
}

type BroadcastResponse struct {
	Error   *protocol.Error `json:"error"`
	Hash    string          `json:"hash"`
	Acked   int             `json:"acked"`
	Rejects int             `json:"rejects"`
}

var commands = map[protocol.Command]reflect.Type{
	CmdPingRequest:       reflect.TypeOf(PingRequest{}),
	CmdPingResponse:      reflect.TypeOf(PingResponse{}),
	CmdStatusRequest:     reflect.TypeOf(StatusRequest{}),
	CmdStatusResponse:    reflect.TypeOf(StatusResponse{}),
	CmdBroadcastRequest:  reflect.TypeOf(BroadcastRequest{}),
	CmdBroadcastResponse: reflect.TypeOf(BroadcastResponse{}),
}

type poolAPI struct{}

func (a *poolAPI) Commands() map[protocol.Command]reflect.Type {
	return commands
}

func APICommands() map[protocol.Command]reflect.Type {
	return maps.Clone(commands)
}

// Write is the low level primitive of a protocol Write. One should generally
// not use this function and use WriteConn and Call instead.
func Write(ctx context.Context, c protocol.APIConn, id string, payload any) error {
	return protocol.Write(ctx, c, &poolAPI{}, id, payload)
}

// Read is the low level primitive of a protocol Read. One should generally
// not use this function and use ReadConn instead.
func Read(ctx context.Context, c protocol.APIConn) (protocol.Command, string, any, error) {
	return protocol.Read(ctx, c, &poolAPI{})
}

// Call is a blocking call. One should use ReadConn when using Call or else the
// completion will end up in the Read instead of being completed as expected.
func Call(ctx context.Context, c *protocol.Conn, payload any) (protocol.Command, string, any, error) {
	return c.Call(ctx, &poolAPI{}, payload)
}

// WriteConn writes to Conn. It is equivalent to Write but exists for symmetry
// reasons.
func WriteConn(ctx context.Context, c *protocol.Conn, id string, payload any) error {
	return c.Write(ctx, &poolAPI{}, id, payload)
}

// ReadConn reads from Conn and performs callbacks. One should use ReadConn over
// Read when mixing Write, WriteConn and Call.
func ReadConn(ctx context.Context, c *protocol.Conn) (protocol.Command, string, any, error) {
	return c.Read(ctx, &poolAPI{})
}
