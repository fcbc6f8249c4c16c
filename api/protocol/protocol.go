// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package protocol is the generic request/response envelope shared by
// every websocket API in this module. A Command names a payload type;
// callers register their command set and Write/Read marshal and
// dispatch against it.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/loggo"
)

var log = loggo.GetLogger("protocol")

// Command names a registered payload type, e.g. "poolapi-ping-request".
type Command string

// Error is the structured error payload carried in a *Response command.
type Error struct {
	Timestamp int64  `json:"timestamp"`
	Trace     string `json:"trace"`
	Message   string `json:"message"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// PingRequest is the minimal liveness probe every API exposes.
type PingRequest struct {
	Timestamp int64 `json:"timestamp"`
}

// PingResponse echoes the original timestamp alongside the server's own.
type PingResponse struct {
	OriginTimestamp int64 `json:"origin_timestamp"`
	Timestamp       int64 `json:"timestamp"`
}

// API is implemented by each command-set package (e.g. poolapi) to
// hand its registered commands to the generic Write/Read/Call helpers.
type API interface {
	Commands() map[Command]reflect.Type
}

// envelope is the wire frame: Id correlates a Call's request/response,
// Command selects the payload type, Payload is the raw command body.
type envelope struct {
	Id      string          `json:"id"`
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// APIConn is the minimal transport Write/Read need; *Conn and any
// test double satisfy it.
type APIConn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// Write marshals payload under its registered command name and writes
// it as one envelope frame.
func Write(ctx context.Context, c APIConn, api API, id string, payload any) error {
	cmd, err := commandFor(api, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("protocol: marshal payload: %w", err)
	}
	return c.WriteJSON(&envelope{Id: id, Command: cmd, Payload: raw})
}

// Read reads one envelope frame and unmarshals its payload into the
// type api has registered for the frame's command.
func Read(ctx context.Context, c APIConn, api API) (Command, string, any, error) {
	var env envelope
	if err := c.ReadJSON(&env); err != nil {
		return "", "", nil, fmt.Errorf("protocol: read: %w", err)
	}
	typ, ok := api.Commands()[env.Command]
	if !ok {
		return "", "", nil, fmt.Errorf("protocol: unknown command %q", env.Command)
	}
	payload := reflect.New(typ)
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload.Interface()); err != nil {
			return "", "", nil, fmt.Errorf("protocol: unmarshal %q: %w", env.Command, err)
		}
	}
	return env.Command, env.Id, payload.Elem().Interface(), nil
}

func commandFor(api API, payload any) (Command, error) {
	typ := reflect.TypeOf(payload)
	for cmd, t := range api.Commands() {
		if t == typ {
			return cmd, nil
		}
	}
	return "", fmt.Errorf("protocol: payload %T not registered", payload)
}

// Conn wraps a *websocket.Conn with the request/response correlation
// Call needs: Read delivers a frame whose id matches a pending Call to
// that Call's waiter, and returns every other frame to the caller.
type Conn struct {
	ws *websocket.Conn

	mtx     sync.Mutex
	waiters map[string]chan callResult
}

type callResult struct {
	cmd     Command
	id      string
	payload any
	err     error
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, waiters: make(map[string]chan callResult)}
}

func (c *Conn) WriteJSON(v any) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *Conn) ReadJSON(v any) error {
	return c.ws.ReadJSON(v)
}

// Write sends payload tagged with id, for symmetry with the low-level
// Write function.
func (c *Conn) Write(ctx context.Context, api API, id string, payload any) error {
	return Write(ctx, c, api, id, payload)
}

// Read reads one frame and, if it correlates to a pending Call,
// delivers it there instead of returning it to the caller.
func (c *Conn) Read(ctx context.Context, api API) (Command, string, any, error) {
	cmd, id, payload, err := Read(ctx, c, api)
	if err != nil {
		return cmd, id, payload, err
	}
	c.mtx.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mtx.Unlock()
	if ok {
		ch <- callResult{cmd: cmd, id: id, payload: payload}
		return cmd, id, payload, ErrDelivered
	}
	return cmd, id, payload, nil
}

// ErrDelivered is returned by (*Conn).Read when the frame it just read
// correlated to a pending Call and was routed there instead; callers
// running a ReadConn loop should skip further handling for this frame.
var ErrDelivered = fmt.Errorf("protocol: delivered to Call waiter")

// Call writes payload and blocks for the matching response, which must
// arrive via a concurrent Read loop calling (*Conn).Read.
func (c *Conn) Call(ctx context.Context, api API, payload any) (Command, string, any, error) {
	id := fmt.Sprintf("%d", time.Now().UnixNano())
	ch := make(chan callResult, 1)
	c.mtx.Lock()
	c.waiters[id] = ch
	c.mtx.Unlock()

	if err := c.Write(ctx, api, id, payload); err != nil {
		c.mtx.Lock()
		delete(c.waiters, id)
		c.mtx.Unlock()
		return "", "", nil, err
	}

	select {
	case <-ctx.Done():
		c.mtx.Lock()
		delete(c.waiters, id)
		c.mtx.Unlock()
		return "", "", nil, ctx.Err()
	case res := <-ch:
		return res.cmd, res.id, res.payload, res.err
	}
}

// Close closes the underlying websocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
