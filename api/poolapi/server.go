// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package poolapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gorilla/websocket"
	"github.com/juju/loggo"

	"github.com/handshake-org/hsd-sub004/api/protocol"
	"github.com/handshake-org/hsd-sub004/pool"
	"github.com/handshake-org/hsd-sub004/wire"
)

var log = loggo.GetLogger("poolapi")

// Config configures a Server.
type Config struct {
	ListenAddress string
}

// Server serves the poolapi websocket route against a running Pool.
type Server struct {
	cfg *Config
	p   *pool.Pool
	mp  pool.Mempool

	upgrader websocket.Upgrader
}

// New returns a Server ready to Run, backed by p for status queries
// and mp for admin broadcast submissions.
func New(cfg *Config, p *pool.Pool, mp pool.Mempool) (*Server, error) {
	if cfg == nil || cfg.ListenAddress == "" {
		return nil, errors.New("poolapi: listen address required")
	}
	return &Server{cfg: cfg, p: p, mp: mp}, nil
}

// Run serves the websocket route until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	mux := http.NewServeMux()
	mux.HandleFunc(RouteWebsocket, s.handleWebsocket)

	httpServer := &http.Server{Addr: s.cfg.ListenAddress, Handler: mux}

	errC := make(chan error, 1)
	go func() {
		log.Infof("listening on %v%v", s.cfg.ListenAddress, RouteWebsocket)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
			return
		}
		errC <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
		<-errC
		return ctx.Err()
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("poolapi: %w", err)
		}
		return nil
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("upgrade: %v", err)
		return
	}
	defer ws.Close()

	conn := protocol.NewConn(ws)
	ctx := r.Context()
	for {
		cmd, id, payload, err := ReadConn(ctx, conn)
		if err != nil {
			if !errors.Is(err, protocol.ErrDelivered) {
				log.Debugf("read: %v", err)
				return
			}
			continue
		}
		if err := s.dispatch(ctx, conn, cmd, id, payload); err != nil {
			log.Debugf("dispatch %v: %v", cmd, err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn *protocol.Conn, cmd protocol.Command, id string, payload any) error {
	switch cmd {
	case CmdPingRequest:
		req := payload.(PingRequest)
		return WriteConn(ctx, conn, id, PingResponse{OriginTimestamp: req.Timestamp, Timestamp: time.Now().Unix()})
	case CmdStatusRequest:
		stats := s.p.Stats()
		return WriteConn(ctx, conn, id, StatusResponse{
			PeerCount:  stats.Outbound + stats.Inbound,
			SyncHeight: uint32(stats.Height),
			Synced:     stats.Synced,
		})
	case CmdBroadcastRequest:
		req := payload.(BroadcastRequest)
		return s.handleBroadcast(ctx, conn, id, req)
	default:
		return fmt.Errorf("poolapi: unexpected command %v", cmd)
	}
}

func (s *Server) handleBroadcast(ctx context.Context, conn *protocol.Conn, id string, req BroadcastRequest) error {
	hash := chainhash.DoubleHashH(req.Raw)

	var kind wire.InvType
	var addErr error
	switch req.Kind {
	case "tx":
		kind = wire.InvTx
		addErr = s.mp.AddTX(ctx, req.Raw)
	case "claim":
		kind = wire.InvClaim
		addErr = s.mp.AddClaim(ctx, req.Raw)
	case "airdrop":
		kind = wire.InvAirdrop
		addErr = s.mp.AddAirdrop(ctx, req.Raw)
	default:
		return WriteConn(ctx, conn, id, BroadcastResponse{
			Error: &protocol.Error{Message: fmt.Sprintf("unknown kind %q", req.Kind), Timestamp: time.Now().Unix()},
		})
	}
	if addErr != nil {
		return WriteConn(ctx, conn, id, BroadcastResponse{
			Error: &protocol.Error{Message: addErr.Error(), Timestamp: time.Now().Unix()},
		})
	}

	res := <-s.p.Broadcast(ctx, kind, hash)
	resp := BroadcastResponse{Hash: hash.String()}
	if res.Err != nil {
		resp.Rejects = 1
	} else if res.Acked {
		resp.Acked = 1
	}
	return WriteConn(ctx, conn, id, resp)
}
