// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package peer drives a single connection to a remote node: the
// version/verack handshake, the post-handshake packet taxonomy, and
// the timers and bookkeeping (request map, ban score, inventory
// filters) that keep one connection healthy without knowing anything
// about its siblings.
package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/juju/loggo"
	"golang.org/x/time/rate"

	"github.com/handshake-org/hsd-sub004/transport/brontide"
	"github.com/handshake-org/hsd-sub004/wire"
)

var log = loggo.GetLogger("peer")

// ID uniquely identifies a session within the owning pool's slab, so
// callers never need to hold a direct *Session reference across a
// suspension point.
type ID uint64

// State is the handshake state machine.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateVersionSent
	StateVerAckSent
	StateHandshakeDone
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateVersionSent:
		return "version_sent"
	case StateVerAckSent:
		return "verack_sent"
	case StateHandshakeDone:
		return "handshake_done"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Ban score thresholds.
const (
	BanScoreParseError = 10
	BanScoreInvalid    = 100
	BanScoreThreshold  = 100
)

// Timer intervals.
const (
	PingInterval     = 30 * time.Second
	InvFlushInterval = 5 * time.Second
	StallInterval    = 5 * time.Second
	ConnectTimeout   = 5 * time.Second
	HandshakeTimeout = 5 * time.Second
	IdleTimeout      = 20 * time.Minute

	MaxInvBatch   = 1000
	InvEagerFlush = 500
)

// Config carries everything a Session needs that is shared across all
// peers in the pool.
type Config struct {
	Magic       uint32
	Services    uint32
	UserAgent   string
	Nonce       uint64 // not read by Session, which draws its own per-session nonce (see OurNonce)
	BestHeight  func() int32
	StaticKey   *btcec.PrivateKey // non-nil enables brontide
	MaxProofRPS int
	// HasNonce lets the pool recognize a self-connect against every
	// nonce it has ever sent, not just this one connection's. Optional.
	HasNonce func(nonce uint64) bool
}

func NewDefaultConfig() *Config {
	return &Config{
		UserAgent:   "/hnsnode:0.1.0/",
		MaxProofRPS: 10,
		BestHeight:  func() int32 { return 0 },
	}
}

// EventKind tags the typed events a Session reports to its Sink,
// following the "typed channels instead of string-keyed listeners"
// guidance.
type EventKind int

const (
	EventAddr EventKind = iota
	EventInv
	EventGetData
	EventHeaders
	EventBlock
	EventMerkleBlock
	EventTx
	EventClaim
	EventAirdrop
	EventReject
	EventCmpctBlock
	EventGetBlockTxn
	EventBlockTxn
	EventGetProof
	EventProof
	EventGetAddr
	EventGetBlocks
	EventGetHeaders
	EventMempool
	EventFeeFilter
	EventHandshakeDone
	EventClose
	EventBan
)

// Event is what a Session emits; Pool is the only consumer.
type Event struct {
	Kind    EventKind
	Peer    ID
	Message wire.Message
	Err     error
}

// Sink receives events from a Session. Pool implements this.
type Sink interface {
	HandleEvent(Event)
}

// compactBlockState tracks an in-progress BIP152-style compact block
// reassembly keyed by the block hash that announced it.
type compactBlockState struct {
	header   wire.BlockHeader
	nonce    uint64
	shortIDs [][6]byte
	have     map[uint64][]byte // tx index -> raw tx, filled incrementally
	deadline time.Time
}

// Session drives one peer connection end to end.
type Session struct {
	id        ID
	cfg       *Config
	sink      Sink
	conn      net.Conn
	codec     *wire.Codec
	noise     *brontide.Machine
	remoteKey *btcec.PublicKey // known in advance for an encrypted outbound dial; learned from act3 otherwise
	address   string

	// pendingFrames holds frames decoded but not yet dispatched,
	// bridging the handshake reader and the post-handshake read loop.
	pendingFrames []wire.Frame

	mtx   sync.Mutex // guards state
	state State

	// writeMtx serializes writers: pool handlers and timers may send
	// concurrently, and the brontide cipher state must advance one
	// whole message at a time.
	writeMtx sync.Mutex

	outbound     bool
	ourNonce     uint64
	peerNonce    uint64
	peerServices uint32
	verAckSeen   bool
	versionSeen  bool

	banScore atomic.Int32

	lastSend time.Time
	lastRecv time.Time

	bestHash   chainhash.Hash
	bestHeight int32

	// compactMode is the peer's announced sendcmpct mode: -1 until
	// announced, else 0 (opt-in) or 1 (may announce unsolicited).
	compactMode   int
	preferHeaders bool
	spvFilter     *wire.MsgFilterLoad

	reqMap     *requestMap
	invFilter  *rollingFilter
	addrFilter *rollingFilter

	invQueueMtx sync.Mutex
	invQueue    []wire.InvVect

	compactMtx sync.Mutex
	compact    map[chainhash.Hash]*compactBlockState

	// proofLimiter enforces maxProofRPS on incoming getproof requests.
	proofLimiter *rate.Limiter

	pingMtx         sync.Mutex
	pingOutstanding bool

	bytesSent uint64
	bytesRecv uint64

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewOutbound constructs a Session that will dial address once Connect
// is called. remoteKey is the peer's known brontide identity key (nil
// for an unencrypted address); it is ignored if cfg.StaticKey is nil.
func NewOutbound(id ID, cfg *Config, sink Sink, address string, remoteKey *btcec.PublicKey) (*Session, error) {
	s, err := newSession(id, cfg, sink, address, true)
	if err != nil {
		return nil, err
	}
	s.remoteKey = remoteKey
	return s, nil
}

// NewInbound constructs a Session from an already-accepted connection.
// When cfg.StaticKey is set, the listener is brontide-required and the
// connection is handshaked as a Noise responder before any wire frame
// is parsed.
func NewInbound(id ID, cfg *Config, sink Sink, conn net.Conn) (*Session, error) {
	s, err := newSession(id, cfg, sink, conn.RemoteAddr().String(), false)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.codec = wire.NewCodec(cfg.Magic)
	return s, nil
}

func newSession(id ID, cfg *Config, sink Sink, address string, outbound bool) (*Session, error) {
	var nb [8]byte
	if _, err := rand.Read(nb[:]); err != nil {
		return nil, fmt.Errorf("peer: nonce: %w", err)
	}

	return &Session{
		id:           id,
		cfg:          cfg,
		sink:         sink,
		address:      address,
		outbound:     outbound,
		state:        StateInit,
		ourNonce:     binary.LittleEndian.Uint64(nb[:]),
		reqMap:       newRequestMap(),
		invFilter:    newRollingFilter(50_000, 1e-6),
		addrFilter:   newRollingFilter(5_000, 1e-6),
		compact:      make(map[chainhash.Hash]*compactBlockState),
		compactMode:  -1,
		proofLimiter: rate.NewLimiter(rate.Limit(maxProofRPS(cfg)), maxProofRPS(cfg)),
		closed:       make(chan struct{}),
	}, nil
}

func maxProofRPS(cfg *Config) int {
	if cfg.MaxProofRPS <= 0 {
		return 10
	}
	return cfg.MaxProofRPS
}

func (s *Session) ID() ID { return s.id }

func (s *Session) String() string { return s.address }

func (s *Session) State() State { return s.state }

// OurNonce returns the nonce this session placed in its outgoing
// version message, so a pool-wide HasNonce hook can recognize it.
func (s *Session) OurNonce() uint64 { return s.ourNonce }

// PeerServices returns the service bits the remote side advertised in
// its version message; zero before the handshake completes.
func (s *Session) PeerServices() uint32 { return s.peerServices }

// Connect dials an outbound address, completes the handshake and
// starts the read loop and timers. It blocks until the connection ends.
func (s *Session) Connect(ctx context.Context) error {
	log.Tracef("Connect %v", s.address)
	defer log.Tracef("Connect exit %v", s.address)

	dctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("dial %v: %w", s.address, err)
	}
	s.conn = conn
	s.codec = wire.NewCodec(s.cfg.Magic)

	return s.run(ctx)
}

// Run starts an already-connected (inbound) Session's handshake, read
// loop and timers. It blocks until the connection ends.
func (s *Session) Run(ctx context.Context) error {
	return s.run(ctx)
}

func (s *Session) run(ctx context.Context) error {
	s.mtx.Lock()
	s.state = StateConnecting
	s.mtx.Unlock()

	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	if dl, ok := hctx.Deadline(); ok {
		_ = s.conn.SetDeadline(dl)
	}

	if s.useBrontide() {
		if err := s.brontideHandshake(); err != nil {
			cancel()
			s.teardown(fmt.Errorf("brontide handshake: %w", err))
			return err
		}
	}

	err := s.handshake(hctx)
	cancel()
	_ = s.conn.SetDeadline(time.Time{})
	if err != nil {
		s.teardown(fmt.Errorf("handshake: %w", err))
		return err
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.startTimers(runCtx)
	}()

	err = s.readLoop(runCtx)
	runCancel()
	s.wg.Wait()
	s.teardown(err)
	return err
}

// useBrontide reports whether this session must run the Noise
// handshake before any wire frame is exchanged. An inbound
// session with a configured static key always requires it (the
// listener is brontide-only); an outbound session requires it only
// when the dialed address carried a known identity key.
func (s *Session) useBrontide() bool {
	if s.cfg.StaticKey == nil {
		return false
	}
	return !s.outbound || s.remoteKey != nil
}

// brontideHandshake drives the three fixed-size Noise-XK-style acts
// over the raw connection. It must complete before the
// version/verack exchange begins.
func (s *Session) brontideHandshake() error {
	if s.outbound {
		s.noise = brontide.NewInitiator(s.cfg.StaticKey, s.remoteKey)

		act1, err := s.noise.GenActOne()
		if err != nil {
			return fmt.Errorf("act1: %w", err)
		}
		if _, err := s.conn.Write(act1); err != nil {
			return fmt.Errorf("write act1: %w", err)
		}

		act2 := make([]byte, brontide.Act2Size)
		if _, err := io.ReadFull(s.conn, act2); err != nil {
			return fmt.Errorf("read act2: %w", err)
		}
		if err := s.noise.RecvActTwo(act2); err != nil {
			return fmt.Errorf("act2: %w", err)
		}

		act3, err := s.noise.GenActThree()
		if err != nil {
			return fmt.Errorf("act3: %w", err)
		}
		if _, err := s.conn.Write(act3); err != nil {
			return fmt.Errorf("write act3: %w", err)
		}
		return nil
	}

	s.noise = brontide.NewResponder(s.cfg.StaticKey)

	act1 := make([]byte, brontide.Act1Size)
	if _, err := io.ReadFull(s.conn, act1); err != nil {
		return fmt.Errorf("read act1: %w", err)
	}
	if err := s.noise.RecvActOne(act1); err != nil {
		return fmt.Errorf("act1: %w", err)
	}

	act2, err := s.noise.GenActTwo()
	if err != nil {
		return fmt.Errorf("act2: %w", err)
	}
	if _, err := s.conn.Write(act2); err != nil {
		return fmt.Errorf("write act2: %w", err)
	}

	act3 := make([]byte, brontide.Act3Size)
	if _, err := io.ReadFull(s.conn, act3); err != nil {
		return fmt.Errorf("read act3: %w", err)
	}
	if err := s.noise.RecvActThree(act3); err != nil {
		return fmt.Errorf("act3: %w", err)
	}
	s.remoteKey = s.noise.RemoteKey()
	return nil
}

// handshake drives the version/verack exchange.
func (s *Session) handshake(ctx context.Context) error {
	if s.outbound {
		if err := s.sendVersion(); err != nil {
			return err
		}
		s.mtx.Lock()
		s.state = StateVersionSent
		s.mtx.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := s.readMessageRaw()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *wire.MsgVersion:
			if s.versionSeen {
				return fmt.Errorf("duplicate version")
			}
			if m.Nonce == s.ourNonce || (s.cfg.HasNonce != nil && s.cfg.HasNonce(m.Nonce)) {
				return fmt.Errorf("self connect detected")
			}
			s.versionSeen = true
			s.peerNonce = m.Nonce
			s.peerServices = m.Services
			s.bestHeight = m.StartHeight

			if !s.outbound {
				if err := s.sendVersion(); err != nil {
					return err
				}
			}
			if _, err := s.writeMessage(&wire.MsgVerAck{}); err != nil {
				return err
			}
			s.mtx.Lock()
			s.state = StateVerAckSent
			s.mtx.Unlock()

		case *wire.MsgVerAck:
			s.verAckSeen = true
		}

		if s.versionSeen && s.verAckSeen {
			s.mtx.Lock()
			s.state = StateHandshakeDone
			s.lastSend = time.Now()
			s.lastRecv = time.Now()
			s.mtx.Unlock()
			s.sink.HandleEvent(Event{Kind: EventHandshakeDone, Peer: s.id})
			return nil
		}
	}
}

func (s *Session) sendVersion() error {
	v := &wire.MsgVersion{
		ProtocolVersion: 3,
		Services:        s.cfg.Services,
		Timestamp:       time.Now().Unix(),
		Nonce:           s.ourNonce,
		UserAgent:       s.cfg.UserAgent,
		StartHeight:     s.cfg.BestHeight(),
	}
	_, err := s.writeMessage(v)
	return err
}

// readMessageRaw reads and decodes exactly one message, without taking
// the packet-handling lock; used during the handshake where nothing
// else can be running concurrently yet. Frames that arrive coalesced
// behind the one returned stay queued in pendingFrames for the read
// loop to pick up after the handshake completes.
func (s *Session) readMessageRaw() (wire.Message, error) {
	for {
		for len(s.pendingFrames) > 0 {
			f := s.pendingFrames[0]
			s.pendingFrames = s.pendingFrames[1:]
			msg, err := wire.Decode(f.Cmd, f.Payload)
			if err == wire.ErrUnknownCommand {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("decode %v: %w", f.Cmd, err)
			}
			return msg, nil
		}

		chunk, err := s.readTransportChunk()
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		s.bytesRecv += uint64(len(chunk))
		frames, err := s.codec.Feed(chunk)
		if err != nil {
			return nil, fmt.Errorf("codec: %w", err)
		}
		s.pendingFrames = append(s.pendingFrames, frames...)
	}
}

// drainPendingFrames hands back any frames left over from the
// handshake phase, clearing the queue.
func (s *Session) drainPendingFrames() []wire.Frame {
	frames := s.pendingFrames
	s.pendingFrames = nil
	return frames
}

// readTransportChunk returns the next chunk of plaintext wire bytes,
// decrypting through brontide when the handshake enabled it.
// Each noise application message carries exactly one wire frame, since
// writeMessage seals a complete wire.Encode frame as its payload.
func (s *Session) readTransportChunk() ([]byte, error) {
	if s.noise == nil {
		buf := make([]byte, 16*1024)
		n, err := s.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}

	lenCipher := make([]byte, brontide.LengthPrefixSize+brontide.MacSize)
	if _, err := io.ReadFull(s.conn, lenCipher); err != nil {
		return nil, err
	}
	n, err := s.noise.ReadMessageLength(lenCipher)
	if err != nil {
		return nil, fmt.Errorf("brontide: %w", err)
	}
	bodyCipher := make([]byte, int(n)+brontide.MacSize)
	if _, err := io.ReadFull(s.conn, bodyCipher); err != nil {
		return nil, err
	}
	plain, err := s.noise.ReadMessageBody(bodyCipher)
	if err != nil {
		return nil, fmt.Errorf("brontide: %w", err)
	}
	return plain, nil
}

// writeMessage encodes, frames and writes msg, optionally through the
// brontide transport.
func (s *Session) writeMessage(msg wire.Message) (int, error) {
	payload, err := msg.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode %v: %w", msg.Command(), err)
	}
	frame, err := wire.Encode(s.cfg.Magic, msg.Command(), payload)
	if err != nil {
		return 0, fmt.Errorf("frame %v: %w", msg.Command(), err)
	}

	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()

	var out []byte
	if s.noise != nil {
		out, err = s.noise.WriteMessage(frame)
		if err != nil {
			return 0, err
		}
	} else {
		out = frame
	}

	n, err := s.conn.Write(out)
	if err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	s.bytesSent += uint64(n)
	s.lastSend = time.Now()
	return n, nil
}

// Write sends an application message after the handshake has
// completed, creating a request-map entry first if the command
// expects a correlated reply.
func (s *Session) Write(msg wire.Message) error {
	s.mtx.Lock()
	handshaked := s.state == StateHandshakeDone
	s.mtx.Unlock()
	if !handshaked {
		return fmt.Errorf("peer: not handshaked")
	}
	if expect, timeout, ok := expectedReply(msg.Command()); ok {
		s.reqMap.add(expect, timeout)
	}
	_, err := s.writeMessage(msg)
	return err
}

// expectedReply maps a request command to the response command that
// clears its request-map entry.
func expectedReply(cmd wire.Command) (wire.Command, time.Duration, bool) {
	switch cmd {
	case wire.CmdGetBlocks:
		return wire.CmdInv, 30 * time.Second, true
	case wire.CmdGetHeaders:
		return wire.CmdHeaders, 30 * time.Second, true
	case wire.CmdGetData:
		return wire.CmdBlock, 60 * time.Second, true
	case wire.CmdGetBlockTxn:
		return wire.CmdBlockTxn, 10 * time.Second, true
	case wire.CmdGetProof:
		return wire.CmdProof, 10 * time.Second, true
	case wire.CmdMempool:
		return wire.CmdInv, 30 * time.Second, true
	default:
		return 0, 0, false
	}
}

// QueueInv enqueues an item for the next inv flush, flushing
// immediately at capacity or eagerly on a BLOCK item.
func (s *Session) QueueInv(iv wire.InvVect) {
	if s.invFilter.contains(iv.Hash[:]) {
		return
	}
	s.invFilter.add(iv.Hash[:])

	s.invQueueMtx.Lock()
	s.invQueue = append(s.invQueue, iv)
	flush := len(s.invQueue) >= InvEagerFlush || iv.Type == wire.InvBlock
	s.invQueueMtx.Unlock()

	if flush {
		s.flushInv()
	}
}

func (s *Session) flushInv() {
	s.invQueueMtx.Lock()
	if len(s.invQueue) == 0 {
		s.invQueueMtx.Unlock()
		return
	}
	pending := s.invQueue
	s.invQueue = nil
	s.invQueueMtx.Unlock()

	for len(pending) > 0 {
		n := MaxInvBatch
		if n > len(pending) {
			n = len(pending)
		}
		batch := pending[:n]
		pending = pending[n:]
		if err := s.Write(&wire.MsgInv{Items: batch}); err != nil {
			log.Debugf("flushInv %v: %v", s, err)
			return
		}
	}
}

// readLoop is the main per-peer dispatch pipeline. The next chunk is
// not read from the socket until the current packet's handling has
// returned, so packets from one peer are always processed strictly in
// receive order; pong is short-circuited ahead of dispatch to keep RTT
// measurement accurate.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frames := s.drainPendingFrames()
		if len(frames) == 0 {
			chunk, err := s.readTransportChunk()
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			s.bytesRecv += uint64(len(chunk))

			frames, err = s.codec.Feed(chunk)
			if err != nil {
				s.addBanScore(BanScoreParseError, "frame parse error")
				return fmt.Errorf("codec: %w", err)
			}
		}

		for _, f := range frames {
			s.lastRecv = time.Now()
			msg, err := wire.Decode(f.Cmd, f.Payload)
			if err == wire.ErrUnknownCommand {
				continue
			}
			if err != nil {
				s.addBanScore(BanScoreParseError, "decode error")
				return fmt.Errorf("decode %v: %w", f.Cmd, err)
			}

			if _, ok := msg.(*wire.MsgPong); ok {
				s.reqMap.resolve(wire.CmdPong)
				s.pingMtx.Lock()
				s.pingOutstanding = false
				s.pingMtx.Unlock()
				continue
			}

			s.dispatch(msg)
		}
	}
}

// dispatch routes one decoded message; it runs on the read goroutine
// only, one packet at a time.
func (s *Session) dispatch(msg wire.Message) {
	log.Tracef("dispatch %v: %v", s, msg.Command())

	switch m := msg.(type) {
	case *wire.MsgPing:
		if m.Nonce == 0 {
			// Ping with a zero nonce is ignored without error.
			return
		}
		_, _ = s.writeMessage(&wire.MsgPong{Nonce: m.Nonce})

	case *wire.MsgAddr:
		if len(m.Addrs) > 1000 {
			s.addBanScore(BanScoreInvalid, "oversize addr")
			return
		}
		s.reqMap.resolve(wire.CmdAddr)
		s.sink.HandleEvent(Event{Kind: EventAddr, Peer: s.id, Message: m})

	case *wire.MsgInv:
		s.reqMap.resolve(wire.CmdInv)
		s.sink.HandleEvent(Event{Kind: EventInv, Peer: s.id, Message: m})

	case *wire.MsgGetData:
		s.sink.HandleEvent(Event{Kind: EventGetData, Peer: s.id, Message: m})

	case *wire.MsgHeaders:
		s.reqMap.resolve(wire.CmdHeaders)
		s.sink.HandleEvent(Event{Kind: EventHeaders, Peer: s.id, Message: m})

	case *wire.MsgBlock:
		s.reqMap.resolve(wire.CmdBlock)
		s.sink.HandleEvent(Event{Kind: EventBlock, Peer: s.id, Message: m})

	case *wire.MsgMerkleBlock:
		// A filtered peer may answer our getdata with a merkleblock
		// instead of a full block; either reply satisfies the request.
		s.reqMap.resolve(wire.CmdBlock)
		s.reqMap.resolve(wire.CmdMerkleBlock)
		s.sink.HandleEvent(Event{Kind: EventMerkleBlock, Peer: s.id, Message: m})

	case *wire.MsgTx:
		s.sink.HandleEvent(Event{Kind: EventTx, Peer: s.id, Message: m})

	case *wire.MsgClaim:
		s.sink.HandleEvent(Event{Kind: EventClaim, Peer: s.id, Message: m})

	case *wire.MsgAirdrop:
		s.sink.HandleEvent(Event{Kind: EventAirdrop, Peer: s.id, Message: m})

	case *wire.MsgReject:
		s.sink.HandleEvent(Event{Kind: EventReject, Peer: s.id, Message: m})

	case *wire.MsgCmpctBlock:
		s.handleCmpctBlock(m)

	case *wire.MsgGetBlockTxn:
		s.sink.HandleEvent(Event{Kind: EventGetBlockTxn, Peer: s.id, Message: m})

	case *wire.MsgBlockTxn:
		s.reqMap.resolve(wire.CmdBlockTxn)
		s.handleBlockTxn(m)

	case *wire.MsgGetProof:
		if !s.proofLimiter.Allow() {
			s.addBanScore(BanScoreInvalid, "exceeded name-proof rate limit")
			return
		}
		s.sink.HandleEvent(Event{Kind: EventGetProof, Peer: s.id, Message: m})

	case *wire.MsgProof:
		s.reqMap.resolve(wire.CmdProof)
		s.sink.HandleEvent(Event{Kind: EventProof, Peer: s.id, Message: m})

	case *wire.MsgGetAddr:
		s.sink.HandleEvent(Event{Kind: EventGetAddr, Peer: s.id, Message: m})

	case *wire.MsgGetBlocks:
		s.sink.HandleEvent(Event{Kind: EventGetBlocks, Peer: s.id, Message: m})

	case *wire.MsgGetHeaders:
		s.sink.HandleEvent(Event{Kind: EventGetHeaders, Peer: s.id, Message: m})

	case *wire.MsgMempool:
		s.sink.HandleEvent(Event{Kind: EventMempool, Peer: s.id, Message: m})

	case *wire.MsgFeeFilter:
		s.sink.HandleEvent(Event{Kind: EventFeeFilter, Peer: s.id, Message: m})

	case *wire.MsgSendCmpct:
		if m.Mode <= 1 {
			s.compactMode = int(m.Mode)
		}

	case *wire.MsgSendHeaders:
		s.preferHeaders = true

	case *wire.MsgFilterLoad:
		s.spvFilter = m

	case *wire.MsgFilterAdd:
		// Folding additions into the loaded filter is SPV-serving
		// work this node does not do; keeping the load/clear pair
		// consistent is enough to not misbehave.

	case *wire.MsgFilterClear:
		s.spvFilter = nil

	case *wire.MsgVersion, *wire.MsgVerAck:
		s.addBanScore(BanScoreInvalid, "duplicate handshake message")

	default:
		log.Tracef("unhandled message type %v: %T", s, msg)
	}
}

// addBanScore increments the ban score and, at threshold, emits a ban
// event and tears the connection down.
func (s *Session) addBanScore(points int32, reason string) {
	total := s.banScore.Add(points)
	log.Debugf("addBanScore %v: +%v (%v) total %v", s, points, reason, total)
	if total >= BanScoreThreshold {
		s.sink.HandleEvent(Event{Kind: EventBan, Peer: s.id, Err: fmt.Errorf("%v", reason)})
		s.conn.Close()
	}
}

// AddBanScore lets Pool apply a ban-score penalty for violations it
// detects above the wire layer (e.g. a bad compact-block response).
func (s *Session) AddBanScore(points int32, reason string) {
	s.addBanScore(points, reason)
}

// teardown runs once per Session: closes the socket, clears the
// request map, stops timers implicitly via ctx cancel, and
// emits a close event.
func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.reqMap.rejectAll(fmt.Errorf("peer destroyed: %w", cause))
		close(s.closed)

		log.Infof("peer %v closed (%v/%v): %v", s,
			humanize.Bytes(s.bytesSent), humanize.Bytes(s.bytesRecv), cause)
		s.sink.HandleEvent(Event{Kind: EventClose, Peer: s.id, Err: cause})
	})
}

// Closed reports completion of teardown.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Dump writes a verbose representation of msg for debugging; callers
// gate it behind a verbosity flag.
func Dump(msg wire.Message) string {
	return spew.Sdump(msg)
}
