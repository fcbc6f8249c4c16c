// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package pool coordinates every peer connection: it fills outbound
// slots from the address book, elects a loader peer to drive chain
// sync, routes inventory to the peer that advertised it, reassembles
// compact blocks, and runs the broadcast and name-proof lifecycles.
package pool

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	bwire "github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"github.com/handshake-org/hsd-sub004/addrmgr"
	"github.com/handshake-org/hsd-sub004/blockstore"
	"github.com/handshake-org/hsd-sub004/peer"
	"github.com/handshake-org/hsd-sub004/wire"
)

var log = loggo.GetLogger("pool")

// Checkpoint is a height/hash pair that must appear on any valid main
// chain. It is chaincfg.Checkpoint, the
// same type btcd's own peer-to-peer stack uses for the same purpose,
// rather than a hand-rolled lookalike.
type Checkpoint = chaincfg.Checkpoint

// ParamsToConfig seeds cfg's network magic, checkpoint list, and
// default listen port from a chaincfg.Params, so a caller picking a
// network by name doesn't assemble Net/Checkpoints by hand.
func ParamsToConfig(cfg *Config, params *chaincfg.Params) {
	cfg.Net = params.Net
	cfg.Checkpoints = params.Checkpoints
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = net.JoinHostPort("", params.DefaultPort)
	}
}

// ChainEventKind tags what changed in Chain.
type ChainEventKind int

const (
	ChainConnect ChainEventKind = iota
	ChainReset
	ChainFull
	ChainBadOrphan
)

// ChainEvent is emitted by Chain on the channel returned by Subscribe.
type ChainEvent struct {
	Kind  ChainEventKind
	Hash  chainhash.Hash
	Peer  peer.ID // for BadOrphan, which peer sent it
	Error error
}

// ChainEntry is the minimal header-chain link Chain exposes for
// header-first sync validation.
type ChainEntry struct {
	Hash      chainhash.Hash
	Height    int32
	RawHeader [80]byte
}

// Chain is the out-of-scope consensus collaborator.
type Chain interface {
	Add(ctx context.Context, rawBlock []byte) error
	Has(hash chainhash.Hash) bool
	GetLocator() []chainhash.Hash
	GetEntry(hash chainhash.Hash) (*ChainEntry, bool)
	GetNextHash(hash chainhash.Hash) (chainhash.Hash, bool)
	IsSynced() bool
	Tip() (chainhash.Hash, int32)
	VerifyProof(root, nameHash chainhash.Hash, proof, value []byte) (bool, error)
	SafeRoot() (chainhash.Hash, error)
	Subscribe() <-chan ChainEvent
}

// MempoolEventKind tags what changed in Mempool.
type MempoolEventKind int

const (
	MempoolTX MempoolEventKind = iota
	MempoolClaim
	MempoolAirdrop
	MempoolBadOrphan
)

// MempoolEvent is emitted by Mempool on the channel returned by Subscribe.
type MempoolEvent struct {
	Kind  MempoolEventKind
	Hash  chainhash.Hash
	Peer  peer.ID
	Error error
}

// Mempool is the out-of-scope transaction-pool collaborator.
type Mempool interface {
	AddTX(ctx context.Context, raw []byte) error
	AddClaim(ctx context.Context, raw []byte) error
	AddAirdrop(ctx context.Context, raw []byte) error
	GetTX(hash chainhash.Hash) ([]byte, bool)
	Has(hash chainhash.Hash) bool
	HasReject(hash chainhash.Hash) bool
	// Entries returns every raw transaction currently held, for
	// short-id matching during compact-block reassembly.
	Entries() [][]byte
	Subscribe() <-chan MempoolEvent
}

// Config is Pool's dynamic config object.
type Config struct {
	// Net is the wire network magic, wire.BitcoinNet's own type reused
	// structurally (rather than redeclared as a bare uint32) so a
	// deployment can plug a chaincfg.Params.Net value straight in; see
	// ParamsToConfig.
	Net         bwire.BitcoinNet
	Services    uint32
	UserAgent   string
	MaxOutbound int
	MaxInbound  int
	ListenAddr  string

	Checkpoints []Checkpoint

	BrontideOnly     bool
	AllowOnion       bool
	RequiredServs    uint32
	DiscoverExternal bool

	// StaticKey is this node's brontide identity key. Non-nil enables
	// encrypted transport: inbound connections are handshaked as a
	// Noise responder, and outbound dials to a peer with a known
	// identity key are handshaked as a Noise initiator.
	StaticKey   *btcec.PrivateKey
	MaxProofRPS int

	MaxTXRequest      int
	MaxClaimRequest   int
	MaxAirdropRequest int

	OutboundFillInterval time.Duration
	DiscoveryInterval    time.Duration
	BroadcastTimeout     time.Duration

	CreateSocket func(ctx context.Context, addr string) (net.Conn, error)
	CreateServer func(ctx context.Context, addr string) (net.Listener, error)
	Resolve      func(ctx context.Context, host string) ([]net.IP, error)
	HasNonce     func(nonce uint64) bool
}

func NewDefaultConfig() *Config {
	return &Config{
		UserAgent:            "/hnsnode:0.1.0/",
		MaxOutbound:          8,
		MaxInbound:           128,
		MaxTXRequest:         10_000,
		MaxClaimRequest:      1_000,
		MaxAirdropRequest:    1_000,
		OutboundFillInterval: 3 * time.Second,
		DiscoveryInterval:    2 * time.Minute,
		BroadcastTimeout:     60 * time.Second,
		Resolve: func(ctx context.Context, host string) ([]net.IP, error) {
			var r net.Resolver
			return r.LookupIP(ctx, "ip", host)
		},
	}
}

// peerState is everything Pool tracks about a connected session beyond
// what peer.Session itself owns.
type peerState struct {
	session  *peer.Session
	outbound bool
	hostname string

	bestHash   chainhash.Hash
	bestHeight int32

	pendingBlock   map[chainhash.Hash]time.Time
	pendingTX      map[chainhash.Hash]time.Time
	pendingClaim   map[chainhash.Hash]time.Time
	pendingAirdrop map[chainhash.Hash]time.Time

	proofsServed int
	cancel       context.CancelFunc
}

// Pool coordinates every peer connection.
type Pool struct {
	cfg   *Config
	chain Chain
	mp    Mempool
	book  *addrmgr.Book

	secret [16]byte // for addr-relay peer selection

	mtx       sync.Mutex // serializes all pool-level handlers
	peers     map[peer.ID]*peerState
	nextID    peer.ID
	loaderID  peer.ID
	hasLoader bool

	// Global per-kind request maps; value is
	// the peer currently responsible for the item.
	blockMap   map[chainhash.Hash]peer.ID
	txMap      map[chainhash.Hash]peer.ID
	claimMap   map[chainhash.Hash]peer.ID
	airdropMap map[chainhash.Hash]peer.ID
	nameMap    map[chainhash.Hash]*nameRequest

	compactBlocks map[chainhash.Hash]*compactState

	// Header-sync state.
	headersFirst bool
	headerTip    int // next checkpoint index into cfg.Checkpoints

	bcast *broadcastMap

	hashes hashStripes

	localAddrs *addrmgr.LocalAddrs

	store *blockstore.Store

	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc
}

// New constructs a Pool. Open must be called before Connect.
func New(cfg *Config, chain Chain, mp Mempool, book *addrmgr.Book, store *blockstore.Store) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pool: nil config")
	}
	p := &Pool{
		cfg:            cfg,
		chain:          chain,
		mp:             mp,
		book:           book,
		store:          store,
		peers:          make(map[peer.ID]*peerState),
		blockMap:       make(map[chainhash.Hash]peer.ID),
		txMap:          make(map[chainhash.Hash]peer.ID),
		claimMap:       make(map[chainhash.Hash]peer.ID),
		airdropMap:     make(map[chainhash.Hash]peer.ID),
		nameMap:        make(map[chainhash.Hash]*nameRequest),
		compactBlocks:  make(map[chainhash.Hash]*compactState),
		bcast:          newBroadcastMap(),
		localAddrs:     addrmgr.NewLocalAddrs(true),
	}
	if _, err := rand.Read(p.secret[:]); err != nil {
		return nil, fmt.Errorf("pool: secret: %w", err)
	}
	return p, nil
}

// Open wires subsystem event hooks and resets header-sync state.
func (p *Pool) Open(ctx context.Context) error {
	log.Tracef("Open")
	defer log.Tracef("Open exit")

	p.headersFirst = len(p.cfg.Checkpoints) > 0
	p.headerTip = 0

	go p.watchChain(ctx)
	go p.watchMempool(ctx)
	return nil
}

func (p *Pool) watchChain(ctx context.Context) {
	ch := p.chain.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.handleChainEvent(ev)
		}
	}
}

func (p *Pool) handleChainEvent(ev ChainEvent) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	switch ev.Kind {
	case ChainConnect:
		delete(p.blockMap, ev.Hash)
	case ChainReset:
		p.blockMap = make(map[chainhash.Hash]peer.ID)
	case ChainBadOrphan:
		if ps, ok := p.peers[ev.Peer]; ok {
			p.banPeer(ps, "bad orphan")
		}
	}
}

func (p *Pool) watchMempool(ctx context.Context) {
	ch := p.mp.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.mtx.Lock()
			switch ev.Kind {
			case MempoolTX:
				delete(p.txMap, ev.Hash)
			case MempoolClaim:
				delete(p.claimMap, ev.Hash)
			case MempoolAirdrop:
				delete(p.airdropMap, ev.Hash)
			case MempoolBadOrphan:
				if ps, ok := p.peers[ev.Peer]; ok {
					p.banPeer(ps, "bad orphan")
				}
			}
			p.mtx.Unlock()
		}
	}
}

// Connect starts the listener (if configured), the outbound filler, the
// discovery timer, external-address discovery and the stall sweep. The
// address book is opened and loaded by the caller before Connect.
func (p *Pool) Connect(ctx context.Context) error {
	log.Tracef("Connect")
	defer log.Tracef("Connect exit")

	egCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(egCtx)
	p.eg, p.egCtx, p.cancel = eg, egCtx, cancel

	if p.cfg.DiscoverExternal {
		if ip, err := addrmgr.DiscoverExternalAddress(ctx); err != nil {
			log.Debugf("external address discovery: %v", err)
		} else {
			log.Infof("discovered external address %v", ip)
			p.localAddrs.Add(ip, listenPort(p.cfg.ListenAddr), addrmgr.ScoreUPnP)
			if port := listenPort(p.cfg.ListenAddr); port != 0 {
				if err := addrmgr.MapPort(port); err != nil {
					log.Debugf("port mapping: %v", err)
				}
			}
		}
	}

	if p.cfg.CreateServer != nil && p.cfg.ListenAddr != "" {
		ln, err := p.cfg.CreateServer(ctx, p.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %v: %w", p.cfg.ListenAddr, err)
		}
		eg.Go(func() error { return p.acceptLoop(egCtx, ln) })
	}

	eg.Go(func() error { return p.outboundFillLoop(egCtx) })
	eg.Go(func() error { return p.discoveryLoop(egCtx) })
	eg.Go(func() error { return p.stallSweepLoop(egCtx) })

	return nil
}

// Wait blocks until every Pool-supervised goroutine has exited.
func (p *Pool) Wait() error {
	if p.eg == nil {
		return nil
	}
	return p.eg.Wait()
}

// Shutdown stops the supervised goroutines and resolves every
// outstanding broadcast with false rather than rejecting it.
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.bcast.resolveAll()
}

func (p *Pool) acceptLoop(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("accept: %v", err)
			continue
		}
		p.mtx.Lock()
		inbound := p.countInbound()
		p.mtx.Unlock()
		if inbound >= p.cfg.MaxInbound {
			conn.Close()
			continue
		}
		p.addInbound(ctx, conn)
	}
}

func (p *Pool) countInbound() int {
	n := 0
	for _, ps := range p.peers {
		if !ps.outbound {
			n++
		}
	}
	return n
}

func (p *Pool) countOutbound() int {
	n := 0
	for _, ps := range p.peers {
		if ps.outbound {
			n++
		}
	}
	return n
}

func (p *Pool) peerConfig() *peer.Config {
	return &peer.Config{
		Magic:       uint32(p.cfg.Net),
		Services:    p.cfg.Services,
		UserAgent:   p.cfg.UserAgent,
		StaticKey:   p.cfg.StaticKey,
		MaxProofRPS: p.cfg.MaxProofRPS,
		BestHeight: func() int32 {
			_, h := p.chain.Tip()
			return h
		},
		HasNonce: p.hasNonce,
	}
}

// hasNonce reports whether nonce was placed in some still-connected
// session's outgoing version message, letting a
// peer recognize a self-connect against the whole pool rather than
// just its own dial.
func (p *Pool) hasNonce(nonce uint64) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, ps := range p.peers {
		if ps.session.OurNonce() == nonce {
			return true
		}
	}
	return false
}

func (p *Pool) addInbound(ctx context.Context, conn net.Conn) {
	p.mtx.Lock()
	id := p.nextID
	p.nextID++
	sess, err := peer.NewInbound(id, p.peerConfig(), p, conn)
	if err != nil {
		p.mtx.Unlock()
		conn.Close()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	ps := &peerState{
		session:        sess,
		outbound:       false,
		hostname:       conn.RemoteAddr().String(),
		pendingBlock:   make(map[chainhash.Hash]time.Time),
		pendingTX:      make(map[chainhash.Hash]time.Time),
		pendingClaim:   make(map[chainhash.Hash]time.Time),
		pendingAirdrop: make(map[chainhash.Hash]time.Time),
		cancel:         cancel,
	}
	p.peers[id] = ps
	p.mtx.Unlock()

	go func() {
		_ = sess.Run(pctx)
	}()
}

// outboundFillLoop fills outbound slots from the address book every
// OutboundFillInterval.
func (p *Pool) outboundFillLoop(ctx context.Context) error {
	t := time.NewTicker(p.cfg.OutboundFillInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.fillOutbound(ctx)
		}
	}
}

func (p *Pool) fillOutbound(ctx context.Context) {
	p.mtx.Lock()
	need := p.cfg.MaxOutbound - p.countOutbound()
	p.mtx.Unlock()

	for i := 0; i < need; i++ {
		e, ok := p.pickOutboundCandidate()
		if !ok {
			return
		}
		p.dialOutbound(ctx, e)
	}
}

// pickOutboundCandidate applies the outbound dial filters in order of
// decreasing strictness, falling back to a wider candidate window when
// the strict filters exhaust the pool.
func (p *Pool) pickOutboundCandidate() (*addrmgr.Entry, bool) {
	for attempt := 0; attempt < 100; attempt++ {
		e, ok := p.book.GetHost()
		if !ok {
			return nil, false
		}
		if !p.acceptCandidate(e, attempt) {
			continue
		}
		return e, true
	}
	return nil, false
}

func (p *Pool) acceptCandidate(e *addrmgr.Entry, attempt int) bool {
	host := e.Addr.Hostname()
	p.mtx.Lock()
	connected := false
	for _, ps := range p.peers {
		if ps.hostname == host {
			connected = true
			break
		}
	}
	p.mtx.Unlock()
	if connected {
		return false
	}
	if !isRoutable(e.Addr.IP()) {
		return false
	}
	if p.book.IsBanned(host) {
		return false
	}
	if p.cfg.RequiredServs != 0 && e.Addr.Services&p.cfg.RequiredServs != p.cfg.RequiredServs {
		return false
	}
	if isOnion(e.Addr.IP()) && !p.cfg.AllowOnion {
		return false
	}
	if p.cfg.BrontideOnly && !e.Addr.Encrypted() {
		return false
	}
	if attempt <= 30 && time.Since(e.LastAttempt) < 10*time.Minute && !e.LastAttempt.IsZero() {
		return false
	}
	if port := listenPort(p.cfg.ListenAddr); attempt <= 50 && port != 0 && e.Addr.Port != port {
		return false
	}
	return true
}

func (p *Pool) dialOutbound(ctx context.Context, e *addrmgr.Entry) {
	host := e.Addr.Hostname()
	p.book.Attempt(host)

	p.mtx.Lock()
	id := p.nextID
	p.nextID++
	var remoteKey *btcec.PublicKey
	if e.Addr.Encrypted() {
		if k, err := btcec.ParsePubKey(e.Addr.IdentityKey[:]); err == nil {
			remoteKey = k
		}
	}
	sess, err := peer.NewOutbound(id, p.peerConfig(), p, host, remoteKey)
	if err != nil {
		p.mtx.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	ps := &peerState{
		session:        sess,
		outbound:       true,
		hostname:       host,
		pendingBlock:   make(map[chainhash.Hash]time.Time),
		pendingTX:      make(map[chainhash.Hash]time.Time),
		pendingClaim:   make(map[chainhash.Hash]time.Time),
		pendingAirdrop: make(map[chainhash.Hash]time.Time),
		cancel:         cancel,
	}
	p.peers[id] = ps
	p.mtx.Unlock()

	go func() {
		_ = sess.Connect(pctx)
	}()
}

func (p *Pool) discoveryLoop(ctx context.Context) error {
	t := time.NewTicker(p.cfg.DiscoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.requestAddrs()
		}
	}
}

func (p *Pool) requestAddrs() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, ps := range p.peers {
		if ps.session.State() == peer.StateHandshakeDone {
			_ = ps.session.Write(&wire.MsgGetAddr{})
		}
	}
}

// electLoader promotes the first connected outbound peer to loader if
// none is currently designated.
func (p *Pool) electLoader() {
	if p.hasLoader {
		return
	}
	for id, ps := range p.peers {
		if ps.outbound && ps.session.State() == peer.StateHandshakeDone {
			p.loaderID = id
			p.hasLoader = true
			log.Infof("elected loader peer %v", ps.hostname)
			p.startSync(ps)
			return
		}
	}
}

func (p *Pool) banPeer(ps *peerState, reason string) {
	log.Infof("banning %v: %v", ps.hostname, reason)
	p.book.Ban(ps.hostname)
	ps.cancel()
}

// listenPort extracts the numeric port from a "host:port" listen
// address, returning 0 if it can't be parsed.
func listenPort(addr string) uint16 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0
	}
	return uint16(port)
}

// runContext returns the context supervising Pool's goroutines, or
// Background if Connect hasn't been called yet (e.g. in unit tests
// that drive HandleEvent directly).
func (p *Pool) runContext() context.Context {
	if p.egCtx != nil {
		return p.egCtx
	}
	return context.Background()
}

// Stats is a lightweight snapshot for the control plane and metrics.
type Stats struct {
	Outbound int
	Inbound  int
	Synced   bool
	Height   int32
}

func (p *Pool) Stats() Stats {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	_, height := p.chain.Tip()
	return Stats{
		Outbound: p.countOutbound(),
		Inbound:  p.countInbound(),
		Synced:   p.chain.IsSynced(),
		Height:   height,
	}
}

// siphashRelayTargets picks exactly 2 peer IDs deterministically from
// raw address bytes, used to fan small addr messages out to a stable
// subset of peers instead of everyone.
func (p *Pool) siphashRelayTargets(raw []byte) []peer.ID {
	k0 := binary.LittleEndian.Uint64(p.secret[0:8])
	k1 := binary.LittleEndian.Uint64(p.secret[8:16])
	h := siphash24(k0, k1, raw)

	ids := make([]peer.ID, 0, len(p.peers))
	for id := range p.peers {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	// Deterministic pseudo-shuffle keyed by h so the same addr always
	// relays to the same two peers for the lifetime of the peer set.
	for i := range ids {
		j := int((h >> uint(i%56)) % uint64(len(ids)))
		ids[i], ids[j] = ids[j], ids[i]
	}
	if len(ids) > 2 {
		ids = ids[:2]
	}
	return ids
}
