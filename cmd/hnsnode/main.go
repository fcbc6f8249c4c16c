// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Command hnsnode runs the peer-to-peer networking core as a
// standalone daemon: it fills outbound slots, syncs headers and
// blocks, relays transactions/claims/airdrops, and serves metrics and
// a control-plane websocket API. Consensus and mempool policy are
// supplied by the minimal headless collaborators in chain.go; a real
// deployment wires Pool to its own chain/mempool implementations
// instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/handshake-org/hsd-sub004/addrmgr"
	"github.com/handshake-org/hsd-sub004/api/poolapi"
	"github.com/handshake-org/hsd-sub004/blockstore"
	"github.com/handshake-org/hsd-sub004/pool"
	"github.com/handshake-org/hsd-sub004/service/deucalion"
)

var log = loggo.GetLogger("hnsnode")

type flags struct {
	homeDir          string
	listenAddr       string
	maxOutbound      int
	maxInbound       int
	discoverExternal bool
	brontideOnly     bool
	promListenAddr   string
	apiListenAddr    string
	logLevel         string
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.homeDir, "homedir", defaultHomeDir(), "data directory for the block store and address book")
	flag.StringVar(&f.listenAddr, "listen", ":13038", "P2P listen address")
	flag.IntVar(&f.maxOutbound, "maxoutbound", 8, "maximum outbound peer connections")
	flag.IntVar(&f.maxInbound, "maxinbound", 128, "maximum inbound peer connections")
	flag.BoolVar(&f.discoverExternal, "upnp", false, "attempt UPnP/NAT-PMP external address discovery")
	flag.BoolVar(&f.brontideOnly, "brontide", false, "require brontide-encrypted transport, generating an identity key under homedir if none exists")
	flag.StringVar(&f.promListenAddr, "prometheus", "", "Prometheus metrics listen address (disabled if empty)")
	flag.StringVar(&f.apiListenAddr, "api", "", "poolapi control-plane listen address (disabled if empty)")
	flag.StringVar(&f.logLevel, "loglevel", "INFO", "log level for every package logger")
	flag.Parse()
	return f
}

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hnsnode"
	}
	return filepath.Join(home, ".hnsnode")
}

// loadOrCreateIdentityKey reads a 32-byte raw secp256k1 private key
// from path, generating and persisting a fresh one on first run.
func loadOrCreateIdentityKey(path string) (*btcec.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != 32 {
			return nil, fmt.Errorf("identity key %v: bad length %v", path, len(raw))
		}
		priv, _ := btcec.PrivKeyFromBytes(raw) // (priv, pub); pub is derivable from priv
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := os.WriteFile(path, priv.Serialize(), 0o600); err != nil {
		return nil, fmt.Errorf("persist identity key: %w", err)
	}
	return priv, nil
}

func main() {
	if err := run(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()
	if err := loggo.ConfigureLoggers(f.logLevel); err != nil {
		return fmt.Errorf("hnsnode: configure loggers: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := os.MkdirAll(f.homeDir, 0o700); err != nil {
		return fmt.Errorf("hnsnode: create homedir: %w", err)
	}

	store, err := blockstore.Open(ctx, blockstore.NewDefaultConfig(filepath.Join(f.homeDir, "blocks")))
	if err != nil {
		return fmt.Errorf("hnsnode: open block store: %w", err)
	}
	defer store.Close()

	book, err := addrmgr.New(addrmgr.NewDefaultConfig())
	if err != nil {
		return fmt.Errorf("hnsnode: open address book: %w", err)
	}
	addrPath := filepath.Join(f.homeDir, "peers.json")
	if err := book.Load(addrPath); err != nil {
		log.Debugf("address book: %v (starting empty)", err)
	}

	chain := newHeadlessChain(store)
	mp := newHeadlessMempool()

	cfg := pool.NewDefaultConfig()
	cfg.ListenAddr = f.listenAddr
	cfg.MaxOutbound = f.maxOutbound
	cfg.MaxInbound = f.maxInbound
	cfg.DiscoverExternal = f.discoverExternal
	cfg.CreateServer = func(ctx context.Context, addr string) (net.Listener, error) {
		var lc net.ListenConfig
		return lc.Listen(ctx, "tcp", addr)
	}

	if f.brontideOnly {
		key, err := loadOrCreateIdentityKey(filepath.Join(f.homeDir, "brontide.key"))
		if err != nil {
			return fmt.Errorf("hnsnode: identity key: %w", err)
		}
		cfg.StaticKey = key
		cfg.BrontideOnly = true
		log.Infof("brontide identity: %x", key.PubKey().SerializeCompressed())
	}

	p, err := pool.New(cfg, chain, mp, book, store)
	if err != nil {
		return fmt.Errorf("hnsnode: new pool: %w", err)
	}
	if err := p.Open(ctx); err != nil {
		return fmt.Errorf("hnsnode: open pool: %w", err)
	}

	if err := p.Connect(ctx); err != nil {
		return fmt.Errorf("hnsnode: connect pool: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return p.Wait()
	})

	eg.Go(func() error {
		book.StartFlusher(egCtx, addrPath, 5*time.Minute)
		return nil
	})

	if f.promListenAddr != "" {
		d, err := deucalion.New(&deucalion.Config{ListenAddress: f.promListenAddr})
		if err != nil {
			return fmt.Errorf("hnsnode: new metrics server: %w", err)
		}
		cs := []prometheus.Collector{
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Subsystem: "hnsnode",
				Name:      "peer_count",
				Help:      "Connected peer count.",
			}, func() float64 {
				stats := p.Stats()
				return float64(stats.Outbound + stats.Inbound)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Subsystem: "hnsnode",
				Name:      "sync_height",
				Help:      "Current chain height.",
			}, func() float64 {
				return float64(p.Stats().Height)
			}),
		}
		eg.Go(func() error {
			if err := d.Run(egCtx, cs); err != nil && err != context.Canceled {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if f.apiListenAddr != "" {
		api, err := poolapi.New(&poolapi.Config{ListenAddress: f.apiListenAddr}, p, mp)
		if err != nil {
			return fmt.Errorf("hnsnode: new poolapi server: %w", err)
		}
		eg.Go(func() error {
			if err := api.Run(egCtx); err != nil && err != context.Canceled {
				return fmt.Errorf("poolapi server: %w", err)
			}
			return nil
		})
	}

	err = eg.Wait()
	p.Shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
