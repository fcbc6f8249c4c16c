// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package deucalion is a minimal Prometheus metrics HTTP server, run
// alongside a service's main loop and fed whatever collectors that
// service wants exposed.
package deucalion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = loggo.GetLogger("deucalion")

// Config configures a Server.
type Config struct {
	ListenAddress string
}

// NewDefaultConfig returns a Config with sane defaults.
func NewDefaultConfig() *Config {
	return &Config{ListenAddress: "localhost:2112"}
}

// Server serves /metrics over HTTP for whatever collectors Run is
// given.
type Server struct {
	cfg *Config
}

// New validates cfg and returns a Server ready to Run.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("deucalion: nil config")
	}
	if cfg.ListenAddress == "" {
		return nil, errors.New("deucalion: listen address required")
	}
	return &Server{cfg: cfg}, nil
}

// Run registers cs against a fresh registry, serves /metrics until ctx
// is canceled, and returns ctx.Err() on a clean shutdown.
func (s *Server) Run(ctx context.Context, cs []prometheus.Collector) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	registry := prometheus.NewRegistry()
	for _, c := range cs {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("deucalion: register collector: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    s.cfg.ListenAddress,
		Handler: mux,
	}

	errC := make(chan error, 1)
	go func() {
		log.Infof("listening on %v", s.cfg.ListenAddress)
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
			return fmt.Errorf("deucalion: %w", err)
		}
		return nil
	}
}
