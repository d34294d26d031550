// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package server exposes the dispatcher on the node's IPC socket and on a
// local debug JSON-RPC endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	cjson "github.com/ava-labs/avalanchego/utils/json"
	log "github.com/inconshreveable/log15"
)

const shutdownTimeout = 5 * time.Second

// Config locates both listeners.
type Config struct {
	SocketPath   string
	HTTPAddr     string
	MaxFrameSize uint32
}

// Server owns the IPC and HTTP listeners.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	gatherer   prometheus.Gatherer
	log        log.Logger

	mu   sync.Mutex
	stop context.CancelFunc
}

// New returns a server for d. gatherer backs the /metrics endpoint.
func New(cfg Config, d Dispatcher, gatherer prometheus.Gatherer) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		gatherer:   gatherer,
		log:        log.New("module", "server"),
	}
}

// Run binds both listeners and serves until ctx is done, Stop is called or a
// listener fails. A stale socket file left by an earlier run is replaced.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ipcListener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	httpListener, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		_ = ipcListener.Close()
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	defer os.Remove(s.cfg.SocketPath)
	return s.Serve(ctx, ipcListener, httpListener)
}

// Serve serves on listeners bound by the caller and closes them on return.
func (s *Server) Serve(ctx context.Context, ipcListener, httpListener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	handler, err := s.Handler()
	if err != nil {
		_ = ipcListener.Close()
		_ = httpListener.Close()
		return err
	}
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("serving",
		"socket", ipcListener.Addr(),
		"http", httpListener.Addr(),
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return NewIPC(s.dispatcher, s.cfg.MaxFrameSize).Serve(ctx, ipcListener)
	})
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	s.log.Info("stopped", "err", err)
	return err
}

// Stop makes a running Serve return.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
}

// Handler returns the debug JSON-RPC API with /metrics mounted beside it.
func (s *Server) Handler() (http.Handler, error) {
	rpcServer := rpc.NewServer()
	codec := cjson.NewCodec()
	rpcServer.RegisterCodec(codec, "application/json")
	rpcServer.RegisterCodec(codec, "application/json;charset=UTF-8")
	if err := rpcServer.RegisterService(&Service{server: s}, ServiceName); err != nil {
		return nil, fmt.Errorf("register %s service: %w", ServiceName, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", rpcServer)
	return mux, nil
}
