// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package nodestate implements the client side of the node-query channel.
// Queries from any number of goroutines are pipelined over one connection and
// matched to their responses by correlation id.
package nodestate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/cache/metercacher"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"

	log "github.com/inconshreveable/log15"

	"github.com/Zilliqa/evm-ds/evmds"
	"github.com/Zilliqa/evm-ds/wire"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultCodeCacheSize = 4096

	outboundQueueSize = 1024
)

var errClientClosed = errors.New("node client closed")

// Config tunes a Client.
type Config struct {
	// Timeout bounds every single query, from submission to response.
	Timeout time.Duration
	// CodeCacheSize is the number of contract codes kept by code hash.
	CodeCacheSize int
	MaxFrameSize  uint32
}

// DefaultConfig returns the configuration used when no flags override it.
func DefaultConfig() Config {
	return Config{
		Timeout:       DefaultTimeout,
		CodeCacheSize: DefaultCodeCacheSize,
		MaxFrameSize:  wire.DefaultMaxFrameSize,
	}
}

// Dialer opens a connection to the node.
type Dialer func(ctx context.Context) (net.Conn, error)

// UnixDialer dials the node's Unix socket at path.
func UnixDialer(path string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
}

// Call is one query in flight. Done is closed once Response or Err is set.
type Call struct {
	Query    wire.Query
	Response *wire.QueryResponse
	Err      error
	Done     chan struct{}

	client   *Client
	sess     *session
	start    time.Time
	deadline time.Time
	once     sync.Once
}

// Client is the process-wide node-query client. It is safe for concurrent
// use; no lock is held while a query is outstanding.
type Client struct {
	cfg     Config
	dial    Dialer
	log     log.Logger
	metrics *metrics
	codes   cache.Cacher

	nextID atomic.Uint64

	mu      sync.Mutex // guards sess, dialing and closed
	sess    *session
	dialing *dialAttempt
	closed  bool
}

// dialAttempt is a redial in flight. Callers arriving while it runs wait on
// done instead of dialing themselves.
type dialAttempt struct {
	done chan struct{}
	sess *session
	err  error
}

// New dials the node once so an unreachable node is reported at startup, and
// returns a client that transparently redials after the session breaks.
func New(ctx context.Context, dial Dialer, cfg Config, registerer prometheus.Registerer) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CodeCacheSize <= 0 {
		cfg.CodeCacheSize = DefaultCodeCacheSize
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	m, err := newMetrics("node_query", registerer)
	if err != nil {
		return nil, err
	}
	codes, err := metercacher.New(
		"code_cache",
		registerer,
		&cache.LRU{Size: cfg.CodeCacheSize},
	)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		dial:    dial,
		log:     log.New("module", "nodestate"),
		metrics: m,
		codes:   codes,
	}
	if _, err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Go starts q and returns without waiting for the node. The client assigns
// the correlation id. Code queries whose Key holds a code hash already seen
// complete immediately from the code cache.
func (c *Client) Go(q wire.Query) *Call {
	q.ID = c.nextID.Add(1)
	now := time.Now()
	call := &Call{
		Query:    q,
		Done:     make(chan struct{}),
		client:   c,
		start:    now,
		deadline: now.Add(c.cfg.Timeout),
	}
	c.metrics.queries.WithLabelValues(q.Kind.String()).Inc()

	if q.Kind == wire.QueryCode && q.Key != (common.Hash{}) {
		if code, ok := c.codes.Get(q.Key); ok {
			c.metrics.codeHits.Inc()
			call.finish(&wire.QueryResponse{ID: q.ID, Status: wire.StatusFound, CodeHash: q.Key, Code: code.([]byte)}, nil)
			return call
		}
	}

	s, err := c.session()
	if err != nil {
		c.complete(call, nil, err)
		return call
	}
	call.sess = s
	s.send(call)
	return call
}

// Close tears down the current session. Outstanding calls fail with
// ErrRemoteUnavailable and later calls fail immediately.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s != nil {
		s.fail(errClientClosed)
	}
	return nil
}

func (c *Client) session() (*session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	return c.connect(ctx)
}

// connect returns the current session, dialing one if there is none. Only
// one dial runs at a time and no lock is held while it does.
func (c *Client) connect(ctx context.Context) (*session, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", evmds.ErrRemoteUnavailable, errClientClosed)
	case c.sess != nil:
		s := c.sess
		c.mu.Unlock()
		return s, nil
	case c.dialing != nil:
		a := c.dialing
		c.mu.Unlock()
		<-a.done
		return a.sess, a.err
	}
	a := &dialAttempt{done: make(chan struct{})}
	c.dialing = a
	c.mu.Unlock()
	defer close(a.done)

	conn, err := c.dial(ctx)
	if err != nil {
		c.metrics.dialFailures.Inc()
		a.err = fmt.Errorf("%w: dial node: %v", evmds.ErrRemoteUnavailable, err)
	}

	c.mu.Lock()
	c.dialing = nil
	if a.err == nil && c.closed {
		_ = conn.Close()
		a.err = fmt.Errorf("%w: %v", evmds.ErrRemoteUnavailable, errClientClosed)
	}
	if a.err == nil {
		a.sess = newSession(c, conn)
		c.sess = a.sess
	}
	c.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}

	c.log.Debug("connected to node", "remote", conn.RemoteAddr())
	go a.sess.writeLoop()
	go a.sess.readLoop()
	return a.sess, nil
}

// dropSession forgets s so the next query redials.
func (c *Client) dropSession(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
}

func (c *Client) expire(call *Call) {
	if call.sess != nil {
		call.sess.forget(call.Query.ID)
	}
	c.complete(call, nil, fmt.Errorf("%w: %s query %d after %s", evmds.ErrRemoteTimeout, call.Query.Kind, call.Query.ID, c.cfg.Timeout))
}

// complete resolves call, records metrics and fills the code cache.
func (c *Client) complete(call *Call, resp *wire.QueryResponse, err error) {
	if !call.finish(resp, err) {
		return
	}
	c.metrics.latency.Observe(time.Since(call.start).Seconds())
	if err != nil {
		c.metrics.failures.WithLabelValues(evmds.ReasonOf(err).String()).Inc()
		c.log.Debug("node query failed", "id", call.Query.ID, "kind", call.Query.Kind, "err", err)
		return
	}
	if call.Query.Kind == wire.QueryCode && resp.Status == wire.StatusFound && len(resp.Code) != 0 {
		hash := crypto.Keccak256Hash(resp.Code)
		if call.Query.Key == (common.Hash{}) || call.Query.Key == hash {
			c.codes.Put(hash, resp.Code)
		}
	}
}

func (call *Call) finish(resp *wire.QueryResponse, err error) bool {
	done := false
	call.once.Do(func() {
		call.Response, call.Err = resp, err
		close(call.Done)
		done = true
	})
	return done
}

// Wait blocks until call completes, its deadline passes or ctx is done. A
// passed deadline resolves the call with ErrRemoteTimeout; a late response
// for it is dropped.
func (call *Call) Wait(ctx context.Context) (*wire.QueryResponse, error) {
	timer := time.NewTimer(time.Until(call.deadline))
	defer timer.Stop()
	select {
	case <-call.Done:
	case <-timer.C:
		call.client.expire(call)
	case <-ctx.Done():
		if call.sess != nil {
			call.sess.forget(call.Query.ID)
		}
		call.client.complete(call, nil, ctx.Err())
	}
	<-call.Done
	return call.Response, call.Err
}
