// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/Zilliqa/evm-ds/evmds"
	"github.com/Zilliqa/evm-ds/wire"
)

var errIPCClosed = errors.New("ipc connection closed")

// IPC submits execution requests over the server's socket the way the node
// does. Requests from concurrent callers are pipelined on one connection.
type IPC struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *wire.ReplyEnvelope
	err     error
	done    chan struct{}
}

// DialIPC connects to the server socket at path.
func DialIPC(ctx context.Context, path string) (*IPC, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	c := &IPC{
		conn:    conn,
		pending: make(map[uint64]chan *wire.ReplyEnvelope),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Execute sends req and waits for its reply. A failed request returns an
// error wrapping the sentinel of its failure reason.
func (c *IPC) Execute(ctx context.Context, req *evmds.ExecutionRequest) (*evmds.ExecutionOutcome, error) {
	ch := make(chan *wire.ReplyEnvelope, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	r := *req
	r.Normalize()
	c.writeMu.Lock()
	err := wire.Write(c.conn, &wire.RequestEnvelope{ID: id, Request: r})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Status == wire.ReplyFailed {
			return nil, fmt.Errorf("%w: %s", reply.Reason.Err(), reply.Error)
		}
		return reply.Outcome, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Close closes the connection. The server aborts requests still running.
func (c *IPC) Close() error {
	return c.conn.Close()
}

func (c *IPC) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *IPC) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *IPC) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		reply := new(wire.ReplyEnvelope)
		if err := wire.Read(r, wire.DefaultMaxFrameSize, reply); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", errIPCClosed, err)
			c.pending = nil
			c.mu.Unlock()
			close(c.done)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[reply.ID]
		delete(c.pending, reply.ID)
		c.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
}
