// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package nodestate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/Zilliqa/evm-ds/evmds"
	"github.com/Zilliqa/evm-ds/wire"
)

// session is one connection to the node. A writer goroutine drains out, a
// reader goroutine matches responses to pending calls. Neither ever waits on
// a caller.
type session struct {
	c    *Client
	conn net.Conn
	out  chan *Call
	done chan struct{}

	mu      sync.Mutex // guards pending and err
	pending map[uint64]*Call
	err     error
	once    sync.Once
}

func newSession(c *Client, conn net.Conn) *session {
	return &session{
		c:       c,
		conn:    conn,
		out:     make(chan *Call, outboundQueueSize),
		done:    make(chan struct{}),
		pending: make(map[uint64]*Call),
	}
}

// send registers call and queues it for the writer.
func (s *session) send(call *Call) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		s.c.complete(call, nil, err)
		return
	}
	s.pending[call.Query.ID] = call
	s.mu.Unlock()

	timer := time.NewTimer(time.Until(call.deadline))
	defer timer.Stop()
	select {
	case s.out <- call:
	case <-s.done:
		// fail resolves everything left in pending.
	case <-timer.C:
		s.c.expire(call)
	}
}

func (s *session) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) take(id uint64) (*Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return call, ok
}

func (s *session) writeLoop() {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case call := <-s.out:
			if err := wire.Write(w, &call.Query); err != nil {
				s.fail(fmt.Errorf("write query: %w", err))
				return
			}
			// Batch whatever is already queued into one flush.
			if len(s.out) == 0 {
				if err := w.Flush(); err != nil {
					s.fail(fmt.Errorf("flush queries: %w", err))
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) readLoop() {
	r := bufio.NewReader(s.conn)
	for {
		payload, err := wire.ReadFrame(r, s.c.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.fail(fmt.Errorf("read response: %w", err))
			return
		}
		resp := new(wire.QueryResponse)
		if err := rlp.DecodeBytes(payload, resp); err != nil {
			s.fail(fmt.Errorf("malformed response: %w", err))
			return
		}
		call, ok := s.take(resp.ID)
		if !ok {
			s.c.log.Debug("dropping response without pending query", "id", resp.ID)
			continue
		}
		if resp.Status == wire.StatusError {
			s.c.complete(call, nil, fmt.Errorf("%w: node: %s", evmds.ErrRemoteUnavailable, resp.Error))
			continue
		}
		s.c.complete(call, resp, nil)
	}
}

// fail breaks the session and resolves every pending call with
// ErrRemoteUnavailable. The client redials on the next query.
func (s *session) fail(cause error) {
	s.once.Do(func() {
		err := fmt.Errorf("%w: %v", evmds.ErrRemoteUnavailable, cause)

		s.mu.Lock()
		s.err = err
		pending := s.pending
		s.pending = make(map[uint64]*Call)
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.Close()
		s.c.dropSession(s)
		if !errors.Is(cause, errClientClosed) {
			s.c.log.Warn("node session failed", "err", cause, "pending", len(pending))
		}
		for _, call := range pending {
			s.c.complete(call, nil, err)
		}
	})
}
