// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	log "github.com/inconshreveable/log15"

	"github.com/Zilliqa/evm-ds/evmds"
	"github.com/Zilliqa/evm-ds/wire"
)

// Dispatcher runs an execution request to its terminal state.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *evmds.ExecutionRequest) (*evmds.ExecutionOutcome, error)
}

// IPC serves framed execution requests on a stream listener. Requests on one
// connection run concurrently and are answered as they finish; the node
// matches replies by ID, so a frame whose ID cannot be read closes the
// connection. A connection that closes aborts its unanswered requests.
type IPC struct {
	dispatcher   Dispatcher
	maxFrameSize uint32
	log          log.Logger

	wg sync.WaitGroup
}

// NewIPC returns an IPC server handing requests to d.
func NewIPC(d Dispatcher, maxFrameSize uint32) *IPC {
	if maxFrameSize == 0 {
		maxFrameSize = wire.DefaultMaxFrameSize
	}
	return &IPC{
		dispatcher:   d,
		maxFrameSize: maxFrameSize,
		log:          log.New("module", "ipc"),
	}
}

// Serve accepts connections until ctx is done or l fails. It returns after
// every connection it accepted has been torn down.
func (s *IPC) Serve(ctx context.Context, l net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-stop:
		}
	}()

	defer s.wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *IPC) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var (
		writeMu sync.Mutex
		pending sync.WaitGroup
	)
	reply := func(env *wire.ReplyEnvelope) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := wire.Write(conn, env); err != nil {
			s.log.Debug("dropping reply", "request", env.ID, "err", err)
		}
	}

	s.log.Debug("connection opened")
	r := bufio.NewReader(conn)
	for {
		payload, err := wire.ReadFrame(r, s.maxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), ctx.Err() != nil:
				s.log.Debug("connection closed")
			default:
				s.log.Warn("closing connection", "err", err)
			}
			break
		}
		env := new(wire.RequestEnvelope)
		if err := rlp.DecodeBytes(payload, env); err != nil {
			id, idErr := wire.EnvelopeID(payload)
			if idErr != nil {
				s.log.Warn("closing connection", "err", fmt.Errorf("undecodable envelope: %w", idErr))
				break
			}
			reply(failure(id, fmt.Errorf("%w: %v", evmds.ErrMalformedRequest, err)))
			continue
		}
		pending.Add(1)
		go func() {
			defer pending.Done()
			out, err := s.dispatcher.Dispatch(ctx, &env.Request)
			if err != nil {
				reply(failure(env.ID, err))
				return
			}
			reply(&wire.ReplyEnvelope{ID: env.ID, Status: wire.ReplyCompleted, Outcome: out})
		}()
	}
	cancel()
	pending.Wait()
}

func failure(id uint64, err error) *wire.ReplyEnvelope {
	return &wire.ReplyEnvelope{
		ID:     id,
		Status: wire.ReplyFailed,
		Reason: evmds.ReasonOf(err),
		Error:  err.Error(),
	}
}
