// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bridge turns asynchronous node queries into the blocking reads the
// interpreter expects. A Bridge belongs to one execution and is only used
// from that execution's goroutine; waiting on a query parks that goroutine
// and nothing else.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	log "github.com/inconshreveable/log15"

	"github.com/Zilliqa/evm-ds/evmds"
	"github.com/Zilliqa/evm-ds/nodestate"
	"github.com/Zilliqa/evm-ds/wire"
)

var errCodeHashMismatch = errors.New("code does not match code hash")

// Querier starts node queries without waiting for them.
type Querier interface {
	Go(q wire.Query) *nodestate.Call
}

var _ Querier = (*nodestate.Client)(nil)

// Bridge answers the state reads of one execution. The first failed query
// latches: every later read returns the same error without reaching the
// node.
type Bridge struct {
	ctx         context.Context
	querier     Querier
	blockNumber uint64
	blockTime   uint64
	log         log.Logger

	err        error
	onFailure  func(error)
	roundTrips int
}

// New returns a bridge whose queries are answered at block. ctx bounds every
// wait; its cancellation fails the execution with ErrAborted.
func New(ctx context.Context, querier Querier, block evmds.BlockContext) *Bridge {
	return &Bridge{
		ctx:         ctx,
		querier:     querier,
		blockNumber: block.Number,
		blockTime:   block.Timestamp,
		log:         log.New("module", "bridge"),
	}
}

// OnFailure registers f to run once, with the latched error, when the first
// query fails.
func (b *Bridge) OnFailure(f func(error)) { b.onFailure = f }

// Err returns the latched failure, if any.
func (b *Bridge) Err() error { return b.err }

// RoundTrips returns the number of queries that reached the node client.
func (b *Bridge) RoundTrips() int { return b.roundTrips }

// Account fetches addr. A missing account is returned with Exists unset.
func (b *Bridge) Account(addr common.Address) (evmds.Account, error) {
	resp, err := b.roundTrip(wire.Query{Kind: wire.QueryAccount, Address: addr})
	if err != nil {
		return evmds.Account{Address: addr, Balance: new(uint256.Int)}, err
	}
	acc := evmds.Account{Address: addr, Balance: new(uint256.Int)}
	if resp.Status == wire.StatusNotFound {
		return acc, nil
	}
	if resp.Balance != nil {
		acc.Balance.Set(resp.Balance)
	}
	acc.Nonce = resp.Nonce
	acc.CodeHash = resp.CodeHash
	acc.Exists = true
	return acc, nil
}

// Storage fetches one slot. Absent slots read as zero.
func (b *Bridge) Storage(addr common.Address, key common.Hash) (common.Hash, error) {
	resp, err := b.roundTrip(wire.Query{Kind: wire.QueryStorage, Address: addr, Key: key})
	if err != nil || resp.Status == wire.StatusNotFound {
		return common.Hash{}, err
	}
	return resp.Value, nil
}

// Code fetches the code of addr, expected to hash to codeHash.
func (b *Bridge) Code(addr common.Address, codeHash common.Hash) ([]byte, error) {
	resp, err := b.roundTrip(wire.Query{Kind: wire.QueryCode, Address: addr, Key: codeHash})
	if err != nil || resp.Status == wire.StatusNotFound {
		return nil, err
	}
	if resp.CodeHash != (common.Hash{}) && resp.CodeHash != codeHash {
		return nil, b.fail(fmt.Errorf("%w: %s for %s", evmds.ErrRemoteUnavailable, errCodeHashMismatch, addr))
	}
	return resp.Code, nil
}

// BlockHash fetches the hash of block number.
func (b *Bridge) BlockHash(number uint64) (common.Hash, error) {
	resp, err := b.roundTrip(wire.Query{Kind: wire.QueryBlockHash, Number: number})
	if err != nil || resp.Status == wire.StatusNotFound {
		return common.Hash{}, err
	}
	return resp.Value, nil
}

func (b *Bridge) roundTrip(q wire.Query) (*wire.QueryResponse, error) {
	if b.err != nil {
		return nil, b.err
	}
	q.BlockNumber = b.blockNumber
	q.BlockTime = b.blockTime
	b.roundTrips++

	resp, err := b.querier.Go(q).Wait(b.ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", evmds.ErrAborted, err)
		}
		return nil, b.fail(err)
	}
	return resp, nil
}

func (b *Bridge) fail(err error) error {
	if b.err != nil {
		return b.err
	}
	b.err = err
	b.log.Debug("state read failed", "block", b.blockNumber, "err", err)
	if b.onFailure != nil {
		b.onFailure(err)
	}
	return err
}
