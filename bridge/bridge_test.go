// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zilliqa/evm-ds/bridge"
	"github.com/Zilliqa/evm-ds/evmds"
	"github.com/Zilliqa/evm-ds/nodestate/nodestatetest"
)

var (
	contract = common.HexToAddress("0x0000000000000000000000000000000000c0de00")
	broken   = common.HexToAddress("0x00000000000000000000000000000000000bad00")
	block    = evmds.BlockContext{Number: 42, Timestamp: 1000}
)

func TestReads(t *testing.T) {
	assert := assert.New(t)
	node := nodestatetest.New(t)
	code := []byte{0x00}
	node.SetAccount(contract, uint256.NewInt(9), 2, code)
	node.SetStorage(contract, common.HexToHash("0x01"), common.HexToHash("0xff"))
	node.SetBlockHash(41, common.HexToHash("0xabcd"))
	b := bridge.New(context.Background(), node.Client(t, time.Second), block)

	acc, err := b.Account(contract)
	require.NoError(t, err)
	assert.True(acc.Exists)
	assert.Equal(uint256.NewInt(9), acc.Balance)
	assert.Equal(uint64(2), acc.Nonce)
	assert.Equal(crypto.Keccak256Hash(code), acc.CodeHash)

	missing, err := b.Account(broken)
	require.NoError(t, err)
	assert.False(missing.Exists)
	assert.True(missing.Balance.IsZero())

	value, err := b.Storage(contract, common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Equal(common.HexToHash("0xff"), value)
	value, err = b.Storage(contract, common.HexToHash("0x02"))
	require.NoError(t, err)
	assert.Equal(common.Hash{}, value)

	got, err := b.Code(contract, acc.CodeHash)
	require.NoError(t, err)
	assert.Equal(code, got)

	hash, err := b.BlockHash(41)
	require.NoError(t, err)
	assert.Equal(common.HexToHash("0xabcd"), hash)

	assert.Equal(6, b.RoundTrips())
	assert.NoError(b.Err())
}

func TestFirstFailureLatches(t *testing.T) {
	assert := assert.New(t)
	node := nodestatetest.New(t)
	node.SetAccount(contract, uint256.NewInt(1), 0, nil)
	node.Fail(broken, nodestatetest.FaultError)
	b := bridge.New(context.Background(), node.Client(t, time.Second), block)

	var failures []error
	b.OnFailure(func(err error) { failures = append(failures, err) })

	_, err := b.Account(broken)
	assert.ErrorIs(err, evmds.ErrRemoteUnavailable)

	_, again := b.Account(contract)
	assert.Equal(err, again)
	assert.Equal(err, b.Err())
	assert.Len(failures, 1)
	assert.Zero(node.Count(nodestatetest.AccountKey(contract)))
	assert.Equal(1, b.RoundTrips())
}

func TestCodeHashMismatchFails(t *testing.T) {
	node := nodestatetest.New(t)
	node.SetAccount(contract, nil, 1, []byte{0x01})
	b := bridge.New(context.Background(), node.Client(t, time.Second), block)

	_, err := b.Code(contract, crypto.Keccak256Hash([]byte{0x02}))
	assert.ErrorIs(t, err, evmds.ErrRemoteUnavailable)
	assert.Error(t, b.Err())
}

func TestCancellationAborts(t *testing.T) {
	node := nodestatetest.New(t)
	node.Fail(broken, nodestatetest.FaultSilent)
	ctx, cancel := context.WithCancel(context.Background())
	b := bridge.New(ctx, node.Client(t, 5*time.Second), block)

	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := b.Account(broken)
	assert.ErrorIs(t, err, evmds.ErrAborted)
	assert.Equal(t, evmds.ReasonAborted, evmds.ReasonOf(b.Err()))
}

func TestTimeoutIsReported(t *testing.T) {
	node := nodestatetest.New(t)
	node.Fail(broken, nodestatetest.FaultSilent)
	b := bridge.New(context.Background(), node.Client(t, 100*time.Millisecond), block)

	_, err := b.Storage(broken, common.Hash{})
	assert.ErrorIs(t, err, evmds.ErrRemoteTimeout)
}
