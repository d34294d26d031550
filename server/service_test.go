// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package server_test

import (
	"context"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zilliqa/evm-ds/client"
	"github.com/Zilliqa/evm-ds/dispatcher"
	"github.com/Zilliqa/evm-ds/evmds"
	"github.com/Zilliqa/evm-ds/executor"
	"github.com/Zilliqa/evm-ds/nodestate/nodestatetest"
	"github.com/Zilliqa/evm-ds/server"
)

type recordingDispatcher struct {
	got *evmds.ExecutionRequest
	out *evmds.ExecutionOutcome
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req *evmds.ExecutionRequest) (*evmds.ExecutionOutcome, error) {
	d.got = req
	return d.out, d.err
}

func newHTTP(t *testing.T, d server.Dispatcher) (client.Client, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	handler, err := server.New(server.Config{}, d, registry).Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return client.New(ts.URL), registry
}

func TestRunMapsArguments(t *testing.T) {
	assert := assert.New(t)
	target := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	d := &recordingDispatcher{out: &evmds.ExecutionOutcome{
		Status:     evmds.StatusRevert,
		ReturnData: []byte{0x01},
		GasUsed:    21500,
	}}
	cli, _ := newHTTP(t, d)

	reply, err := cli.Run(context.Background(), &server.RunArgs{
		Address:       target,
		Caller:        common.HexToAddress("0x02"),
		Code:          hexutil.Bytes{0x00},
		Data:          hexutil.Bytes{0xab},
		ApparentValue: (*hexutil.Big)(big.NewInt(5)),
		GasLimit:      30000,
		Tracing:       true,
	})
	require.NoError(t, err)
	assert.Equal("revert", reply.Status)
	assert.Equal(hexutil.Bytes{0x01}, reply.ReturnValue)
	assert.Equal(uint64(21500), uint64(reply.GasUsed))

	if assert.NotNil(d.got) {
		assert.Equal(target, *d.got.To)
		assert.Equal([]byte{0x00}, d.got.Code)
		assert.Equal(uint64(5), d.got.Value.Uint64())
		assert.Equal(uint64(30000), d.got.GasLimit)
		assert.True(d.got.Tracing)
		assert.True(d.got.ApparentValue)
	}
}

func TestRunDefaultsGasLimit(t *testing.T) {
	assert := assert.New(t)
	d := &recordingDispatcher{out: &evmds.ExecutionOutcome{}}
	cli, _ := newHTTP(t, d)

	_, err := cli.Run(context.Background(), &server.RunArgs{
		Address:       common.HexToAddress("0xaa"),
		Caller:        common.HexToAddress("0x02"),
		Code:          hexutil.Bytes{0x00},
		ApparentValue: (*hexutil.Big)(big.NewInt(1)),
	})
	require.NoError(t, err)
	if assert.NotNil(d.got) {
		assert.Equal(uint64(server.RunGasLimit), d.got.GasLimit)
		assert.NoError(d.got.Validate())
	}
}

func TestRunApparentValueFromUnfundedCaller(t *testing.T) {
	assert := assert.New(t)
	node := nodestatetest.New(t)
	caller := common.HexToAddress("0x02")
	node.SetAccount(caller, uint256.NewInt(0), 0, nil)

	exec := executor.New(node.Client(t, time.Second), executor.Config{Fork: executor.London})
	d, err := dispatcher.New(exec, dispatcher.Config{Workers: 1}, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(d.Close)
	cli, _ := newHTTP(t, d)

	// CALLVALUE returned as a word
	reply, err := cli.Run(context.Background(), &server.RunArgs{
		Address:       common.HexToAddress("0xaa"),
		Caller:        caller,
		Code:          hexutil.Bytes{0x34, 0x60, 0x00, 0x52, 0x60, 0x20, 0x60, 0x00, 0xf3},
		ApparentValue: (*hexutil.Big)(big.NewInt(5)),
	})
	require.NoError(t, err)
	assert.Equal("success", reply.Status, reply.Reason)
	assert.Equal(common.LeftPadBytes([]byte{5}, 32), []byte(reply.ReturnValue))
	assert.Empty(reply.Apply)
}

func TestDieReportsSuccess(t *testing.T) {
	cli, _ := newHTTP(t, &recordingDispatcher{})
	assert.NoError(t, cli.Die(context.Background()))
}

func TestExecuteReportsChanges(t *testing.T) {
	assert := assert.New(t)
	addr := common.HexToAddress("0x03")
	d := &recordingDispatcher{out: &evmds.ExecutionOutcome{
		Diff: []evmds.AccountChange{{
			Kind:    evmds.ChangeModify,
			Address: addr,
			Nonce:   2,
			Storage: []evmds.StorageChange{{Key: common.HexToHash("0x01"), Value: common.HexToHash("0x02")}},
		}},
		Logs: []evmds.Log{{Address: addr, Topics: []common.Hash{common.HexToHash("0xff")}}},
	}}
	cli, _ := newHTTP(t, d)

	reply, err := cli.Execute(context.Background(), &server.ExecuteArgs{
		Caller:   common.HexToAddress("0x02"),
		GasLimit: 100000,
		Data:     hexutil.Bytes{0x00},
		Block:    server.BlockArgs{Number: 12, ChainID: 7},
	})
	require.NoError(t, err)
	assert.Equal("success", reply.Status)
	if assert.Len(reply.Apply, 1) {
		assert.Equal("modify", reply.Apply[0].Kind)
		assert.Equal(uint64(2), uint64(reply.Apply[0].Nonce))
		assert.Len(reply.Apply[0].Storage, 1)
	}
	assert.Len(reply.Logs, 1)
	assert.Nil(d.got.To)
	assert.Equal(uint64(12), d.got.Block.Number)
	assert.Equal(uint64(7), d.got.Block.ChainID)
}

func TestFailureIsAnRPCError(t *testing.T) {
	d := &recordingDispatcher{err: evmds.ErrRemoteTimeout}
	cli, _ := newHTTP(t, d)

	_, err := cli.Run(context.Background(), &server.RunArgs{GasLimit: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote_timeout")
}

func TestOverflowingAmountIsRejected(t *testing.T) {
	d := &recordingDispatcher{}
	cli, _ := newHTTP(t, d)

	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err := cli.Run(context.Background(), &server.RunArgs{GasLimit: 1, ApparentValue: (*hexutil.Big)(huge)})
	assert.Error(t, err)
	assert.Nil(t, d.got)
}

func TestVersion(t *testing.T) {
	cli, _ := newHTTP(t, &recordingDispatcher{})
	version, err := cli.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, evmds.Version, version)
}
