// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package executor runs one execution request through the EVM against a
// fresh state cache and folds the result into an outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime/debug"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	log "github.com/inconshreveable/log15"

	"github.com/Zilliqa/evm-ds/bridge"
	"github.com/Zilliqa/evm-ds/evmds"
	"github.com/Zilliqa/evm-ds/state"
	"github.com/Zilliqa/evm-ds/tracer"
)

// Config tunes an Executor.
type Config struct {
	Fork Fork
	// LogSteps logs every instruction of every execution at debug level,
	// whether or not the request asked for a trace.
	LogSteps bool
}

// Executor runs requests. It holds no per-request state and is safe for
// concurrent use; every call to Execute owns its own cache and interpreter.
type Executor struct {
	cfg     Config
	querier bridge.Querier
	log     log.Logger
}

// New returns an executor reading state through querier.
func New(querier bridge.Querier, cfg Config) *Executor {
	return &Executor{
		cfg:     cfg,
		querier: querier,
		log:     log.New("module", "executor"),
	}
}

// Execute runs req on the calling goroutine, which blocks on every state
// miss. Interpreter results, reverts and faults included, are reported in
// the outcome. An error means the request failed and no outcome exists:
// ErrRemoteUnavailable or ErrRemoteTimeout when a state read failed,
// ErrAborted when ctx ended first and ErrInternal when execution panicked.
func (e *Executor) Execute(ctx context.Context, request *evmds.ExecutionRequest) (out *evmds.ExecutionOutcome, err error) {
	req := *request
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	b := bridge.New(ctx, e.querier, req.Block)
	cache := state.New(b)
	if len(req.Code) != 0 {
		cache.OverrideCode(*req.To, req.Code)
	}

	var (
		collector *tracer.Collector
		vmConfig  = vm.Config{NoBaseFee: true}
	)
	switch {
	case req.Tracing:
		traceCfg := tracer.Config{Stack: req.FullTrace, Memory: req.FullTrace}
		if e.cfg.LogSteps {
			traceCfg.Logger = e.log
		}
		collector = tracer.New(traceCfg)
		vmConfig.Tracer = collector
	case e.cfg.LogSteps:
		vmConfig.Tracer = tracer.New(tracer.Config{Logger: e.log, Discard: true})
	}

	chainConfig := e.cfg.Fork.chainConfig(req.Block.ChainID)
	blockCtx := vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     cache.BlockHash,
		Coinbase:    req.Block.Coinbase,
		GasLimit:    req.Block.GasLimit,
		BlockNumber: new(big.Int).SetUint64(req.Block.Number),
		Time:        req.Block.Timestamp,
		Difficulty:  req.Block.Difficulty.ToBig(),
		BaseFee:     req.Block.BaseFee.ToBig(),
	}
	if req.ApparentValue {
		blockCtx.CanTransfer, blockCtx.Transfer = apparentValue()
	}
	if e.cfg.Fork.postMerge() {
		random := common.Hash(req.Block.Difficulty.Bytes32())
		blockCtx.Random = &random
		blockCtx.Difficulty = new(big.Int)
	}
	if e.cfg.Fork >= Cancun {
		blockCtx.BlobBaseFee = big.NewInt(1)
	}
	rules := chainConfig.Rules(blockCtx.BlockNumber, blockCtx.Random != nil, blockCtx.Time)

	gasPrice := req.GasPrice.ToBig()
	msg := &core.Message{
		To:                req.To,
		From:              req.Caller,
		Value:             req.Value.ToBig(),
		GasLimit:          req.GasLimit,
		GasPrice:          gasPrice,
		GasFeeCap:         gasPrice,
		GasTipCap:         gasPrice,
		Data:              req.Data,
		SkipAccountChecks: true,
	}
	evm := vm.NewEVM(blockCtx, core.NewEVMTxContext(msg), cache, chainConfig, vmConfig)
	b.OnFailure(func(error) { evm.Cancel() })

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("execution panicked", "panic", r, "stack", string(debug.Stack()))
			out, err = nil, fmt.Errorf("%w: %v", evmds.ErrInternal, r)
		}
	}()

	out = &evmds.ExecutionOutcome{}
	var vmErr error
	switch {
	case req.Static:
		cache.Prepare(rules, req.Caller, req.Block.Coinbase, req.To, vm.ActivePrecompiles(rules), nil)
		ret, leftOver, callErr := evm.StaticCall(vm.AccountRef(req.Caller), *req.To, req.Data, req.GasLimit)
		out.ReturnData, out.GasUsed, vmErr = ret, req.GasLimit-leftOver, callErr
	case req.ApparentValue:
		cache.Prepare(rules, req.Caller, req.Block.Coinbase, req.To, vm.ActivePrecompiles(rules), nil)
		ret, leftOver, callErr := evm.Call(vm.AccountRef(req.Caller), *req.To, req.Data, req.GasLimit, req.Value)
		out.ReturnData, out.GasUsed, vmErr = ret, req.GasLimit-leftOver, callErr
	default:
		msg.Nonce = cache.GetNonce(req.Caller)
		gp := new(core.GasPool).AddGas(req.GasLimit)
		res, txErr := core.ApplyMessage(evm, msg, gp)
		if err := cache.Err(); err != nil {
			return nil, err
		}
		if txErr != nil {
			e.log.Debug("transaction rejected", "caller", req.Caller, "err", txErr)
			return &evmds.ExecutionOutcome{Status: evmds.StatusFault, Reason: txErr.Error()}, nil
		}
		out.ReturnData, out.GasUsed, vmErr = res.ReturnData, res.UsedGas, res.Err
		if req.To == nil && vmErr == nil {
			addr := crypto.CreateAddress(req.Caller, msg.Nonce)
			out.ContractAddress = &addr
		}
	}
	if err := cache.Err(); err != nil {
		return nil, err
	}

	out.Status, out.Reason = classify(vmErr)
	out.Logs = cache.Logs()
	out.Diff = cache.Diff(rules.IsEIP158)
	if collector != nil {
		out.Trace = collector.Records()
	}
	e.log.Debug("executed",
		"caller", req.Caller,
		"status", out.Status,
		"gasUsed", out.GasUsed,
		"roundTrips", b.RoundTrips(),
		"changes", len(out.Diff),
	)
	return out, nil
}

// apparentValue lets the outermost frame see its value without the caller
// paying it. Nested frames transfer as usual.
func apparentValue() (vm.CanTransferFunc, vm.TransferFunc) {
	outer := true
	canTransfer := func(db vm.StateDB, addr common.Address, amount *uint256.Int) bool {
		return outer || core.CanTransfer(db, addr, amount)
	}
	transfer := func(db vm.StateDB, sender, recipient common.Address, amount *uint256.Int) {
		if outer {
			outer = false
			return
		}
		core.Transfer(db, sender, recipient, amount)
	}
	return canTransfer, transfer
}

func classify(err error) (evmds.Status, string) {
	switch {
	case err == nil:
		return evmds.StatusSuccess, ""
	case errors.Is(err, vm.ErrExecutionReverted):
		return evmds.StatusRevert, ""
	case errors.Is(err, vm.ErrOutOfGas), errors.Is(err, vm.ErrCodeStoreOutOfGas), errors.Is(err, vm.ErrGasUintOverflow):
		return evmds.StatusOutOfGas, err.Error()
	default:
		return evmds.StatusFault, err.Error()
	}
}
