// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package server

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ava-labs/avalanchego/api"
	"github.com/ava-labs/avalanchego/utils/json"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/Zilliqa/evm-ds/evmds"
)

const (
	// ServiceName is the JSON-RPC namespace of the debug API.
	ServiceName = "evm"

	// RunGasLimit is the gas a Run request gets when it names none.
	RunGasLimit = 1_000_000_000
)

var errAmountOverflow = errors.New("amount does not fit in 256 bits")

// Service is the debug JSON-RPC API. It takes the same requests as the IPC
// socket and hands them to the same dispatcher.
type Service struct{ server *Server }

// RunArgs runs code as if it were deployed at Address. ApparentValue is
// visible to the code but is not paid by Caller.
type RunArgs struct {
	Address       common.Address `json:"address"`
	Caller        common.Address `json:"caller"`
	Code          hexutil.Bytes  `json:"code"`
	Data          hexutil.Bytes  `json:"data"`
	ApparentValue *hexutil.Big   `json:"apparent_value"`
	GasLimit      json.Uint64    `json:"gas_limit"`
	GasPrice      *hexutil.Big   `json:"gas_price"`
	Tracing       bool           `json:"tracing"`
}

// BlockArgs is the block an ExecuteArgs request runs in.
type BlockArgs struct {
	Number     json.Uint64    `json:"number"`
	Timestamp  json.Uint64    `json:"timestamp"`
	BaseFee    *hexutil.Big   `json:"baseFee"`
	ChainID    json.Uint64    `json:"chainID"`
	Coinbase   common.Address `json:"coinbase"`
	GasLimit   json.Uint64    `json:"gasLimit"`
	Difficulty *hexutil.Big   `json:"difficulty"`
}

// ExecuteArgs is a full execution request. A nil To creates a contract from
// Data.
type ExecuteArgs struct {
	Caller    common.Address  `json:"caller"`
	To        *common.Address `json:"to"`
	Code      hexutil.Bytes   `json:"code"`
	Data      hexutil.Bytes   `json:"data"`
	Value     *hexutil.Big    `json:"value"`
	GasLimit  json.Uint64     `json:"gasLimit"`
	GasPrice  *hexutil.Big    `json:"gasPrice"`
	Block     BlockArgs       `json:"block"`
	Tracing   bool            `json:"tracing"`
	FullTrace bool            `json:"fullTrace"`
	Static    bool            `json:"static"`
}

// LogReply is one emitted event.
type LogReply struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// StorageReply is one written slot.
type StorageReply struct {
	Key   common.Hash `json:"key"`
	Value common.Hash `json:"value"`
}

// ChangeReply is the net change to one account.
type ChangeReply struct {
	Kind         string         `json:"kind"`
	Address      common.Address `json:"address"`
	Balance      *hexutil.Big   `json:"balance,omitempty"`
	Nonce        json.Uint64    `json:"nonce"`
	Code         hexutil.Bytes  `json:"code,omitempty"`
	ResetStorage bool           `json:"resetStorage"`
	Storage      []StorageReply `json:"storage,omitempty"`
}

// TraceReply is one traced instruction.
type TraceReply struct {
	PC      json.Uint64   `json:"pc"`
	Op      string        `json:"op"`
	Gas     json.Uint64   `json:"gas"`
	GasCost json.Uint64   `json:"gasCost"`
	Depth   json.Uint64   `json:"depth"`
	Stack   []common.Hash `json:"stack,omitempty"`
	Memory  hexutil.Bytes `json:"memory,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// ExecutionReply is a completed execution.
type ExecutionReply struct {
	Status          string          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	ReturnValue     hexutil.Bytes   `json:"returnValue"`
	GasUsed         json.Uint64     `json:"gasUsed"`
	ContractAddress *common.Address `json:"contractAddress,omitempty"`
	Logs            []LogReply      `json:"logs"`
	Apply           []ChangeReply   `json:"apply"`
	Trace           []TraceReply    `json:"trace,omitempty"`
}

// VersionReply is the reply of Version.
type VersionReply struct {
	Version string `json:"version"`
}

// Run executes args.Code at args.Address.
func (s *Service) Run(r *http.Request, args *RunArgs, reply *ExecutionReply) error {
	value, err := amount(args.ApparentValue)
	if err != nil {
		return err
	}
	gasPrice, err := amount(args.GasPrice)
	if err != nil {
		return err
	}
	gasLimit := uint64(args.GasLimit)
	if gasLimit == 0 {
		gasLimit = RunGasLimit
	}
	to := args.Address
	return s.execute(r, &evmds.ExecutionRequest{
		Caller:        args.Caller,
		To:            &to,
		Code:          args.Code,
		Data:          args.Data,
		Value:         value,
		GasLimit:      gasLimit,
		GasPrice:      gasPrice,
		Tracing:       args.Tracing,
		ApparentValue: true,
	}, reply)
}

// Execute runs a full execution request.
func (s *Service) Execute(r *http.Request, args *ExecuteArgs, reply *ExecutionReply) error {
	req, err := args.request()
	if err != nil {
		return err
	}
	return s.execute(r, req, reply)
}

// Version returns the server version.
func (s *Service) Version(_ *http.Request, _ *struct{}, reply *VersionReply) error {
	reply.Version = evmds.Version
	return nil
}

// Die shuts the server down once the reply is sent.
func (s *Service) Die(_ *http.Request, _ *struct{}, reply *api.SuccessResponse) error {
	s.server.log.Info("shutdown requested over rpc")
	reply.Success = true
	go s.server.Stop()
	return nil
}

func (s *Service) execute(r *http.Request, req *evmds.ExecutionRequest, reply *ExecutionReply) error {
	out, err := s.server.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		return fmt.Errorf("%s: %w", evmds.ReasonOf(err), err)
	}
	*reply = newExecutionReply(out)
	return nil
}

func (args *ExecuteArgs) request() (*evmds.ExecutionRequest, error) {
	var (
		errs = make([]error, 0, 4)
		conv = func(b *hexutil.Big) *uint256.Int {
			v, err := amount(b)
			errs = append(errs, err)
			return v
		}
	)
	req := &evmds.ExecutionRequest{
		Caller:   args.Caller,
		To:       args.To,
		Code:     args.Code,
		Data:     args.Data,
		Value:    conv(args.Value),
		GasLimit: uint64(args.GasLimit),
		GasPrice: conv(args.GasPrice),
		Block: evmds.BlockContext{
			Number:     uint64(args.Block.Number),
			Timestamp:  uint64(args.Block.Timestamp),
			BaseFee:    conv(args.Block.BaseFee),
			ChainID:    uint64(args.Block.ChainID),
			Coinbase:   args.Block.Coinbase,
			GasLimit:   uint64(args.Block.GasLimit),
			Difficulty: conv(args.Block.Difficulty),
		},
		Tracing:   args.Tracing,
		FullTrace: args.FullTrace,
		Static:    args.Static,
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return req, nil
}

func amount(b *hexutil.Big) (*uint256.Int, error) {
	if b == nil {
		return new(uint256.Int), nil
	}
	v, overflow := uint256.FromBig((*big.Int)(b))
	if overflow || (*big.Int)(b).Sign() < 0 {
		return nil, fmt.Errorf("%w: %w", evmds.ErrMalformedRequest, errAmountOverflow)
	}
	return v, nil
}

func newExecutionReply(out *evmds.ExecutionOutcome) ExecutionReply {
	reply := ExecutionReply{
		Status:          out.Status.String(),
		Reason:          out.Reason,
		ReturnValue:     out.ReturnData,
		GasUsed:         json.Uint64(out.GasUsed),
		ContractAddress: out.ContractAddress,
		Logs:            make([]LogReply, 0, len(out.Logs)),
		Apply:           make([]ChangeReply, 0, len(out.Diff)),
	}
	for _, l := range out.Logs {
		reply.Logs = append(reply.Logs, LogReply{Address: l.Address, Topics: l.Topics, Data: l.Data})
	}
	for _, c := range out.Diff {
		change := ChangeReply{
			Kind:         c.Kind.String(),
			Address:      c.Address,
			Nonce:        json.Uint64(c.Nonce),
			ResetStorage: c.ResetStorage,
		}
		if c.Balance != nil {
			change.Balance = (*hexutil.Big)(c.Balance.ToBig())
		}
		if c.CodeChanged {
			change.Code = c.Code
		}
		for _, sc := range c.Storage {
			change.Storage = append(change.Storage, StorageReply{Key: sc.Key, Value: sc.Value})
		}
		reply.Apply = append(reply.Apply, change)
	}
	for _, t := range out.Trace {
		reply.Trace = append(reply.Trace, TraceReply{
			PC:      json.Uint64(t.PC),
			Op:      t.Op,
			Gas:     json.Uint64(t.Gas),
			GasCost: json.Uint64(t.GasCost),
			Depth:   json.Uint64(t.Depth),
			Stack:   t.Stack,
			Memory:  t.Memory,
			Error:   t.Error,
		})
	}
	return reply
}
