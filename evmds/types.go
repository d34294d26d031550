// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package evmds

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BlockContext is the block environment an execution runs in. It also names
// the state snapshot every node query of the execution is answered from.
type BlockContext struct {
	Number     uint64
	Timestamp  uint64
	BaseFee    *uint256.Int
	ChainID    uint64
	Coinbase   common.Address
	GasLimit   uint64
	Difficulty *uint256.Int
}

// ExecutionRequest is one transaction or read-only call submitted by the
// node. It is never mutated once accepted.
type ExecutionRequest struct {
	Caller common.Address
	// To is nil for contract creation.
	To *common.Address `rlp:"nil"`
	// Code, when set, is executed at To instead of the code the node holds
	// for that address. It is not written to state.
	Code     []byte
	Data     []byte
	Value    *uint256.Int
	GasLimit uint64
	GasPrice *uint256.Int
	Block    BlockContext

	Tracing bool
	// FullTrace adds stack and memory dumps to every trace record. It has no
	// effect unless Tracing is set.
	FullTrace bool
	Static    bool
	// ApparentValue makes Value call context only: the outermost frame sees
	// it but no funds move, and neither nonce nor gas is charged to Caller.
	ApparentValue bool
}

// Normalize replaces nil amounts with zero so the request encodes and
// executes without special cases.
func (r *ExecutionRequest) Normalize() {
	if r.Value == nil {
		r.Value = new(uint256.Int)
	}
	if r.GasPrice == nil {
		r.GasPrice = new(uint256.Int)
	}
	if r.Block.BaseFee == nil {
		r.Block.BaseFee = new(uint256.Int)
	}
	if r.Block.Difficulty == nil {
		r.Block.Difficulty = new(uint256.Int)
	}
	if r.Block.GasLimit == 0 {
		r.Block.GasLimit = r.GasLimit
	}
}

// Validate reports requests that can never execute. The returned error wraps
// ErrMalformedRequest.
func (r *ExecutionRequest) Validate() error {
	switch {
	case r.GasLimit == 0:
		return fmt.Errorf("%w: zero gas limit", ErrMalformedRequest)
	case r.To == nil && r.Static:
		return fmt.Errorf("%w: static call without target", ErrMalformedRequest)
	case r.To == nil && r.ApparentValue:
		return fmt.Errorf("%w: apparent value without target", ErrMalformedRequest)
	case r.To == nil && len(r.Code) != 0:
		return fmt.Errorf("%w: code override without target", ErrMalformedRequest)
	case r.Static && r.Value != nil && !r.Value.IsZero():
		return fmt.Errorf("%w: static call with value", ErrMalformedRequest)
	}
	return nil
}

// Account is the node's view of an account at the request's block. A
// missing account is reported with Exists set to false, not as an error.
type Account struct {
	Address  common.Address
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
	Exists   bool
}

// Status is the interpreter-level result of an execution.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusRevert
	StatusFault
	StatusOutOfGas
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRevert:
		return "revert"
	case StatusFault:
		return "fault"
	case StatusOutOfGas:
		return "out_of_gas"
	default:
		return "unknown"
	}
}

// ChangeKind tells the node how to apply an AccountChange.
type ChangeKind uint8

const (
	ChangeModify ChangeKind = iota
	ChangeDelete
)

func (k ChangeKind) String() string {
	if k == ChangeDelete {
		return "delete"
	}
	return "modify"
}

// StorageChange is one slot upsert.
type StorageChange struct {
	Key   common.Hash
	Value common.Hash
}

// AccountChange is the net effect of one execution on one account. Modify
// entries always carry the full balance and nonce; code only when it changed.
type AccountChange struct {
	Kind         ChangeKind
	Address      common.Address
	Balance      *uint256.Int
	Nonce        uint64
	CodeChanged  bool
	Code         []byte
	ResetStorage bool
	Storage      []StorageChange
}

// Log is an event emitted by the execution.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// TraceRecord describes one dispatched instruction.
type TraceRecord struct {
	PC         uint64
	Op         string
	Gas        uint64
	GasCost    uint64
	Depth      uint64
	StackDepth uint64
	Stack      []common.Hash
	Memory     []byte
	Error      string
}

// ExecutionOutcome is what the node receives for a completed request.
type ExecutionOutcome struct {
	Status     Status
	Reason     string
	ReturnData []byte
	GasUsed    uint64
	Logs       []Log
	Diff       []AccountChange
	// ContractAddress is set for successful creations.
	ContractAddress *common.Address `rlp:"nil"`
	Trace           []TraceRecord
}

// Change returns the diff entry for addr, if any.
func (o *ExecutionOutcome) Change(addr common.Address) (AccountChange, bool) {
	for _, c := range o.Diff {
		if c.Address == addr {
			return c, true
		}
	}
	return AccountChange{}, false
}
