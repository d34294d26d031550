// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/Zilliqa/evm-ds/evmds"
)

// QueryKind selects what a node query asks for.
type QueryKind uint8

const (
	QueryAccount QueryKind = iota
	QueryStorage
	QueryCode
	QueryBlockHash
)

func (k QueryKind) String() string {
	switch k {
	case QueryAccount:
		return "account"
	case QueryStorage:
		return "storage"
	case QueryCode:
		return "code"
	case QueryBlockHash:
		return "block_hash"
	default:
		return "unknown"
	}
}

// Query is a state query sent to the node. BlockNumber and BlockTime are
// those of the execution the query belongs to; the node answers from the
// state at that block. Number is only used by block hash queries.
type Query struct {
	ID          uint64
	Kind        QueryKind
	Address     common.Address
	Key         common.Hash
	Number      uint64
	BlockNumber uint64
	BlockTime   uint64
}

// ResponseStatus tells found, absent and failed queries apart.
type ResponseStatus uint8

const (
	StatusFound ResponseStatus = iota
	StatusNotFound
	StatusError
)

// QueryResponse answers the Query with the same ID. Only the fields relevant
// to the query kind are meaningful.
type QueryResponse struct {
	ID       uint64
	Status   ResponseStatus
	Error    string
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
	Code     []byte
	Value    common.Hash
}

// RequestEnvelope carries one execution request. ID is chosen by the node and
// echoed in the reply so requests on one connection can be pipelined.
type RequestEnvelope struct {
	ID      uint64
	Request evmds.ExecutionRequest
}

// EnvelopeID reads the ID leading an encoded envelope without decoding the
// rest, so a request whose body is malformed can still be answered.
func EnvelopeID(payload []byte) (uint64, error) {
	content, _, err := rlp.SplitList(payload)
	if err != nil {
		return 0, err
	}
	id, _, err := rlp.SplitUint64(content)
	return id, err
}

// ReplyStatus is the terminal state of a request.
type ReplyStatus uint8

const (
	ReplyCompleted ReplyStatus = iota
	ReplyFailed
)

// ReplyEnvelope is the single terminal reply to a RequestEnvelope. Outcome is
// set for completed requests, Reason and Error for failed ones.
type ReplyEnvelope struct {
	ID      uint64
	Status  ReplyStatus
	Reason  evmds.FailureReason
	Error   string
	Outcome *evmds.ExecutionOutcome `rlp:"nil"`
}
