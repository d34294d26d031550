// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/Zilliqa/evm-ds/evmds"
)

//go:generate mockgen -source reader.go -destination mock_reader.go -package state

// Reader is the source of state a Cache falls back to on a miss. Every
// method may block. A missing account or slot is not an error.
type Reader interface {
	Account(addr common.Address) (evmds.Account, error)
	Storage(addr common.Address, key common.Hash) (common.Hash, error)
	Code(addr common.Address, codeHash common.Hash) ([]byte, error)
	BlockHash(number uint64) (common.Hash, error)
}
