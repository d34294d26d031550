// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

// Fork selects the rule set executions run under.
type Fork uint8

const (
	London Fork = iota
	Shanghai
	Cancun
)

var forkNames = map[Fork]string{
	London:   "london",
	Shanghai: "shanghai",
	Cancun:   "cancun",
}

func (f Fork) String() string {
	if name, ok := forkNames[f]; ok {
		return name
	}
	return "unknown"
}

// ParseFork maps a configuration value to a Fork.
func ParseFork(name string) (Fork, error) {
	for f, n := range forkNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown fork %q", name)
}

// postMerge reports whether blocks carry PREVRANDAO instead of a difficulty.
func (f Fork) postMerge() bool { return f >= Shanghai }

// chainConfig activates every fork up to f from genesis.
func (f Fork) chainConfig(chainID uint64) *params.ChainConfig {
	zero := big.NewInt(0)
	cfg := &params.ChainConfig{
		ChainID:             new(big.Int).SetUint64(chainID),
		HomesteadBlock:      zero,
		EIP150Block:         zero,
		EIP155Block:         zero,
		EIP158Block:         zero,
		ByzantiumBlock:      zero,
		ConstantinopleBlock: zero,
		PetersburgBlock:     zero,
		IstanbulBlock:       zero,
		MuirGlacierBlock:    zero,
		BerlinBlock:         zero,
		LondonBlock:         zero,
	}
	if f.postMerge() {
		genesis := uint64(0)
		cfg.MergeNetsplitBlock = zero
		cfg.TerminalTotalDifficulty = zero
		cfg.ShanghaiTime = &genesis
		if f >= Cancun {
			cfg.CancunTime = &genesis
		}
	}
	return cfg
}
