// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package evmds holds the types shared by every stage of the execution
// server: requests, outcomes, state diffs, trace records and the error
// taxonomy reported to the node.
package evmds

const (
	Name    = "evm-ds"
	Version = "v0.3.0"
)
