// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Zilliqa/evm-ds/evmds"
)

// Diff serialises the overlay into the changes the node has to apply, in the
// order accounts were first written. Accounts whose writes were all reverted
// or left them as the node holds them are omitted. With deleteEmpty set,
// empty accounts that were written are deleted (EIP-161).
func (c *Cache) Diff(deleteEmpty bool) []evmds.AccountChange {
	var diff []evmds.AccountChange
	for _, addr := range c.order {
		obj := c.objects[addr]
		if obj.touches == 0 {
			continue
		}
		orig := c.accounts[addr]
		origCodeHash := orig.CodeHash
		if origCodeHash == (common.Hash{}) {
			origCodeHash = types.EmptyCodeHash
		}
		codeHash := origCodeHash
		if obj.codeSet {
			codeHash = obj.codeHash
		}
		empty := obj.nonce == 0 && obj.balance.IsZero() && codeHash == types.EmptyCodeHash

		if obj.selfDestructed || (deleteEmpty && obj.exists && empty) {
			if orig.Exists {
				diff = append(diff, evmds.AccountChange{Kind: evmds.ChangeDelete, Address: addr})
			}
			continue
		}
		if !obj.exists {
			continue
		}

		change := evmds.AccountChange{
			Kind:         evmds.ChangeModify,
			Address:      addr,
			Balance:      obj.balance.Clone(),
			Nonce:        obj.nonce,
			ResetStorage: obj.cleared && orig.Exists,
		}
		if obj.codeSet && obj.codeHash != origCodeHash {
			change.CodeChanged = true
			change.Code = common.CopyBytes(obj.code)
		}
		for _, key := range obj.storageOrder {
			value := obj.storage[key]
			if obj.cleared {
				if value == (common.Hash{}) {
					continue
				}
			} else if prev, ok := c.slots[slotKey{addr, key}]; ok && prev == value {
				continue
			}
			change.Storage = append(change.Storage, evmds.StorageChange{Key: key, Value: value})
		}

		unchanged := orig.Exists &&
			change.Balance.Eq(orig.Balance) &&
			change.Nonce == orig.Nonce &&
			!change.CodeChanged &&
			!change.ResetStorage &&
			len(change.Storage) == 0
		if unchanged {
			continue
		}
		diff = append(diff, change)
	}
	return diff
}
