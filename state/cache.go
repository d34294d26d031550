// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package state implements the per-execution view of world state handed to
// the interpreter: a read cache filled from the node on demand and a write
// overlay that is reported as a state diff and never written anywhere.
package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	log "github.com/inconshreveable/log15"

	"github.com/Zilliqa/evm-ds/evmds"
)

var _ vm.StateDB = (*Cache)(nil)

type slotKey struct {
	addr common.Address
	key  common.Hash
}

// object is the overlay copy of an account, created on its first write.
type object struct {
	exists  bool
	balance *uint256.Int
	nonce   uint64

	code     []byte
	codeHash common.Hash
	codeSet  bool

	storage      map[common.Hash]common.Hash
	storageOrder []common.Hash
	// cleared is set when the account was re-created and lost the storage
	// the node holds for it.
	cleared bool

	created        bool
	selfDestructed bool

	// touches counts the live writes; reverted writes are subtracted again.
	touches int
}

func (o *object) empty() bool {
	return o.nonce == 0 && o.balance.IsZero() && (o.codeHash == types.EmptyCodeHash || o.codeHash == common.Hash{})
}

// Cache is the state of one execution. It is used by a single goroutine and
// discarded with the execution.
//
// Node answers land in the read cache and are never fetched twice nor rolled
// back. Writes only go to the overlay; Snapshot and RevertToSnapshot undo
// them through a journal of closures.
type Cache struct {
	reader Reader
	log    log.Logger

	accounts  map[common.Address]evmds.Account
	slots     map[slotKey]common.Hash
	codes     map[common.Address][]byte
	overrides map[common.Address]common.Hash
	hashes    map[uint64]common.Hash

	objects map[common.Address]*object
	order   []common.Address

	refund      uint64
	logs        []*types.Log
	transient   map[slotKey]common.Hash
	accessAddrs map[common.Address]struct{}
	accessSlots map[slotKey]struct{}

	undo []func()

	err error
}

// New returns an empty cache backed by reader.
func New(reader Reader) *Cache {
	return &Cache{
		reader:      reader,
		log:         log.New("module", "state"),
		accounts:    make(map[common.Address]evmds.Account),
		slots:       make(map[slotKey]common.Hash),
		codes:       make(map[common.Address][]byte),
		overrides:   make(map[common.Address]common.Hash),
		hashes:      make(map[uint64]common.Hash),
		objects:     make(map[common.Address]*object),
		transient:   make(map[slotKey]common.Hash),
		accessAddrs: make(map[common.Address]struct{}),
		accessSlots: make(map[slotKey]struct{}),
	}
}

// Err returns the first error returned by the reader. Once set, the cache
// contents are incomplete and must not be reported.
func (c *Cache) Err() error { return c.err }

// OverrideCode makes addr run code without recording a code change. The
// account is treated as existing.
func (c *Cache) OverrideCode(addr common.Address, code []byte) {
	c.codes[addr] = code
	c.overrides[addr] = crypto.Keccak256Hash(code)
}

func (c *Cache) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// ---------------------------------------------------------------------------
// Read cache

// remote returns the node's view of addr, fetching it on first use.
func (c *Cache) remote(addr common.Address) evmds.Account {
	if acc, ok := c.accounts[addr]; ok {
		return acc
	}
	acc, err := c.reader.Account(addr)
	if err != nil {
		c.fail(fmt.Errorf("account %s: %w", addr, err))
		return evmds.Account{Address: addr, Balance: new(uint256.Int)}
	}
	if acc.Balance == nil {
		acc.Balance = new(uint256.Int)
	}
	if acc.Exists && acc.CodeHash == (common.Hash{}) {
		acc.CodeHash = types.EmptyCodeHash
	}
	c.accounts[addr] = acc
	return acc
}

// view is remote with code overrides applied.
func (c *Cache) view(addr common.Address) evmds.Account {
	acc := c.remote(addr)
	if hash, ok := c.overrides[addr]; ok {
		acc.CodeHash = hash
		acc.Exists = true
	}
	return acc
}

func (c *Cache) committed(addr common.Address, key common.Hash) common.Hash {
	sk := slotKey{addr, key}
	if value, ok := c.slots[sk]; ok {
		return value
	}
	value, err := c.reader.Storage(addr, key)
	if err != nil {
		c.fail(fmt.Errorf("storage %s/%s: %w", addr, key, err))
		return common.Hash{}
	}
	c.slots[sk] = value
	return value
}

func (c *Cache) remoteCode(addr common.Address, hash common.Hash) []byte {
	if code, ok := c.codes[addr]; ok {
		return code
	}
	code, err := c.reader.Code(addr, hash)
	if err != nil {
		c.fail(fmt.Errorf("code %s: %w", addr, err))
		return nil
	}
	c.codes[addr] = code
	return code
}

// BlockHash answers the BLOCKHASH opcode.
func (c *Cache) BlockHash(number uint64) common.Hash {
	if hash, ok := c.hashes[number]; ok {
		return hash
	}
	hash, err := c.reader.BlockHash(number)
	if err != nil {
		c.fail(fmt.Errorf("block hash %d: %w", number, err))
		return common.Hash{}
	}
	c.hashes[number] = hash
	return hash
}

// ---------------------------------------------------------------------------
// Overlay

// object returns the overlay copy of addr, creating it from the node's view.
func (c *Cache) object(addr common.Address) *object {
	if obj, ok := c.objects[addr]; ok {
		return obj
	}
	acc := c.view(addr)
	obj := &object{
		exists:   acc.Exists,
		balance:  acc.Balance.Clone(),
		nonce:    acc.Nonce,
		codeHash: acc.CodeHash,
		storage:  make(map[common.Hash]common.Hash),
	}
	c.objects[addr] = obj
	c.order = append(c.order, addr)
	return obj
}

// touch records a write on obj, bringing the account into existence.
func (c *Cache) touch(obj *object) {
	prevExists := obj.exists
	obj.touches++
	if !obj.exists {
		obj.exists = true
		if obj.codeHash == (common.Hash{}) {
			obj.codeHash = types.EmptyCodeHash
		}
	}
	c.undo = append(c.undo, func() {
		obj.touches--
		obj.exists = prevExists
	})
}

func (c *Cache) CreateAccount(addr common.Address) {
	obj := c.object(addr)
	prev := *obj
	c.touch(obj)
	*obj = object{
		exists:   true,
		balance:  obj.balance,
		codeHash: types.EmptyCodeHash,
		codeSet:  true,
		storage:  make(map[common.Hash]common.Hash),
		cleared:  true,
		created:  true,
		touches:  obj.touches,
	}
	c.undo = append(c.undo, func() {
		touches := obj.touches
		*obj = prev
		obj.touches = touches
	})
}

func (c *Cache) SubBalance(addr common.Address, amount *uint256.Int) {
	c.setBalance(addr, new(uint256.Int).Sub(c.GetBalance(addr), amount))
}

func (c *Cache) AddBalance(addr common.Address, amount *uint256.Int) {
	c.setBalance(addr, new(uint256.Int).Add(c.GetBalance(addr), amount))
}

func (c *Cache) setBalance(addr common.Address, balance *uint256.Int) {
	obj := c.object(addr)
	c.touch(obj)
	prev := obj.balance
	obj.balance = balance
	c.undo = append(c.undo, func() { obj.balance = prev })
}

func (c *Cache) GetBalance(addr common.Address) *uint256.Int {
	if obj, ok := c.objects[addr]; ok {
		return obj.balance.Clone()
	}
	return c.view(addr).Balance.Clone()
}

func (c *Cache) GetNonce(addr common.Address) uint64 {
	if obj, ok := c.objects[addr]; ok {
		return obj.nonce
	}
	return c.view(addr).Nonce
}

func (c *Cache) SetNonce(addr common.Address, nonce uint64) {
	obj := c.object(addr)
	c.touch(obj)
	prev := obj.nonce
	obj.nonce = nonce
	c.undo = append(c.undo, func() { obj.nonce = prev })
}

func (c *Cache) GetCodeHash(addr common.Address) common.Hash {
	if obj, ok := c.objects[addr]; ok {
		if !obj.exists {
			return common.Hash{}
		}
		return obj.codeHash
	}
	acc := c.view(addr)
	if !acc.Exists {
		return common.Hash{}
	}
	return acc.CodeHash
}

func (c *Cache) GetCode(addr common.Address) []byte {
	if obj, ok := c.objects[addr]; ok && obj.codeSet {
		return obj.code
	}
	acc := c.view(addr)
	if !acc.Exists || acc.CodeHash == types.EmptyCodeHash {
		return nil
	}
	return c.remoteCode(addr, acc.CodeHash)
}

func (c *Cache) SetCode(addr common.Address, code []byte) {
	obj := c.object(addr)
	c.touch(obj)
	prevCode, prevHash, prevSet := obj.code, obj.codeHash, obj.codeSet
	obj.code = code
	obj.codeHash = crypto.Keccak256Hash(code)
	obj.codeSet = true
	c.undo = append(c.undo, func() {
		obj.code, obj.codeHash, obj.codeSet = prevCode, prevHash, prevSet
	})
}

func (c *Cache) GetCodeSize(addr common.Address) int {
	return len(c.GetCode(addr))
}

func (c *Cache) AddRefund(gas uint64) {
	prev := c.refund
	c.refund += gas
	c.undo = append(c.undo, func() { c.refund = prev })
}

func (c *Cache) SubRefund(gas uint64) {
	if gas > c.refund {
		panic(fmt.Sprintf("refund counter below zero (gas: %d > refund: %d)", gas, c.refund))
	}
	prev := c.refund
	c.refund -= gas
	c.undo = append(c.undo, func() { c.refund = prev })
}

func (c *Cache) GetRefund() uint64 { return c.refund }

func (c *Cache) GetCommittedState(addr common.Address, key common.Hash) common.Hash {
	if obj, ok := c.objects[addr]; ok && obj.cleared {
		return common.Hash{}
	}
	return c.committed(addr, key)
}

func (c *Cache) GetState(addr common.Address, key common.Hash) common.Hash {
	if obj, ok := c.objects[addr]; ok {
		if value, ok := obj.storage[key]; ok {
			return value
		}
		if obj.cleared {
			return common.Hash{}
		}
	}
	return c.committed(addr, key)
}

func (c *Cache) SetState(addr common.Address, key, value common.Hash) {
	obj := c.object(addr)
	c.touch(obj)
	prev, had := obj.storage[key]
	obj.storage[key] = value
	if !had {
		obj.storageOrder = append(obj.storageOrder, key)
	}
	c.undo = append(c.undo, func() {
		if had {
			obj.storage[key] = prev
			return
		}
		delete(obj.storage, key)
		obj.storageOrder = obj.storageOrder[:len(obj.storageOrder)-1]
	})
}

func (c *Cache) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return c.transient[slotKey{addr, key}]
}

func (c *Cache) SetTransientState(addr common.Address, key, value common.Hash) {
	sk := slotKey{addr, key}
	prev, had := c.transient[sk]
	if prev == value {
		return
	}
	c.transient[sk] = value
	c.undo = append(c.undo, func() {
		if had {
			c.transient[sk] = prev
		} else {
			delete(c.transient, sk)
		}
	})
}

// SelfDestruct marks addr for deletion and zeroes its balance. Storage, code
// and nonce stay readable until the execution ends.
func (c *Cache) SelfDestruct(addr common.Address) {
	if !c.Exist(addr) {
		return
	}
	obj := c.object(addr)
	c.touch(obj)
	prevDestructed, prevBalance := obj.selfDestructed, obj.balance
	obj.selfDestructed = true
	obj.balance = new(uint256.Int)
	c.undo = append(c.undo, func() {
		obj.selfDestructed, obj.balance = prevDestructed, prevBalance
	})
}

func (c *Cache) HasSelfDestructed(addr common.Address) bool {
	obj, ok := c.objects[addr]
	return ok && obj.selfDestructed
}

// Selfdestruct6780 only destructs accounts created in this execution.
func (c *Cache) Selfdestruct6780(addr common.Address) {
	if obj, ok := c.objects[addr]; ok && obj.created {
		c.SelfDestruct(addr)
	}
}

func (c *Cache) Exist(addr common.Address) bool {
	if obj, ok := c.objects[addr]; ok {
		return obj.exists
	}
	return c.view(addr).Exists
}

func (c *Cache) Empty(addr common.Address) bool {
	if obj, ok := c.objects[addr]; ok {
		return !obj.exists || obj.empty()
	}
	acc := c.view(addr)
	return !acc.Exists || (acc.Nonce == 0 && acc.Balance.IsZero() && acc.CodeHash == types.EmptyCodeHash)
}

func (c *Cache) AddressInAccessList(addr common.Address) bool {
	_, ok := c.accessAddrs[addr]
	return ok
}

func (c *Cache) SlotInAccessList(addr common.Address, slot common.Hash) (addressOk bool, slotOk bool) {
	_, addressOk = c.accessAddrs[addr]
	_, slotOk = c.accessSlots[slotKey{addr, slot}]
	return addressOk, slotOk
}

func (c *Cache) AddAddressToAccessList(addr common.Address) {
	if _, ok := c.accessAddrs[addr]; ok {
		return
	}
	c.accessAddrs[addr] = struct{}{}
	c.undo = append(c.undo, func() { delete(c.accessAddrs, addr) })
}

func (c *Cache) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	c.AddAddressToAccessList(addr)
	sk := slotKey{addr, slot}
	if _, ok := c.accessSlots[sk]; ok {
		return
	}
	c.accessSlots[sk] = struct{}{}
	c.undo = append(c.undo, func() { delete(c.accessSlots, sk) })
}

// Prepare resets the access list and transient storage for a new
// transaction and warms the accounts the active rules require.
func (c *Cache) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, list types.AccessList) {
	if rules.IsBerlin {
		c.accessAddrs = make(map[common.Address]struct{})
		c.accessSlots = make(map[slotKey]struct{})
		c.accessAddrs[sender] = struct{}{}
		if dest != nil {
			c.accessAddrs[*dest] = struct{}{}
		}
		for _, addr := range precompiles {
			c.accessAddrs[addr] = struct{}{}
		}
		for _, tuple := range list {
			c.accessAddrs[tuple.Address] = struct{}{}
			for _, key := range tuple.StorageKeys {
				c.accessSlots[slotKey{tuple.Address, key}] = struct{}{}
			}
		}
		if rules.IsShanghai {
			c.accessAddrs[coinbase] = struct{}{}
		}
	}
	c.transient = make(map[slotKey]common.Hash)
}

func (c *Cache) Snapshot() int {
	return len(c.undo)
}

func (c *Cache) RevertToSnapshot(id int) {
	for len(c.undo) > id {
		last := len(c.undo) - 1
		c.undo[last]()
		c.undo = c.undo[:last]
	}
}

func (c *Cache) AddLog(l *types.Log) {
	l.Index = uint(len(c.logs))
	c.logs = append(c.logs, l)
	c.undo = append(c.undo, func() { c.logs = c.logs[:len(c.logs)-1] })
}

// AddPreimage is a no-op; preimages are never recorded.
func (c *Cache) AddPreimage(common.Hash, []byte) {}

// Logs returns the logs that survived every revert, in emission order.
func (c *Cache) Logs() []evmds.Log {
	logs := make([]evmds.Log, 0, len(c.logs))
	for _, l := range c.logs {
		logs = append(logs, evmds.Log{
			Address: l.Address,
			Topics:  append([]common.Hash(nil), l.Topics...),
			Data:    common.CopyBytes(l.Data),
		})
	}
	return logs
}
