// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package nodestatetest provides an in-process node that answers the
// node-query protocol from a fixed snapshot, counts every query it serves and
// can be told to stall or fail.
package nodestatetest

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zilliqa/evm-ds/nodestate"
	"github.com/Zilliqa/evm-ds/wire"
)

// Fault is injected for every query about one address.
type Fault uint8

const (
	NoFault Fault = iota
	// FaultError answers with a node-reported error.
	FaultError
	// FaultSilent never answers.
	FaultSilent
	// FaultClose closes the connection the query arrived on.
	FaultClose
)

// TB is the part of testing.TB the node uses, so ginkgo suites can pass
// GinkgoT().
type TB interface {
	Helper()
	Fatal(args ...interface{})
	Cleanup(func())
}

// Key identifies a query for counting.
type Key struct {
	Kind    wire.QueryKind
	Address common.Address
	Slot    common.Hash
}

// AccountKey counts account queries for addr.
func AccountKey(addr common.Address) Key { return Key{Kind: wire.QueryAccount, Address: addr} }

// StorageKey counts storage queries for one slot.
func StorageKey(addr common.Address, slot common.Hash) Key {
	return Key{Kind: wire.QueryStorage, Address: addr, Slot: slot}
}

// CodeKey counts code queries for addr.
func CodeKey(addr common.Address) Key { return Key{Kind: wire.QueryCode, Address: addr} }

// BlockHashKey counts block hash queries for number.
func BlockHashKey(number uint64) Key {
	return Key{Kind: wire.QueryBlockHash, Slot: common.Hash(uint256.NewInt(number).Bytes32())}
}

type account struct {
	balance *uint256.Int
	nonce   uint64
	code    []byte
}

// Node is a fake node serving one snapshot.
type Node struct {
	path     string
	listener net.Listener

	mu       sync.Mutex
	accounts map[common.Address]*account
	storage  map[common.Address]map[common.Hash]common.Hash
	hashes   map[uint64]common.Hash
	faults   map[common.Address]Fault
	counts   map[Key]int
	total    int
	gate     chan struct{}
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// New starts a node on a fresh Unix socket. It is shut down when t ends.
func New(t TB) *Node {
	t.Helper()
	// Unix socket paths are length limited, so avoid t.TempDir.
	dir, err := os.MkdirTemp("", "evmds")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "node.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	n := &Node{
		path:     path,
		listener: listener,
		accounts: make(map[common.Address]*account),
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
		hashes:   make(map[uint64]common.Hash),
		faults:   make(map[common.Address]Fault),
		counts:   make(map[Key]int),
		conns:    make(map[net.Conn]struct{}),
	}
	n.wg.Add(1)
	go n.accept()
	t.Cleanup(func() {
		n.Close()
		_ = os.RemoveAll(dir)
	})
	return n
}

// Path is the node's socket path.
func (n *Node) Path() string { return n.path }

// Dialer connects to the node.
func (n *Node) Dialer() nodestate.Dialer { return nodestate.UnixDialer(n.path) }

// Client returns a client of the node with its own metrics registry.
func (n *Node) Client(t TB, timeout time.Duration) *nodestate.Client {
	t.Helper()
	cfg := nodestate.DefaultConfig()
	cfg.Timeout = timeout
	c, err := nodestate.New(context.Background(), n.Dialer(), cfg, prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// SetAccount adds or replaces an account in the snapshot.
func (n *Node) SetAccount(addr common.Address, balance *uint256.Int, nonce uint64, code []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if balance == nil {
		balance = new(uint256.Int)
	}
	n.accounts[addr] = &account{balance: balance.Clone(), nonce: nonce, code: common.CopyBytes(code)}
}

// SetStorage sets one slot in the snapshot.
func (n *Node) SetStorage(addr common.Address, key, value common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	slots, ok := n.storage[addr]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		n.storage[addr] = slots
	}
	slots[key] = value
}

// SetBlockHash sets the hash returned for block number.
func (n *Node) SetBlockHash(number uint64, hash common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hashes[number] = hash
}

// Fail injects fault for every later query about addr.
func (n *Node) Fail(addr common.Address, fault Fault) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults[addr] = fault
}

// Hold makes the node withhold answers until Release.
func (n *Node) Hold() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gate == nil {
		n.gate = make(chan struct{})
	}
}

// Release answers every withheld query.
func (n *Node) Release() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gate != nil {
		close(n.gate)
		n.gate = nil
	}
}

// Count returns how many times the query identified by k was served.
func (n *Node) Count(k Key) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[k]
}

// Total returns the number of queries received.
func (n *Node) Total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.total
}

// Counts returns a copy of all query counts.
func (n *Node) Counts() map[Key]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	counts := make(map[Key]int, len(n.counts))
	for k, v := range n.counts {
		counts[k] = v
	}
	return counts
}

// Close stops the node and drops every connection.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	if n.gate != nil {
		close(n.gate)
		n.gate = nil
	}
	for conn := range n.conns {
		_ = conn.Close()
	}
	n.mu.Unlock()
	_ = n.listener.Close()
	n.wg.Wait()
}

func (n *Node) accept() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			return
		}
		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			_ = conn.Close()
			return
		}
		n.conns[conn] = struct{}{}
		n.mu.Unlock()
		n.wg.Add(1)
		go n.serve(conn)
	}
}

func (n *Node) serve(conn net.Conn) {
	var (
		writeMu sync.Mutex
		pending sync.WaitGroup
	)
	defer n.wg.Done()
	// Withheld answers are waited for after the connection is gone.
	defer pending.Wait()
	defer func() {
		n.mu.Lock()
		delete(n.conns, conn)
		n.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		q := new(wire.Query)
		if err := wire.Read(r, wire.DefaultMaxFrameSize, q); err != nil {
			return
		}
		resp, fault, gate := n.answer(q)
		switch fault {
		case FaultSilent:
			continue
		case FaultClose:
			return
		}
		pending.Add(1)
		go func() {
			defer pending.Done()
			if gate != nil {
				<-gate
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = wire.Write(conn, resp)
		}()
	}
}

func (n *Node) answer(q *wire.Query) (*wire.QueryResponse, Fault, chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := Key{Kind: q.Kind, Address: q.Address}
	if q.Kind == wire.QueryStorage {
		key.Slot = q.Key
	}
	if q.Kind == wire.QueryBlockHash {
		key = BlockHashKey(q.Number)
	}
	n.counts[key]++
	n.total++

	resp := &wire.QueryResponse{ID: q.ID, Status: wire.StatusFound, Balance: new(uint256.Int)}
	fault := n.faults[q.Address]
	if fault == FaultError {
		resp.Status = wire.StatusError
		resp.Error = "state unavailable"
		return resp, NoFault, n.gate
	}

	acc, exists := n.accounts[q.Address]
	switch q.Kind {
	case wire.QueryAccount:
		if !exists {
			resp.Status = wire.StatusNotFound
			break
		}
		resp.Balance = acc.balance.Clone()
		resp.Nonce = acc.nonce
		resp.CodeHash = codeHash(acc.code)
	case wire.QueryCode:
		if !exists {
			resp.Status = wire.StatusNotFound
			break
		}
		resp.CodeHash = codeHash(acc.code)
		resp.Code = common.CopyBytes(acc.code)
	case wire.QueryStorage:
		value, ok := n.storage[q.Address][q.Key]
		if !ok {
			resp.Status = wire.StatusNotFound
			break
		}
		resp.Value = value
	case wire.QueryBlockHash:
		hash, ok := n.hashes[q.Number]
		if !ok {
			resp.Status = wire.StatusNotFound
			break
		}
		resp.Value = hash
	}
	return resp, fault, n.gate
}

func codeHash(code []byte) common.Hash {
	if len(code) == 0 {
		return types.EmptyCodeHash
	}
	return crypto.Keccak256Hash(code)
}
