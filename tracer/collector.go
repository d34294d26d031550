// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package tracer records the instructions an execution dispatches.
package tracer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"

	log "github.com/inconshreveable/log15"

	"github.com/Zilliqa/evm-ds/evmds"
)

var _ vm.EVMLogger = (*Collector)(nil)

// Config selects what a record holds beyond the step itself.
type Config struct {
	Stack  bool
	Memory bool
	// Logger, when set, also receives every step at debug level.
	Logger log.Logger
	// Discard keeps no records; only the logger sees the steps.
	Discard bool
}

// Collector appends one record per dispatched instruction, across every call
// frame of the execution. The interpreter reports each instruction through
// CaptureState exactly once; a fault detected after the instruction ran is
// reported through CaptureFault and annotates that instruction's record.
type Collector struct {
	cfg     Config
	records []evmds.TraceRecord
	// last maps call depth to the index of the depth's latest record.
	last   map[int]int
	sealed bool
}

// New returns an empty collector.
func New(cfg Config) *Collector {
	return &Collector{
		cfg:  cfg,
		last: make(map[int]int),
	}
}

func (c *Collector) CaptureTxStart(uint64) {}

func (c *Collector) CaptureTxEnd(uint64) {}

func (c *Collector) CaptureStart(_ *vm.EVM, from common.Address, to common.Address, create bool, _ []byte, gas uint64, value *big.Int) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug("execution started", "from", from, "to", to, "create", create, "gas", gas, "value", value)
	}
}

func (c *Collector) CaptureEnd(_ []byte, gasUsed uint64, err error) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug("execution ended", "gasUsed", gasUsed, "err", err)
	}
}

func (c *Collector) CaptureEnter(typ vm.OpCode, from common.Address, to common.Address, _ []byte, gas uint64, _ *big.Int) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug("frame entered", "type", typ, "from", from, "to", to, "gas", gas)
	}
}

func (c *Collector) CaptureExit(_ []byte, gasUsed uint64, err error) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug("frame exited", "gasUsed", gasUsed, "err", err)
	}
}

func (c *Collector) CaptureState(pc uint64, op vm.OpCode, gas, cost uint64, scope *vm.ScopeContext, _ []byte, depth int, err error) {
	if c.sealed {
		return
	}
	record := evmds.TraceRecord{
		PC:      pc,
		Op:      op.String(),
		Gas:     gas,
		GasCost: cost,
		Depth:   uint64(depth),
	}
	if scope != nil && scope.Stack != nil {
		data := scope.Stack.Data()
		record.StackDepth = uint64(len(data))
		if c.cfg.Stack {
			record.Stack = make([]common.Hash, len(data))
			for i := range data {
				record.Stack[i] = common.Hash(data[i].Bytes32())
			}
		}
	}
	if c.cfg.Memory && scope != nil && scope.Memory != nil {
		record.Memory = common.CopyBytes(scope.Memory.Data())
	}
	if err != nil {
		record.Error = err.Error()
	}
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug("step", "pc", pc, "op", op, "gas", gas, "cost", cost, "depth", depth, "stack", record.StackDepth)
	}
	if c.cfg.Discard {
		return
	}
	c.last[depth] = len(c.records)
	c.records = append(c.records, record)
}

func (c *Collector) CaptureFault(_ uint64, _ vm.OpCode, _, _ uint64, _ *vm.ScopeContext, depth int, err error) {
	if c.sealed || err == nil {
		return
	}
	if i, ok := c.last[depth]; ok && c.records[i].Error == "" {
		c.records[i].Error = err.Error()
	}
}

// Len returns the number of records so far.
func (c *Collector) Len() int { return len(c.records) }

// Records seals the collector and returns every record in dispatch order.
// Steps reported after sealing are dropped.
func (c *Collector) Records() []evmds.TraceRecord {
	c.sealed = true
	return c.records
}
