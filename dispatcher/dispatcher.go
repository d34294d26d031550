// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dispatcher admits execution requests and runs each on its own
// goroutine, holding at most a configured number of them in execution.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	log "github.com/inconshreveable/log15"

	"github.com/Zilliqa/evm-ds/evmds"
)

var errClosed = errors.New("dispatcher closed")

// Runner executes one request to completion.
type Runner interface {
	Execute(ctx context.Context, req *evmds.ExecutionRequest) (*evmds.ExecutionOutcome, error)
}

// State is the lifecycle position of a request.
type State uint8

const (
	Accepted State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config tunes a Dispatcher.
type Config struct {
	// Workers bounds the requests executing at once. Zero means one per CPU.
	Workers int
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Queued    int64
	Running   int64
	Completed uint64
	Failed    uint64
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	runner  Runner
	workers int64
	sem     *semaphore.Weighted
	log     log.Logger
	metrics *metrics

	// ctx outlives callers: a running request keeps its worker until the
	// execution ends, whether or not anyone still waits for it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextID    atomic.Uint64
	queued    atomic.Int64
	running   atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// New returns a dispatcher running requests through runner.
func New(runner Runner, cfg Config, registerer prometheus.Registerer) (*Dispatcher, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	m, err := newMetrics("dispatcher", registerer)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		runner:  runner,
		workers: int64(workers),
		sem:     semaphore.NewWeighted(int64(workers)),
		log:     log.New("module", "dispatcher"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Workers returns the size of the pool.
func (d *Dispatcher) Workers() int { return int(d.workers) }

type result struct {
	out *evmds.ExecutionOutcome
	err error
}

// Dispatch runs req and waits for its outcome. Invalid requests fail with
// ErrMalformedRequest before taking a worker. If ctx ends first the request
// fails with ErrAborted; a request already running keeps its worker until its
// execution ends and the result is dropped. Failed requests are never
// retried.
func (d *Dispatcher) Dispatch(ctx context.Context, req *evmds.ExecutionRequest) (*evmds.ExecutionOutcome, error) {
	id := d.nextID.Add(1)
	if req == nil {
		return nil, d.fail(id, fmt.Errorf("%w: empty request", evmds.ErrMalformedRequest))
	}
	r := *req
	r.Normalize()
	if err := r.Validate(); err != nil {
		return nil, d.fail(id, err)
	}

	d.transition(id, Accepted)
	d.metrics.queued.Set(float64(d.queued.Add(1)))
	err := d.sem.Acquire(ctx, 1)
	d.metrics.queued.Set(float64(d.queued.Add(-1)))
	if err != nil {
		return nil, d.fail(id, fmt.Errorf("%w: while queued: %v", evmds.ErrAborted, err))
	}
	if d.ctx.Err() != nil {
		d.sem.Release(1)
		return nil, d.fail(id, fmt.Errorf("%w: %v", evmds.ErrAborted, errClosed))
	}

	done := make(chan result, 1)
	d.wg.Add(1)
	go d.work(id, &r, done)

	select {
	case res := <-done:
		if res.err != nil {
			return nil, d.fail(id, res.err)
		}
		d.completed.Add(1)
		d.metrics.completed.Inc()
		d.transition(id, Completed, "status", res.out.Status, "gasUsed", res.out.GasUsed)
		return res.out, nil
	case <-ctx.Done():
		d.log.Debug("caller went away, discarding result", "request", id)
		return nil, d.fail(id, fmt.Errorf("%w: %v", evmds.ErrAborted, ctx.Err()))
	}
}

func (d *Dispatcher) work(id uint64, req *evmds.ExecutionRequest, done chan<- result) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	d.metrics.running.Set(float64(d.running.Add(1)))
	defer func() { d.metrics.running.Set(float64(d.running.Add(-1))) }()

	d.transition(id, Running)
	start := time.Now()
	out, err := d.runner.Execute(d.ctx, req)
	d.metrics.duration.Observe(time.Since(start).Seconds())
	done <- result{out: out, err: err}
}

func (d *Dispatcher) fail(id uint64, err error) error {
	reason := evmds.ReasonOf(err)
	d.failed.Add(1)
	d.metrics.failed.WithLabelValues(reason.String()).Inc()
	d.transition(id, Failed, "reason", reason, "err", err)
	return err
}

func (d *Dispatcher) transition(id uint64, s State, ctx ...interface{}) {
	d.log.Debug("request "+s.String(), append([]interface{}{"request", id}, ctx...)...)
}

// Stats reports the current queue and pool occupancy and the terminal
// counts so far.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    d.queued.Load(),
		Running:   d.running.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
	}
}

// Close stops admitting work, aborts running executions at their next state
// read and waits for every worker to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
