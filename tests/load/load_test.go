// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// load implements the load tests.
package load_test

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	log "github.com/inconshreveable/log15"
	ginkgo "github.com/onsi/ginkgo/v2"
	"github.com/onsi/ginkgo/v2/formatter"
	"github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Zilliqa/evm-ds/client"
	"github.com/Zilliqa/evm-ds/dispatcher"
	"github.com/Zilliqa/evm-ds/evmds"
	"github.com/Zilliqa/evm-ds/executor"
	"github.com/Zilliqa/evm-ds/nodestate/nodestatetest"
	"github.com/Zilliqa/evm-ds/server"
)

func TestLoad(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "evm-ds load test suites")
}

var (
	connections    int
	workers        int
	duration       time.Duration
	terminalCount  uint64
	requestTimeout time.Duration
)

func init() {
	flag.IntVar(
		&connections,
		"connections",
		4,
		"number of node connections submitting requests",
	)
	flag.IntVar(
		&workers,
		"workers",
		8,
		"number of execution workers",
	)
	flag.DurationVar(
		&duration,
		"duration",
		5*time.Second,
		"how long to submit requests for",
	)
	flag.Uint64Var(
		&terminalCount,
		"terminal-count",
		1_000_000,
		"number of completed requests to quit at",
	)
	flag.DurationVar(
		&requestTimeout,
		"request-timeout",
		30*time.Second,
		"timeout for a single execution request",
	)
}

var (
	caller  = common.HexToAddress("0x00000000000000000000000000000000000ca11e")
	counter = common.HexToAddress("0x00000000000000000000000000000000c0c0c0c0")

	// SSTORE(0, SLOAD(0) + 1); return the new value
	increments = common.FromHex("60016000540180600055600052602060" + "00f3")
)

var (
	dir       string
	instances []*client.IPC
	stop      context.CancelFunc
	served    chan error
)

var _ = ginkgo.BeforeSuite(func() {
	node := nodestatetest.New(ginkgo.GinkgoT())
	node.SetAccount(caller, uint256.NewInt(1), 0, nil)
	node.SetAccount(counter, nil, 1, increments)

	exec := executor.New(node.Client(ginkgo.GinkgoT(), requestTimeout), executor.Config{})
	d, err := dispatcher.New(exec, dispatcher.Config{Workers: workers}, prometheus.NewRegistry())
	gomega.Expect(err).Should(gomega.BeNil())
	ginkgo.DeferCleanup(d.Close)

	dir, err = os.MkdirTemp("", "evmds-load")
	gomega.Expect(err).Should(gomega.BeNil())
	socket := filepath.Join(dir, "evm.sock")
	ipcListener, err := net.Listen("unix", socket)
	gomega.Expect(err).Should(gomega.BeNil())
	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	gomega.Expect(err).Should(gomega.BeNil())

	var ctx context.Context
	ctx, stop = context.WithCancel(context.Background())
	srv := server.New(server.Config{SocketPath: socket}, d, prometheus.NewRegistry())
	served = make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ipcListener, httpListener) }()

	instances = make([]*client.IPC, connections)
	for i := range instances {
		instances[i], err = client.DialIPC(ctx, socket)
		gomega.Expect(err).Should(gomega.BeNil())
	}
	outf("{{green}}serving:{{/}} %d workers, %d connections\n", workers, connections)
})

var _ = ginkgo.AfterSuite(func() {
	outf("{{red}}shutting down server{{/}}\n")
	for _, inst := range instances {
		_ = inst.Close()
	}
	stop()
	err := <-served
	gomega.Expect(err).Should(gomega.BeNil())
	log.Warn("server shutdown result", "err", err)
	gomega.Expect(os.RemoveAll(dir)).Should(gomega.BeNil())
})

var _ = ginkgo.Describe("[Execute]", func() {
	ginkgo.It("sustains concurrent requests", func() {
		ctx, cancel := context.WithTimeout(context.Background(), duration)
		defer cancel()

		var completed atomic.Uint64
		g, gctx := errgroup.WithContext(ctx)
		for _, inst := range instances {
			inst := inst
			for i := 0; i < workers; i++ {
				g.Go(func() error {
					defer ginkgo.GinkgoRecover()

					for gctx.Err() == nil {
						out, err := inst.Execute(context.Background(), &evmds.ExecutionRequest{
							Caller:   caller,
							To:       &counter,
							GasLimit: 100_000,
						})
						gomega.Ω(err).Should(gomega.BeNil())
						gomega.Ω(out.Status).Should(gomega.Equal(evmds.StatusSuccess))
						if completed.Add(1) >= terminalCount {
							log.Info("exiting at terminal count")
							cancel()
						}
					}
					return nil
				})
			}
		}
		start := time.Now()
		g.Go(func() error {
			last := uint64(0)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(time.Second):
				}
				n := completed.Load()
				log.Info("performance", "completed", n,
					"avg rps", float64(n)/time.Since(start).Seconds(),
					"last rps", float64(n-last),
				)
				last = n
			}
		})
		gomega.Ω(g.Wait()).Should(gomega.BeNil())
		gomega.Ω(completed.Load()).ShouldNot(gomega.BeZero())
	})
})

// Outputs to stdout.
//
// e.g.,
//
//	Out("{{green}}{{bold}}hi there %q{{/}}", "aa")
//	Out("{{magenta}}{{bold}}hi therea{{/}} {{cyan}}{{underline}}b{{/}}")
//
// ref.
// https://github.com/onsi/ginkgo/blob/v2.0.0/formatter/formatter.go#L52-L73
func outf(format string, args ...interface{}) {
	s := formatter.F(format, args...)
	fmt.Fprint(formatter.ColorableStdOut, s)
}
