// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// e2e implements the e2e tests.
package e2e_test

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	ginkgo "github.com/onsi/ginkgo/v2"
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

func TestE2e(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "evm-ds e2e test suites")
}

var (
	requestTimeout time.Duration
	queryTimeout   time.Duration
	workers        int
)

func init() {
	flag.DurationVar(
		&requestTimeout,
		"request-timeout",
		30*time.Second,
		"timeout for a single execution request",
	)
	flag.DurationVar(
		&queryTimeout,
		"query-timeout",
		2*time.Second,
		"timeout for a single node query",
	)
	flag.IntVar(
		&workers,
		"workers",
		4,
		"number of execution workers",
	)
}

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	counter  = common.HexToAddress("0x00000000000000000000000000000000c0c0c0c0")
	unstable = common.HexToAddress("0x000000000000000000000000000000000000f00d")
	faulty   = common.HexToAddress("0x000000000000000000000000000000000000beef")

	// SSTORE(0, SLOAD(0) + 1); return the new value
	increments = common.FromHex("600160005401806000556000526020" + "6000f3")

	aliceFunds = uint256.NewInt(1_000_000_000_000_000_000)
)

var (
	node     *nodestatetest.Node
	srv      *server.Server
	served   chan error
	ipc      *client.IPC
	cli      client.Client
	httpAddr string
	dir      string
)

var _ = ginkgo.BeforeSuite(func() {
	node = nodestatetest.New(ginkgo.GinkgoT())
	node.SetAccount(alice, aliceFunds, 0, nil)
	node.SetAccount(counter, nil, 1, increments)
	node.SetStorage(counter, common.Hash{}, common.BigToHash(common.Big3))
	node.SetAccount(faulty, nil, 1, append(append([]byte{0x73}, unstable.Bytes()...), 0x31, 0x50, 0x00))
	node.Fail(unstable, nodestatetest.FaultError)

	registry := prometheus.NewRegistry()
	exec := executor.New(node.Client(ginkgo.GinkgoT(), queryTimeout), executor.Config{Fork: executor.London})
	d, err := dispatcher.New(exec, dispatcher.Config{Workers: workers}, registry)
	gomega.Expect(err).Should(gomega.BeNil())
	ginkgo.DeferCleanup(d.Close)

	dir, err = os.MkdirTemp("", "evmds-e2e")
	gomega.Expect(err).Should(gomega.BeNil())
	socket := filepath.Join(dir, "evm.sock")
	ipcListener, err := net.Listen("unix", socket)
	gomega.Expect(err).Should(gomega.BeNil())
	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	gomega.Expect(err).Should(gomega.BeNil())
	httpAddr = "http://" + httpListener.Addr().String()

	srv = server.New(server.Config{SocketPath: socket}, d, registry)
	served = make(chan error, 1)
	go func() { served <- srv.Serve(context.Background(), ipcListener, httpListener) }()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	ipc, err = client.DialIPC(ctx, socket)
	gomega.Expect(err).Should(gomega.BeNil())
	cli = client.New(httpAddr)
})

var _ = ginkgo.AfterSuite(func() {
	ginkgo.By("stopping the server over rpc", func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		gomega.Expect(cli.Die(ctx)).Should(gomega.BeNil())
		gomega.Eventually(served, requestTimeout).Should(gomega.Receive(gomega.BeNil()))
	})
	gomega.Expect(ipc.Close()).Should(gomega.BeNil())
	gomega.Expect(os.RemoveAll(dir)).Should(gomega.BeNil())
})

func transfer() *evmds.ExecutionRequest {
	return &evmds.ExecutionRequest{
		Caller:   alice,
		To:       &bob,
		Value:    uint256.NewInt(1000),
		GasLimit: 21000,
		GasPrice: uint256.NewInt(1),
		Block: evmds.BlockContext{
			Number:  5,
			BaseFee: uint256.NewInt(1),
			ChainID: 33101,
		},
	}
}

var _ = ginkgo.Describe("[Version]", func() {
	ginkgo.It("can get version", func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		version, err := cli.Version(ctx)
		cancel()
		gomega.Ω(err).Should(gomega.BeNil())
		gomega.Ω(version).Should(gomega.Equal(evmds.Version))
	})
})

var _ = ginkgo.Describe("[ValueTransfer]", func() {
	ginkgo.It("reports sender and recipient over ipc", func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		out, err := ipc.Execute(ctx, transfer())
		cancel()
		gomega.Ω(err).Should(gomega.BeNil())
		gomega.Ω(out.Status).Should(gomega.Equal(evmds.StatusSuccess))
		gomega.Ω(out.GasUsed).Should(gomega.Equal(uint64(21000)))
		gomega.Ω(out.Logs).Should(gomega.BeEmpty())
		gomega.Ω(out.Diff).Should(gomega.HaveLen(2))

		sender, ok := out.Change(alice)
		gomega.Ω(ok).Should(gomega.BeTrue())
		want := new(uint256.Int).Sub(aliceFunds, uint256.NewInt(1000+21000))
		gomega.Ω(sender.Balance.Eq(want)).Should(gomega.BeTrue())
		gomega.Ω(sender.Nonce).Should(gomega.Equal(uint64(1)))

		recipient, ok := out.Change(bob)
		gomega.Ω(ok).Should(gomega.BeTrue())
		gomega.Ω(recipient.Balance.Uint64()).Should(gomega.Equal(uint64(1000)))
	})

	ginkgo.It("gives the same answer over rpc", func() {
		req := transfer()
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		reply, err := cli.Execute(ctx, &server.ExecuteArgs{
			Caller:   req.Caller,
			To:       req.To,
			Value:    (*hexutil.Big)(req.Value.ToBig()),
			GasLimit: 21000,
			GasPrice: (*hexutil.Big)(req.GasPrice.ToBig()),
			Block: server.BlockArgs{
				Number:  5,
				BaseFee: (*hexutil.Big)(req.Block.BaseFee.ToBig()),
				ChainID: 33101,
			},
		})
		cancel()
		gomega.Ω(err).Should(gomega.BeNil())
		gomega.Ω(reply.Status).Should(gomega.Equal("success"))
		gomega.Ω(reply.Apply).Should(gomega.HaveLen(2))
		gomega.Ω(reply.Apply[1].Address).Should(gomega.Equal(bob))
	})
})

var _ = ginkgo.Describe("[Pipelining]", func() {
	ginkgo.It("answers concurrent requests on one connection", func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < 50; i++ {
			g.Go(func() error {
				out, err := ipc.Execute(gctx, &evmds.ExecutionRequest{
					Caller:   alice,
					To:       &counter,
					GasLimit: 100_000,
				})
				if err != nil {
					return err
				}
				// Every request starts from the node's snapshot.
				if got := new(big.Int).SetBytes(out.ReturnData); got.Cmp(big.NewInt(4)) != 0 {
					return fmt.Errorf("counter read %s, want 4", got)
				}
				return nil
			})
		}
		gomega.Ω(g.Wait()).Should(gomega.BeNil())
	})
})

var _ = ginkgo.Describe("[Run]", func() {
	ginkgo.It("runs code passed by the caller", func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		reply, err := cli.Run(ctx, &server.RunArgs{
			Address:  bob,
			Caller:   alice,
			Code:     hexutil.Bytes(increments),
			GasLimit: 100_000,
			Tracing:  true,
		})
		cancel()
		gomega.Ω(err).Should(gomega.BeNil())
		gomega.Ω(reply.Status).Should(gomega.Equal("success"))
		gomega.Ω(reply.ReturnValue).Should(gomega.Equal(hexutil.Bytes(common.BigToHash(common.Big1).Bytes())))
		gomega.Ω(reply.Trace).ShouldNot(gomega.BeEmpty())
	})
})

var _ = ginkgo.Describe("[Failure]", func() {
	ginkgo.It("reports node failures in band", func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		_, err := ipc.Execute(ctx, &evmds.ExecutionRequest{Caller: alice, To: &faulty, GasLimit: 100_000})
		cancel()
		gomega.Ω(err).Should(gomega.MatchError(evmds.ErrRemoteUnavailable))

		ginkgo.By("still serving other requests", func() {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			_, err := ipc.Execute(ctx, transfer())
			cancel()
			gomega.Ω(err).Should(gomega.BeNil())
		})
	})

	ginkgo.It("rejects malformed requests", func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		_, err := ipc.Execute(ctx, &evmds.ExecutionRequest{Caller: alice, To: &bob})
		cancel()
		gomega.Ω(err).Should(gomega.MatchError(evmds.ErrMalformedRequest))
	})
})

var _ = ginkgo.Describe("[Metrics]", func() {
	ginkgo.It("exports dispatcher metrics", func() {
		resp, err := http.Get(httpAddr + "/metrics")
		gomega.Ω(err).Should(gomega.BeNil())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		gomega.Ω(err).Should(gomega.BeNil())
		gomega.Ω(string(body)).Should(gomega.ContainSubstring("dispatcher_completed"))
	})
})
