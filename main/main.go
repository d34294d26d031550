// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	log "github.com/inconshreveable/log15"

	"github.com/Zilliqa/evm-ds/dispatcher"
	"github.com/Zilliqa/evm-ds/evmds"
	"github.com/Zilliqa/evm-ds/executor"
	"github.com/Zilliqa/evm-ds/nodestate"
	"github.com/Zilliqa/evm-ds/server"
)

func main() {
	v, err := getViper(os.Args[1:])
	if err != nil {
		fmt.Printf("couldn't get config: %s\n", err)
		os.Exit(1)
	}
	// Print version and exit
	if v.GetBool(versionKey) {
		fmt.Printf("%s@%s\n", evmds.Name, evmds.Version)
		os.Exit(0)
	}
	cfg, err := parseConfig(v)
	if err != nil {
		fmt.Printf("invalid config: %s\n", err)
		os.Exit(1)
	}

	log.Root().SetHandler(log.LvlFilterHandler(cfg.LogLevel, log.StreamHandler(os.Stderr, log.TerminalFormat())))
	if err := run(cfg); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	errs := wrappers.Errs{}
	errs.Add(
		registry.Register(collectors.NewGoCollector()),
		registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	)
	if errs.Errored() {
		return errs.Err
	}

	node, err := nodestate.New(ctx, nodestate.UnixDialer(cfg.NodeSocket), nodestate.Config{
		Timeout:       cfg.QueryTimeout,
		CodeCacheSize: cfg.CodeCacheSize,
		MaxFrameSize:  cfg.MaxFrameSize,
	}, registry)
	if err != nil {
		return fmt.Errorf("connect to node at %s: %w", cfg.NodeSocket, err)
	}
	defer node.Close()

	exec := executor.New(node, executor.Config{Fork: cfg.Fork, LogSteps: cfg.Tracing})
	d, err := dispatcher.New(exec, dispatcher.Config{Workers: cfg.Workers}, registry)
	if err != nil {
		return err
	}
	defer d.Close()

	log.Info("starting",
		"version", evmds.Version,
		"fork", cfg.Fork,
		"workers", d.Workers(),
		"node", cfg.NodeSocket,
	)
	srv := server.New(server.Config{
		SocketPath:   cfg.Socket,
		HTTPAddr:     cfg.HTTPAddr(),
		MaxFrameSize: cfg.MaxFrameSize,
	}, d, registry)
	return srv.Run(ctx)
}
