// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	log "github.com/inconshreveable/log15"

	"github.com/Zilliqa/evm-ds/evmds"
	"github.com/Zilliqa/evm-ds/executor"
	"github.com/Zilliqa/evm-ds/nodestate"
	"github.com/Zilliqa/evm-ds/wire"
)

const (
	socketKey        = "socket"
	nodeSocketKey    = "node-socket"
	httpPortKey      = "http-port"
	tracingKey       = "tracing"
	logLevelKey      = "log-level"
	workersKey       = "workers"
	queryTimeoutKey  = "query-timeout"
	forkKey          = "fork"
	codeCacheSizeKey = "code-cache-size"
	maxFrameSizeKey  = "max-frame-size"
	versionKey       = "version"
	configFileKey    = "config-file"

	envPrefix = "EVM"
)

func buildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(evmds.Name, flag.ContinueOnError)

	fs.String(socketKey, "/tmp/evm-server.sock", "Unix socket execution requests arrive on")
	fs.String(nodeSocketKey, "/tmp/zilliqa.sock", "Unix socket of the node answering state queries")
	fs.Uint(httpPortKey, 3333, "Port of the debug JSON-RPC endpoint on 127.0.0.1")
	fs.Bool(tracingKey, false, "If true, logs every interpreter step at debug level")
	fs.String(logLevelKey, "info", "Log level (crit, error, warn, info, debug)")
	fs.Int(workersKey, 0, "Requests executing at once, 0 for one per CPU")
	fs.Duration(queryTimeoutKey, nodestate.DefaultTimeout, "Timeout of a single node query")
	fs.String(forkKey, executor.London.String(), "Rule set executions run under (london, shanghai, cancun)")
	fs.Int(codeCacheSizeKey, nodestate.DefaultCodeCacheSize, "Number of contract codes cached by hash")
	fs.Uint(maxFrameSizeKey, wire.DefaultMaxFrameSize, "Largest accepted frame payload in bytes")
	fs.Bool(versionKey, false, "If true, prints version and quit")
	fs.String(configFileKey, "", "Optional config file; flags and environment take precedence")

	return fs
}

// getViper returns the viper environment for the server binary
func getViper(args []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(logLevelKey, "EVM_LOG_LEVEL", "EVM_LOG"); err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet(evmds.Name, pflag.ContinueOnError)
	fs.AddGoFlagSet(buildFlagSet())
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	if file := v.GetString(configFileKey); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return v, nil
}

// Config is the server configuration after flags, environment and the
// config file have been merged.
type Config struct {
	Socket        string
	NodeSocket    string
	HTTPPort      uint16
	Tracing       bool
	LogLevel      log.Lvl
	Workers       int
	QueryTimeout  time.Duration
	Fork          executor.Fork
	CodeCacheSize int
	MaxFrameSize  uint32
}

// HTTPAddr is where the debug endpoint listens.
func (c Config) HTTPAddr() string { return fmt.Sprintf("127.0.0.1:%d", c.HTTPPort) }

func parseConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Socket:        v.GetString(socketKey),
		NodeSocket:    v.GetString(nodeSocketKey),
		Tracing:       v.GetBool(tracingKey),
		Workers:       v.GetInt(workersKey),
		QueryTimeout:  v.GetDuration(queryTimeoutKey),
		CodeCacheSize: v.GetInt(codeCacheSizeKey),
	}

	var (
		err  error
		errs = wrappers.Errs{}
	)
	cfg.LogLevel, err = log.LvlFromString(v.GetString(logLevelKey))
	errs.Add(err)
	cfg.Fork, err = executor.ParseFork(v.GetString(forkKey))
	errs.Add(err)

	port := v.GetUint(httpPortKey)
	if port == 0 || port > 65535 {
		errs.Add(fmt.Errorf("invalid %s %d", httpPortKey, port))
	}
	cfg.HTTPPort = uint16(port)

	frameSize := v.GetUint64(maxFrameSizeKey)
	if frameSize == 0 || frameSize > 1<<31 {
		errs.Add(fmt.Errorf("invalid %s %d", maxFrameSizeKey, frameSize))
	}
	cfg.MaxFrameSize = uint32(frameSize)

	switch {
	case cfg.Socket == "":
		errs.Add(fmt.Errorf("%s must be set", socketKey))
	case cfg.NodeSocket == "":
		errs.Add(fmt.Errorf("%s must be set", nodeSocketKey))
	case cfg.Workers < 0:
		errs.Add(fmt.Errorf("invalid %s %d", workersKey, cfg.Workers))
	case cfg.QueryTimeout <= 0:
		errs.Add(fmt.Errorf("invalid %s %s", queryTimeoutKey, cfg.QueryTimeout))
	}
	return cfg, errs.Err
}
