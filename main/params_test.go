// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log "github.com/inconshreveable/log15"

	"github.com/Zilliqa/evm-ds/executor"
)

func config(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	v, err := getViper(args)
	require.NoError(t, err)
	return parseConfig(v)
}

func TestDefaults(t *testing.T) {
	assert := assert.New(t)
	cfg, err := config(t)
	require.NoError(t, err)
	assert.Equal("/tmp/evm-server.sock", cfg.Socket)
	assert.Equal("/tmp/zilliqa.sock", cfg.NodeSocket)
	assert.Equal("127.0.0.1:3333", cfg.HTTPAddr())
	assert.Equal(log.LvlInfo, cfg.LogLevel)
	assert.Equal(executor.London, cfg.Fork)
	assert.Equal(5*time.Second, cfg.QueryTimeout)
	assert.False(cfg.Tracing)
}

func TestFlagsOverride(t *testing.T) {
	assert := assert.New(t)
	cfg, err := config(t,
		"--socket=/run/evm.sock",
		"--http-port=4000",
		"--fork=cancun",
		"--workers=3",
		"--query-timeout=250ms",
		"--tracing",
	)
	require.NoError(t, err)
	assert.Equal("/run/evm.sock", cfg.Socket)
	assert.Equal(uint16(4000), cfg.HTTPPort)
	assert.Equal(executor.Cancun, cfg.Fork)
	assert.Equal(3, cfg.Workers)
	assert.Equal(250*time.Millisecond, cfg.QueryTimeout)
	assert.True(cfg.Tracing)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("EVM_LOG", "debug")
	t.Setenv("EVM_NODE_SOCKET", "/run/node.sock")
	cfg, err := config(t)
	require.NoError(t, err)
	assert.Equal(t, log.LvlDebug, cfg.LogLevel)
	assert.Equal(t, "/run/node.sock", cfg.NodeSocket)
}

func TestConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "evm-ds.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"fork": "shanghai", "workers": 7}`), 0o600))

	cfg, err := config(t, "--config-file="+file, "--workers=2")
	require.NoError(t, err)
	assert.Equal(t, executor.Shanghai, cfg.Fork)
	assert.Equal(t, 2, cfg.Workers)
}

func TestInvalidValues(t *testing.T) {
	_, err := config(t, "--fork=frontier")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frontier")

	_, err = config(t, "--http-port=70000")
	assert.Error(t, err)
}

func TestVersionFlag(t *testing.T) {
	v, err := getViper([]string{"--version"})
	require.NoError(t, err)
	assert.True(t, v.GetBool(versionKey))
}
