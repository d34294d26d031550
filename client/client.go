// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package client talks to a running evm-ds server.
package client

import (
	"context"

	"github.com/ava-labs/avalanchego/api"
	"github.com/ava-labs/avalanchego/utils/rpc"

	"github.com/Zilliqa/evm-ds/server"
)

// Client defines the debug API operations.
type Client interface {
	// Run executes code as if deployed at an address
	Run(ctx context.Context, args *server.RunArgs) (*server.ExecutionReply, error)

	// Execute runs a full execution request
	Execute(ctx context.Context, args *server.ExecuteArgs) (*server.ExecutionReply, error)

	// Version returns the server version
	Version(ctx context.Context) (string, error)

	// Die stops the server
	Die(ctx context.Context) error
}

// New creates a new client object for the server at uri.
func New(uri string) Client {
	req := rpc.NewEndpointRequester(uri, "", server.ServiceName)
	return &client{req: req}
}

type client struct {
	req rpc.EndpointRequester
}

func (cli *client) Run(ctx context.Context, args *server.RunArgs) (*server.ExecutionReply, error) {
	resp := new(server.ExecutionReply)
	if err := cli.req.SendRequest(ctx, "run", args, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (cli *client) Execute(ctx context.Context, args *server.ExecuteArgs) (*server.ExecutionReply, error) {
	resp := new(server.ExecutionReply)
	if err := cli.req.SendRequest(ctx, "execute", args, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (cli *client) Version(ctx context.Context) (string, error) {
	resp := new(server.VersionReply)
	if err := cli.req.SendRequest(ctx, "version", struct{}{}, resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (cli *client) Die(ctx context.Context) error {
	return cli.req.SendRequest(ctx, "die", struct{}{}, &api.SuccessResponse{})
}
