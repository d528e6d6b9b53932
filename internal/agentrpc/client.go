// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package agentrpc

import (
	"context"
	"net"

	"github.com/oakmere/buildfarm/internal/jsonrpc"
	"zombiezen.com/go/xcontext"
)

// Client makes typed calls on a build agent's RPC surface.
// Handler is typically a [*jsonrpc.Client],
// but any [jsonrpc.Handler] works,
// which lets tests call an agent in-process.
type Client struct {
	Handler jsonrpc.Handler
}

// Dial returns a [*Client] that connects to the Unix socket at path.
// The connection is closed when ctx is done.
func Dial(ctx context.Context, path string) *Client {
	return &Client{
		Handler: jsonrpc.NewClient(func(openCtx context.Context) (jsonrpc.ClientCodec, error) {
			conn, err := (&net.Dialer{}).DialContext(openCtx, "unix", path)
			if err != nil {
				return nil, err
			}
			codec := NewCodec(conn)
			xcontext.CloseWhenDone(ctx, codec)
			return codec, nil
		}),
	}
}

// Close releases the client's connection
// if Handler is a [*jsonrpc.Client].
func (c *Client) Close() error {
	if cl, ok := c.Handler.(*jsonrpc.Client); ok {
		return cl.Close()
	}
	return nil
}

// Echo calls [EchoMethod].
func (c *Client) Echo(ctx context.Context, args []string) ([]string, error) {
	resp := new(EchoResponse)
	if err := jsonrpc.Do(ctx, c.Handler, EchoMethod, resp, &EchoRequest{Args: args}); err != nil {
		return nil, err
	}
	return resp.Args, nil
}

// Info calls [InfoMethod].
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	resp := new(InfoResponse)
	if err := jsonrpc.Do(ctx, c.Handler, InfoMethod, resp, nil); err != nil {
		return nil, err
	}
	return resp, nil
}

// Status calls [StatusMethod].
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp := new(StatusResponse)
	if err := jsonrpc.Do(ctx, c.Handler, StatusMethod, resp, nil); err != nil {
		return nil, err
	}
	return resp, nil
}

// FetchLogTail calls [FetchLogTailMethod].
func (c *Client) FetchLogTail(ctx context.Context, amount int64) (string, error) {
	resp := new(FetchLogTailResponse)
	if err := jsonrpc.Do(ctx, c.Handler, FetchLogTailMethod, resp, &FetchLogTailRequest{Amount: amount}); err != nil {
		return "", err
	}
	return resp.Log, nil
}

// DoYouHave calls [DoYouHaveMethod].
func (c *Client) DoYouHave(ctx context.Context, sha1, alias string) (bool, error) {
	resp := new(DoYouHaveResponse)
	if err := jsonrpc.Do(ctx, c.Handler, DoYouHaveMethod, resp, &DoYouHaveRequest{SHA1: sha1, Alias: alias}); err != nil {
		return false, err
	}
	return resp.Present, nil
}

// StoreFile calls [StoreFileMethod].
func (c *Client) StoreFile(ctx context.Context, content []byte) (string, error) {
	resp := new(StoreFileResponse)
	if err := jsonrpc.Do(ctx, c.Handler, StoreFileMethod, resp, &StoreFileRequest{Content: content}); err != nil {
		return "", err
	}
	return resp.SHA1, nil
}

// FetchFile calls [FetchFileMethod].
func (c *Client) FetchFile(ctx context.Context, sha1 string) ([]byte, error) {
	resp := new(FetchFileResponse)
	if err := jsonrpc.Do(ctx, c.Handler, FetchFileMethod, resp, &FetchFileRequest{SHA1: sha1}); err != nil {
		return nil, err
	}
	return resp.Content, nil
}

// Abort calls [AbortMethod].
func (c *Client) Abort(ctx context.Context) (*AbortResponse, error) {
	resp := new(AbortResponse)
	if err := jsonrpc.Do(ctx, c.Handler, AbortMethod, resp, nil); err != nil {
		return nil, err
	}
	return resp, nil
}

// Clean calls [CleanMethod].
func (c *Client) Clean(ctx context.Context) (*CleanResponse, error) {
	resp := new(CleanResponse)
	if err := jsonrpc.Do(ctx, c.Handler, CleanMethod, resp, nil); err != nil {
		return nil, err
	}
	return resp, nil
}

// StartBuild calls [StartBuildMethod].
func (c *Client) StartBuild(ctx context.Context, req *StartBuildRequest) (*StartBuildResponse, error) {
	resp := new(StartBuildResponse)
	if err := jsonrpc.Do(ctx, c.Handler, StartBuildMethod, resp, req); err != nil {
		return nil, err
	}
	return resp, nil
}
