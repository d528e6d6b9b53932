// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"zombiezen.com/go/log"
)

// ClientCodec represents a single connection from a client to a server.
// WriteRequest and ReadResponse must be safe to call concurrently with each other,
// but [Client] guarantees that it will never make multiple concurrent WriteRequest calls
// nor multiple concurrent ReadResponse calls.
//
// Close may be called concurrently with WriteRequest or ReadResponse:
// doing so should interrupt either call and cause it to return an error.
type ClientCodec interface {
	WriteRequest(request jsontext.Value) error
	ReadResponse() (jsontext.Value, error)
	Close() error
}

// OpenFunc opens a connection for a [Client].
type OpenFunc func(ctx context.Context) (ClientCodec, error)

// A Client is a JSON-RPC client that dials lazily
// and re-dials after a connection fault on the next call.
// Methods on Client are safe to call from multiple goroutines concurrently.
type Client struct {
	open OpenFunc

	mu      sync.Mutex
	conn    ClientCodec
	pending map[int64]chan<- *wireResponse
	nextID  int64
	closed  bool
}

// NewClient returns a new [Client] that opens connections using the given function.
// The caller is responsible for calling [Client.Close]
// when the Client is no longer in use.
func NewClient(open OpenFunc) *Client {
	return &Client{
		open:    open,
		pending: make(map[int64]chan<- *wireResponse),
		nextID:  1,
	}
}

// Close closes the client connection.
// Any calls in flight fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.failPendingLocked()
	return err
}

// JSONRPC implements [Handler] by sending a request to the server.
func (c *Client) JSONRPC(ctx context.Context, req *Request) (*Response, error) {
	if !isValidParamStruct(req.Params) {
		return nil, Error(InvalidRequest, fmt.Errorf("call json rpc %s: params must be an object or an array", req.Method))
	}

	wire := &wireRequest{
		Version: "2.0",
		Method:  req.Method,
		Params:  req.Params,
	}
	var response <-chan *wireResponse
	var id int64

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("call json rpc %s: client closed", req.Method)
	}
	conn, err := c.connLocked(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("call json rpc %s: %w", req.Method, err)
	}
	if !req.Notification {
		id = c.nextID
		c.nextID++
		wire.ID = jsontext.Value(strconv.AppendInt(nil, id, 10))
		ch := make(chan *wireResponse, 1)
		c.pending[id] = ch
		response = ch
	}
	msg, err := jsonv2.Marshal(wire)
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("call json rpc %s: marshal request: %v", req.Method, err)
	}
	if err := conn.WriteRequest(msg); err != nil {
		c.dropConnLocked(conn)
		c.mu.Unlock()
		return nil, fmt.Errorf("call json rpc %s: %w", req.Method, err)
	}
	c.mu.Unlock()

	if req.Notification {
		return nil, nil
	}
	select {
	case resp := <-response:
		if resp == nil {
			return nil, fmt.Errorf("call json rpc %s: connection interrupted", req.Method)
		}
		return resp.toResponse(req.Method)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("call json rpc %s: %w", req.Method, ctx.Err())
	}
}

// connLocked returns the active connection,
// dialing a new one if necessary.
func (c *Client) connLocked(ctx context.Context) (ClientCodec, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	log.Debugf(ctx, "Opening new JSON-RPC connection...")
	conn, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn ClientCodec) {
	ctx := context.Background()
	for {
		msg, err := conn.ReadResponse()
		if err != nil {
			log.Debugf(ctx, "JSON-RPC connection closed: %v", err)
			c.mu.Lock()
			c.dropConnLocked(conn)
			c.mu.Unlock()
			return
		}
		resp := new(wireResponse)
		if err := jsonv2.Unmarshal(msg, resp); err != nil {
			log.Warnf(ctx, "JSON-RPC server sent invalid response: %v", err)
			continue
		}
		id, err := strconv.ParseInt(string(resp.ID), 10, 64)
		if err != nil {
			// We only make numeric IDs.
			continue
		}
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

// dropConnLocked discards conn
// and informs pending calls that no response will come.
// It is a no-op if conn is no longer the active connection.
func (c *Client) dropConnLocked(conn ClientCodec) {
	if c.conn != conn {
		return
	}
	conn.Close()
	c.conn = nil
	c.failPendingLocked()
}

func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- nil
	}
}

type wireRequest struct {
	Version string         `json:"jsonrpc"`
	ID      jsontext.Value `json:"id,omitzero"`
	Method  string         `json:"method"`
	Params  jsontext.Value `json:"params,omitzero"`
}

type wireResponse struct {
	Version string         `json:"jsonrpc"`
	ID      jsontext.Value `json:"id,omitzero"`
	Result  jsontext.Value `json:"result,omitzero"`
	Error   *wireError     `json:"error,omitzero"`
}

type wireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (resp *wireResponse) toResponse(method string) (*Response, error) {
	if resp.Version != "2.0" {
		return nil, fmt.Errorf("call json rpc %s: jsonrpc version %q not supported", method, resp.Version)
	}
	switch {
	case resp.Error != nil:
		var err error
		if resp.Error.Message != "" {
			err = Error(resp.Error.Code, errors.New(resp.Error.Message))
		} else {
			err = Error(resp.Error.Code, fmt.Errorf("jsonrpc error %d", resp.Error.Code))
		}
		return nil, fmt.Errorf("call json rpc %s: %w", method, err)
	case len(resp.Result) == 0:
		return nil, fmt.Errorf("call json rpc %s: response contains neither result nor error", method)
	default:
		return &Response{Result: resp.Result}, nil
	}
}

func isValidParamStruct(msg jsontext.Value) bool {
	if len(msg) == 0 {
		// Omitted is fine.
		return true
	}
	return msg[0] == '{' && msg[len(msg)-1] == '}' ||
		msg[0] == '[' && msg[len(msg)-1] == ']'
}
