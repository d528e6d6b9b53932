// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package agentrpc

import (
	"io"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/oakmere/buildfarm/internal/jsonrpc"
)

// rpcContentType is the MIME media type for build agent RPC messages.
const rpcContentType = "application/buildfarm-rpc+json"

// maxMessageSize bounds a single RPC message.
// storefile embeds file contents in the message,
// so this also bounds the size of a transferable file.
const maxMessageSize = 64 << 20 // 64 MiB

// Codec implements [jsonrpc.ServerCodec] and [jsonrpc.ClientCodec]
// on an [io.ReadWriteCloser]
// using Content-Length framing.
// A Codec must only be used as a ServerCodec or as a ClientCodec, not both.
type Codec struct {
	r *jsonrpc.Reader
	w *jsonrpc.Writer
	c io.Closer
}

// NewCodec returns a new [Codec] that uses the given connection.
func NewCodec(rwc io.ReadWriteCloser) *Codec {
	return &Codec{
		r: jsonrpc.NewReader(rwc, maxMessageSize),
		w: jsonrpc.NewWriter(rwc),
		c: rwc,
	}
}

// ReadRequest implements [jsonrpc.ServerCodec].
func (c *Codec) ReadRequest() (jsontext.Value, error) {
	_, body, err := c.r.ReadMessage()
	return body, err
}

// ReadResponse implements [jsonrpc.ClientCodec].
func (c *Codec) ReadResponse() (jsontext.Value, error) {
	_, body, err := c.r.ReadMessage()
	return body, err
}

// WriteRequest implements [jsonrpc.ClientCodec].
func (c *Codec) WriteRequest(request jsontext.Value) error {
	return c.write(request)
}

// WriteResponse implements [jsonrpc.ServerCodec].
func (c *Codec) WriteResponse(response jsontext.Value) error {
	return c.write(response)
}

func (c *Codec) write(msg jsontext.Value) error {
	header := jsonrpc.Header{}
	header.Set("Content-Type", rpcContentType)
	return c.w.WriteMessage(header, msg)
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.c.Close()
}
