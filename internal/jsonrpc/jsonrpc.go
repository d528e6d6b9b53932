// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

// Package jsonrpc provides a stream-based implementation of the JSON-RPC 2.0
// specification, framed in the manner of the Language Server Protocol.
package jsonrpc

import (
	"context"
	"errors"
	"fmt"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Request represents a parsed [JSON-RPC request].
//
// [JSON-RPC request]: https://www.jsonrpc.org/specification#request_object
type Request struct {
	// Method is the name of the method to be invoked.
	Method string
	// Params is the raw JSON of the parameters.
	// If len(Params) == 0, the parameters are omitted on the wire.
	// Otherwise, Params must hold a valid JSON array or object.
	Params jsontext.Value
	// Notification is true if the caller does not want a response.
	Notification bool
}

// Response represents a parsed [JSON-RPC response].
//
// [JSON-RPC response]: https://www.jsonrpc.org/specification#response_object
type Response struct {
	// Result is the raw JSON result of invoking the method.
	Result jsontext.Value
}

// A type that implements Handler responds to JSON-RPC requests.
// Implementations of JSONRPC must be safe to call
// from multiple goroutines concurrently.
type Handler interface {
	JSONRPC(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc is a function that implements [Handler].
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// JSONRPC calls f.
func (f HandlerFunc) JSONRPC(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ServeMux is a mapping of method names to JSON-RPC handlers.
type ServeMux map[string]Handler

// JSONRPC calls the handler that corresponds to the request's method
// or returns a [MethodNotFound] error if no such handler is present.
func (mux ServeMux) JSONRPC(ctx context.Context, req *Request) (*Response, error) {
	h := mux[req.Method]
	if h == nil {
		return nil, Error(MethodNotFound, fmt.Errorf("method %q not found", req.Method))
	}
	return h.JSONRPC(ctx, req)
}

// Do makes a single call on a handler,
// marshaling params and unmarshaling the response's result.
// Either params or result may be nil.
func Do(ctx context.Context, h Handler, method string, result, params any) error {
	req := &Request{Method: method}
	if params != nil {
		rawParams, err := jsonv2.Marshal(params)
		if err != nil {
			return fmt.Errorf("call json rpc %s: marshal params: %v", method, err)
		}
		req.Params = rawParams
	}
	resp, err := h.JSONRPC(ctx, req)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := jsonv2.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("call json rpc %s: unmarshal result: %v", method, err)
	}
	return nil
}

// Notify sends a notification on a handler,
// ignoring any response.
func Notify(ctx context.Context, h Handler, method string, params any) error {
	req := &Request{Method: method, Notification: true}
	if params != nil {
		rawParams, err := jsonv2.Marshal(params)
		if err != nil {
			return fmt.Errorf("notify json rpc %s: marshal params: %v", method, err)
		}
		req.Params = rawParams
	}
	_, err := h.JSONRPC(ctx, req)
	return err
}

// ErrorCode is a number that indicates the type of error
// that occurred during a JSON-RPC.
type ErrorCode int

// Error codes defined in JSON-RPC 2.0.
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
)

// Error codes this package uses beyond the JSON-RPC 2.0 set.
const (
	UnknownErrorCode ErrorCode = -32001
	RequestCancelled ErrorCode = -32800
)

type codeError struct {
	code ErrorCode
	err  error
}

// Error returns a new error that wraps err
// and will report the given code from [CodeFromError].
// Error panics if err is nil.
func Error(code ErrorCode, err error) error {
	if err == nil {
		panic("jsonrpc.Error called with nil error")
	}
	return &codeError{code: code, err: err}
}

func (e *codeError) Error() string { return e.err.Error() }
func (e *codeError) Unwrap() error { return e.err }

// CodeFromError returns the error's [ErrorCode],
// if one has been assigned with [Error].
// Context cancellation and deadline errors report [RequestCancelled].
func CodeFromError(err error) (_ ErrorCode, ok bool) {
	if err == nil {
		return 0, false
	}
	if e := (*codeError)(nil); errors.As(err, &e) {
		return e.code, true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return RequestCancelled, true
	}
	return 0, false
}
