// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package jsonrpc

import (
	"context"
	"fmt"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// ServerCodec represents a single connection from a server to a client.
// ReadRequest and WriteResponse must be safe to call concurrently with each other,
// but [Serve] guarantees that it will never make multiple concurrent ReadRequest calls
// nor multiple concurrent WriteResponse calls.
type ServerCodec interface {
	ReadRequest() (jsontext.Value, error)
	WriteResponse(response jsontext.Value) error
}

// Serve serves JSON-RPC requests for a connection.
// Serve reads requests from the codec until ReadRequest returns an error,
// which Serve returns once all in-flight requests have completed.
// Each request is handled on its own goroutine.
func Serve(ctx context.Context, codec ServerCodec, handler Handler) error {
	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		content, err := codec.ReadRequest()
		if err != nil {
			return err
		}

		req := new(wireRequest)
		if err := jsonv2.Unmarshal(content, req); err != nil {
			writeResponse(codec, &writeMu, nil, nil, Error(ParseError, err))
			continue
		}
		if req.Version != "2.0" {
			writeResponse(codec, &writeMu, req.ID, nil, Error(InvalidRequest, fmt.Errorf("jsonrpc version %q not supported", req.Version)))
			continue
		}
		if req.Method == "" {
			writeResponse(codec, &writeMu, req.ID, nil, Error(InvalidRequest, fmt.Errorf("jsonrpc method missing in request")))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := handler.JSONRPC(ctx, &Request{
				Method:       req.Method,
				Params:       req.Params,
				Notification: len(req.ID) == 0,
			})
			if len(req.ID) == 0 {
				// Notifications do not receive a response.
				return
			}
			var result jsontext.Value
			if resp != nil {
				result = resp.Result
			}
			writeResponse(codec, &writeMu, req.ID, result, err)
		}()
	}
}

func writeResponse(codec ServerCodec, writeMu *sync.Mutex, id jsontext.Value, result jsontext.Value, handlerError error) error {
	if len(id) == 0 {
		id = jsontext.Value("null")
	}
	resp := &wireResponse{
		Version: "2.0",
		ID:      id,
	}
	if handlerError != nil {
		code, ok := CodeFromError(handlerError)
		if !ok {
			code = UnknownErrorCode
		}
		resp.Error = &wireError{Code: code, Message: handlerError.Error()}
	} else if len(result) > 0 {
		resp.Result = result
	} else {
		resp.Result = jsontext.Value("null")
	}
	msg, err := jsonv2.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal json-rpc response: %v", err)
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	return codec.WriteResponse(msg)
}
