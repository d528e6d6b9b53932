// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package agent

import (
	"context"
	"errors"
	"fmt"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/oakmere/buildfarm/internal/agentrpc"
	"github.com/oakmere/buildfarm/internal/filecache"
	"github.com/oakmere/buildfarm/internal/jsonrpc"
	"zombiezen.com/go/log"
)

// buildingLogTailSize is how much of the log accompanies a BUILDING status.
const buildingLogTailSize = 1024

// Server exposes a [Builder] over the agent RPC protocol.
// It implements [jsonrpc.Handler].
type Server struct {
	b   *Builder
	mux jsonrpc.ServeMux
}

// NewServer returns a [Server] for the given builder.
func NewServer(b *Builder) *Server {
	srv := &Server{b: b}
	srv.mux = jsonrpc.ServeMux{
		agentrpc.EchoMethod:         jsonrpc.HandlerFunc(srv.echo),
		agentrpc.InfoMethod:         jsonrpc.HandlerFunc(srv.info),
		agentrpc.StatusMethod:       jsonrpc.HandlerFunc(srv.status),
		agentrpc.FetchLogTailMethod: jsonrpc.HandlerFunc(srv.fetchLogTail),
		agentrpc.DoYouHaveMethod:    jsonrpc.HandlerFunc(srv.doYouHave),
		agentrpc.StoreFileMethod:    jsonrpc.HandlerFunc(srv.storeFile),
		agentrpc.FetchFileMethod:    jsonrpc.HandlerFunc(srv.fetchFile),
		agentrpc.AbortMethod:        jsonrpc.HandlerFunc(srv.abort),
		agentrpc.CleanMethod:        jsonrpc.HandlerFunc(srv.clean),
		agentrpc.StartBuildMethod:   jsonrpc.HandlerFunc(srv.startBuild),
	}
	return srv
}

// JSONRPC implements [jsonrpc.Handler].
func (s *Server) JSONRPC(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return s.mux.JSONRPC(ctx, req)
}

func marshalResponse(v any) (*jsonrpc.Response, error) {
	result, err := jsonv2.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %v", err)
	}
	return &jsonrpc.Response{Result: result}, nil
}

func unmarshalParams(req *jsonrpc.Request, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := jsonv2.Unmarshal(req.Params, v); err != nil {
		return jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	return nil
}

// stateError maps state machine violations to RPC errors.
func stateError(err error) error {
	var ill *IllegalStateError
	if errors.As(err, &ill) {
		return jsonrpc.Error(jsonrpc.InvalidRequest, err)
	}
	return err
}

func (s *Server) echo(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args agentrpc.EchoRequest
	if err := unmarshalParams(req, &args); err != nil {
		return nil, err
	}
	return marshalResponse(&agentrpc.EchoResponse{Args: args.Args})
}

func (s *Server) info(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return marshalResponse(&agentrpc.InfoResponse{
		ProtocolVersion: agentrpc.ProtocolVersion,
		Methods:         agentrpc.Methods(),
		Arch:            s.b.Arch(),
		BuilderTypes:    s.b.BuilderTypes(),
	})
}

func (s *Server) status(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	st := s.b.State()
	resp := &agentrpc.StatusResponse{BuilderStatus: st.Status.WireString()}
	switch st.Status {
	case Building:
		resp.BuildID = st.BuildID
		resp.LogTail = s.b.LogTail(buildingLogTailSize)
	case Waiting:
		resp.BuildStatus = string(st.BuildStatus)
		resp.BuildID = st.BuildID
		if fileBearing(st.BuildStatus) {
			resp.WaitingFiles = st.WaitingFiles
			if resp.WaitingFiles == nil {
				resp.WaitingFiles = map[string]string{}
			}
		}
	case Aborted:
		resp.BuildID = st.BuildID
	}
	return marshalResponse(resp)
}

func (s *Server) fetchLogTail(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args agentrpc.FetchLogTailRequest
	if err := unmarshalParams(req, &args); err != nil {
		return nil, err
	}
	if args.Amount == 0 {
		args.Amount = -1
	}
	return marshalResponse(&agentrpc.FetchLogTailResponse{Log: s.b.LogTail(args.Amount)})
}

func (s *Server) doYouHave(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args agentrpc.DoYouHaveRequest
	if err := unmarshalParams(req, &args); err != nil {
		return nil, err
	}
	d, err := filecache.ParseDigest(args.SHA1)
	if err != nil {
		return marshalResponse(&agentrpc.DoYouHaveResponse{Present: false})
	}
	present, err := s.b.Cache().Contains(ctx, d, args.Alias)
	if err != nil {
		log.Warnf(ctx, "doyouhave %s: %v", d, err)
		present = false
	}
	return marshalResponse(&agentrpc.DoYouHaveResponse{Present: present})
}

func (s *Server) storeFile(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args agentrpc.StoreFileRequest
	if err := unmarshalParams(req, &args); err != nil {
		return nil, err
	}
	d, err := s.b.Cache().Store(args.Content)
	if err != nil {
		return nil, err
	}
	return marshalResponse(&agentrpc.StoreFileResponse{SHA1: string(d)})
}

func (s *Server) fetchFile(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args agentrpc.FetchFileRequest
	if err := unmarshalParams(req, &args); err != nil {
		return nil, err
	}
	d, err := filecache.ParseDigest(args.SHA1)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	content, err := s.b.Cache().Fetch(d)
	var unknown *filecache.UnknownDigestError
	if errors.As(err, &unknown) {
		return nil, jsonrpc.Error(jsonrpc.UnknownErrorCode, err)
	}
	if err != nil {
		return nil, err
	}
	return marshalResponse(&agentrpc.FetchFileResponse{Content: content})
}

func (s *Server) abort(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if err := s.b.Abort(ctx); err != nil {
		return nil, stateError(err)
	}
	return marshalResponse(&agentrpc.AbortResponse{BuilderStatus: s.b.State().Status.WireString()})
}

func (s *Server) clean(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if err := s.b.Clean(ctx); err != nil {
		return nil, stateError(err)
	}
	return marshalResponse(&agentrpc.CleanResponse{BuilderStatus: s.b.State().Status.WireString()})
}

func (s *Server) startBuild(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args agentrpc.StartBuildRequest
	if err := unmarshalParams(req, &args); err != nil {
		return nil, err
	}
	err := s.b.StartBuild(ctx, &BuildRequest{
		BuildID:     args.BuildID,
		Files:       args.Files,
		ChrootSHA1:  args.ChrootSHA1,
		BuilderType: args.BuilderType,
	})
	var unknownBuilder *UnknownBuilderError
	var unknownSum *filecache.UnknownDigestError
	switch {
	case err == nil:
		return marshalResponse(&agentrpc.StartBuildResponse{BuilderStatus: agentrpc.StatusBuilding})
	case errors.As(err, &unknownBuilder):
		return marshalResponse(&agentrpc.StartBuildResponse{BuilderStatus: agentrpc.StatusUnknownBuilder})
	case errors.As(err, &unknownSum):
		return marshalResponse(&agentrpc.StartBuildResponse{
			BuilderStatus: agentrpc.StatusUnknownSum,
			MissingSum:    string(unknownSum.Digest),
		})
	case errors.Is(err, ErrInvalidBuildID):
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	default:
		return nil, stateError(err)
	}
}
