// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

// Package agentrpc is the reference implementation of the build agent RPC protocol.
//
// The dispatcher talks to a build agent over JSON-RPC 2.0.
// The method names, argument order, and response shapes are load-bearing:
// external dispatchers depend on them.
package agentrpc

// ProtocolVersion identifies the revision of the agent RPC protocol
// implemented by this package.
const ProtocolVersion = 1

// Builder status values reported on the wire.
const (
	StatusIdle     = "BuilderStatus.IDLE"
	StatusBuilding = "BuilderStatus.BUILDING"
	StatusWaiting  = "BuilderStatus.WAITING"
	StatusAborted  = "BuilderStatus.ABORTED"

	StatusUnknownSum     = "BuilderStatus.UNKNOWN-SUM"
	StatusUnknownBuilder = "BuilderStatus.UNKNOWN-BUILDER"
)

// Build status values reported on the wire.
const (
	BuildOK             = "BuildStatus.OK"
	BuildDepFail        = "BuildStatus.DEPFAIL"
	BuildPackageFail    = "BuildStatus.PACKAGEFAIL"
	BuildChrootFail     = "BuildStatus.CHROOTFAIL"
	BuildBuilderFail    = "BuildStatus.BUILDERFAIL"
	BuildFailedToUpload = "BuildStatus.FAILEDTOUPLOAD"
)

// EchoMethod is the name of the method that echoes its arguments back.
// [EchoRequest] is used for the request and [EchoResponse] for the response.
const EchoMethod = "echo"

// EchoRequest is the set of parameters for [EchoMethod].
type EchoRequest struct {
	Args []string `json:"args"`
}

// EchoResponse is the result for [EchoMethod].
type EchoResponse struct {
	Args []string `json:"args"`
}

// InfoMethod is the name of the method that describes the agent.
// The request has no parameters
// and [InfoResponse] is used for the response.
const InfoMethod = "info"

// InfoResponse is the result for [InfoMethod].
type InfoResponse struct {
	ProtocolVersion int      `json:"protocolVersion"`
	Methods         []string `json:"methods"`
	Arch            string   `json:"arch"`
	// BuilderTypes lists the build manager types registered on the agent.
	BuilderTypes []string `json:"builders"`
}

// StatusMethod is the name of the method that reports the agent's current state.
// The request has no parameters
// and [StatusResponse] is used for the response.
const StatusMethod = "status"

// StatusResponse is the result for [StatusMethod].
// The populated fields depend on the builder status:
// IDLE carries nothing else;
// BUILDING carries the build ID and a log tail;
// WAITING carries the build status and build ID,
// plus the waiting files for file-bearing build statuses
// (OK, PACKAGEFAIL, and DEPFAIL);
// ABORTED carries the build ID only.
type StatusResponse struct {
	BuilderStatus string `json:"builderStatus"`
	BuildStatus   string `json:"buildStatus,omitzero"`
	BuildID       string `json:"buildID,omitzero"`
	LogTail       string `json:"logtail,omitzero"`
	// WaitingFiles maps artifact names to SHA-1 digests.
	WaitingFiles map[string]string `json:"waitingFiles,omitzero"`
}

// FetchLogTailMethod is the name of the method that returns the tail of the build log.
// [FetchLogTailRequest] is used for the request
// and [FetchLogTailResponse] for the response.
const FetchLogTailMethod = "fetchlogtail"

// FetchLogTailRequest is the set of parameters for [FetchLogTailMethod].
type FetchLogTailRequest struct {
	// Amount is the maximum number of bytes to return.
	// Zero, negative, or omitted requests the entire log.
	Amount int64 `json:"amount"`
}

// FetchLogTailResponse is the result for [FetchLogTailMethod].
type FetchLogTailResponse struct {
	Log string `json:"log"`
}

// DoYouHaveMethod is the name of the method that checks
// whether the agent's file cache holds a file.
// [DoYouHaveRequest] is used for the request
// and [DoYouHaveResponse] for the response.
const DoYouHaveMethod = "doyouhave"

// DoYouHaveRequest is the set of parameters for [DoYouHaveMethod].
type DoYouHaveRequest struct {
	SHA1 string `json:"sha1"`
	// Alias optionally names the file in the remote content store
	// so the agent can fetch it on a cache miss.
	Alias string `json:"alias,omitzero"`
}

// DoYouHaveResponse is the result for [DoYouHaveMethod].
type DoYouHaveResponse struct {
	Present bool `json:"present"`
}

// StoreFileMethod is the name of the method that stores a file
// in the agent's cache.
// [StoreFileRequest] is used for the request
// and [StoreFileResponse] for the response.
const StoreFileMethod = "storefile"

// StoreFileRequest is the set of parameters for [StoreFileMethod].
type StoreFileRequest struct {
	Content []byte `json:"content"`
}

// StoreFileResponse is the result for [StoreFileMethod].
type StoreFileResponse struct {
	SHA1 string `json:"sha1"`
}

// FetchFileMethod is the name of the method that retrieves a file
// from the agent's cache.
// [FetchFileRequest] is used for the request
// and [FetchFileResponse] for the response.
const FetchFileMethod = "fetchfile"

// FetchFileRequest is the set of parameters for [FetchFileMethod].
type FetchFileRequest struct {
	SHA1 string `json:"sha1"`
}

// FetchFileResponse is the result for [FetchFileMethod].
type FetchFileResponse struct {
	Content []byte `json:"content"`
}

// AbortMethod is the name of the method that aborts the build in progress.
// The request has no parameters
// and [AbortResponse] is used for the response.
const AbortMethod = "abort"

// AbortResponse is the result for [AbortMethod].
type AbortResponse struct {
	BuilderStatus string `json:"builderStatus"`
}

// CleanMethod is the name of the method that removes the finished build's
// waiting files and resets the agent to idle.
// The request has no parameters
// and [CleanResponse] is used for the response.
const CleanMethod = "clean"

// CleanResponse is the result for [CleanMethod].
type CleanResponse struct {
	BuilderStatus string `json:"builderStatus"`
}

// StartBuildMethod is the name of the method that starts a build.
// [StartBuildRequest] is used for the request
// and [StartBuildResponse] for the response.
const StartBuildMethod = "startbuild"

// StartBuildRequest is the set of parameters for [StartBuildMethod].
type StartBuildRequest struct {
	BuildID string `json:"buildID"`
	// Files maps input file names to SHA-1 digests
	// that must already be present in the agent's cache.
	Files map[string]string `json:"files"`
	// ChrootSHA1 is the digest of the chroot tarball to build in.
	ChrootSHA1 string `json:"chrootSHA1"`
	// BuilderType selects the registered build manager.
	BuilderType string `json:"builderType"`
}

// StartBuildResponse is the result for [StartBuildMethod].
// BuilderStatus is BUILDING on success,
// UNKNOWN-BUILDER for an unregistered builder type,
// or UNKNOWN-SUM when a digest is missing from the cache,
// in which case MissingSum holds the first missing digest.
type StartBuildResponse struct {
	BuilderStatus string `json:"builderStatus"`
	MissingSum    string `json:"missingSum,omitzero"`
}

// Methods lists the method names in the agent RPC surface.
func Methods() []string {
	return []string{
		InfoMethod, StatusMethod, FetchLogTailMethod, DoYouHaveMethod,
		StoreFileMethod, FetchFileMethod, AbortMethod, CleanMethod,
		StartBuildMethod, EchoMethod,
	}
}
