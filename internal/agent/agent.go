// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

// Package agent implements the build agent:
// a daemon that owns one builder's state machine,
// drives build managers,
// and answers the dispatcher's RPCs.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/oakmere/buildfarm/internal/agentrpc"
	"github.com/oakmere/buildfarm/internal/filecache"
	"github.com/oakmere/buildfarm/internal/xmaps"
	"zombiezen.com/go/log"
)

// Status is a builder's position in its lifecycle.
type Status int

// Builder statuses, in lifecycle order.
// A builder starts Idle,
// moves to Building on a successful start,
// to Waiting when the build manager reports an outcome,
// and back to Idle on clean.
// Aborted is reachable only from Building.
const (
	Idle Status = iota
	Building
	Waiting
	Aborted
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Building:
		return "BUILDING"
	case Waiting:
		return "WAITING"
	case Aborted:
		return "ABORTED"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// WireString returns the protocol representation of s.
func (s Status) WireString() string {
	switch s {
	case Idle:
		return agentrpc.StatusIdle
	case Building:
		return agentrpc.StatusBuilding
	case Waiting:
		return agentrpc.StatusWaiting
	case Aborted:
		return agentrpc.StatusAborted
	default:
		return "BuilderStatus." + s.String()
	}
}

// BuildStatus classifies the outcome of a finished build attempt.
// The values are the wire constants from [agentrpc].
type BuildStatus string

const (
	BuildOK             BuildStatus = agentrpc.BuildOK
	BuildDepFail        BuildStatus = agentrpc.BuildDepFail
	BuildPackageFail    BuildStatus = agentrpc.BuildPackageFail
	BuildChrootFail     BuildStatus = agentrpc.BuildChrootFail
	BuildBuilderFail    BuildStatus = agentrpc.BuildBuilderFail
	BuildFailedToUpload BuildStatus = agentrpc.BuildFailedToUpload
)

// fileBearing reports whether a build status carries waiting files
// in status responses.
func fileBearing(s BuildStatus) bool {
	return s == BuildOK || s == BuildPackageFail || s == BuildDepFail
}

// An IllegalStateError reports an operation invoked in a status
// from which it is not a legal transition.
// The builder's state is unchanged.
type IllegalStateError struct {
	Op     string
	Status Status
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("illegal %s in state %v", e.Op, e.Status)
}

// An UnknownBuilderError reports a start request
// naming a builder type with no registered factory.
type UnknownBuilderError struct {
	Type string
}

func (e *UnknownBuilderError) Error() string {
	return fmt.Sprintf("unknown builder type %q", e.Type)
}

// ErrInvalidBuildID is returned by [Builder.StartBuild]
// for an empty build ID or one that is not usable as a directory name.
var ErrInvalidBuildID = errors.New("invalid build id")

// legalStates maps each state machine operation
// to the statuses it may be invoked from.
// Transitions are validated here and nowhere else.
var legalStates = map[string][]Status{
	"startbuild":    {Idle},
	"abort":         {Building},
	"buildComplete": {Building},
	"buildFail":     {Building},
	"depFail":       {Building},
	"builderFail":   {Building},
	"chrootFail":    {Building},
	"clean":         {Waiting, Aborted},
}

// state is the externally visible state machine data.
// buildID is set exactly when status is not Idle.
type state struct {
	status       Status
	buildID      string
	buildStatus  BuildStatus
	waitingFiles map[string]string
}

// Config configures a [Builder].
type Config struct {
	// Arch is the architecture tag reported by the info RPC.
	Arch string
	// Cache stages build inputs and holds output artifacts.
	Cache *filecache.Cache
	// BuildDir is the directory that per-build working directories
	// are created under. It is created if absent.
	BuildDir string
	// Factories maps builder type tags to build manager factories.
	Factories map[string]Factory
}

// A Builder is one build agent's state machine.
// It runs at most one build at a time.
// Methods on Builder are safe to call from multiple goroutines concurrently.
type Builder struct {
	arch      string
	cache     *filecache.Cache
	buildDir  string
	factories map[string]Factory

	mu        sync.Mutex
	st        state
	aborting  bool
	cancel    context.CancelFunc
	buildDone chan struct{}

	logMu  sync.Mutex
	logBuf []byte
}

// New returns an idle [Builder].
func New(cfg *Config) (*Builder, error) {
	if cfg.Cache == nil {
		return nil, errors.New("new builder: nil cache")
	}
	if err := os.MkdirAll(cfg.BuildDir, 0o755); err != nil {
		return nil, fmt.Errorf("new builder: %w", err)
	}
	return &Builder{
		arch:      cfg.Arch,
		cache:     cfg.Cache,
		buildDir:  cfg.BuildDir,
		factories: maps.Clone(cfg.Factories),
		st:        state{status: Idle},
	}, nil
}

// Arch returns the builder's architecture tag.
func (b *Builder) Arch() string { return b.arch }

// Cache returns the builder's file cache.
func (b *Builder) Cache() *filecache.Cache { return b.cache }

// BuilderTypes returns the registered builder type tags in sorted order.
func (b *Builder) BuilderTypes() []string {
	return xmaps.SortedKeys(b.factories)
}

// State is a point-in-time copy of a builder's externally visible state.
type State struct {
	Status       Status
	BuildID      string
	BuildStatus  BuildStatus
	WaitingFiles map[string]string
}

// State returns a snapshot of the builder's state.
func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Status:       b.st.status,
		BuildID:      b.st.buildID,
		BuildStatus:  b.st.buildStatus,
		WaitingFiles: maps.Clone(b.st.waitingFiles),
	}
}

// checkLocked validates that op is a legal transition from the current status.
func (b *Builder) checkLocked(op string) error {
	if !slices.Contains(legalStates[op], b.st.status) {
		return &IllegalStateError{Op: op, Status: b.st.status}
	}
	return nil
}

// BuildRequest is the validated input to [Builder.StartBuild].
type BuildRequest struct {
	BuildID string
	// Files maps input file names to SHA-1 digests
	// that must already be in the cache.
	Files      map[string]string
	ChrootSHA1 string
	// BuilderType selects a factory from the builder's configuration.
	BuilderType string
}

// StartBuild begins a build.
// It returns an [*UnknownBuilderError] for an unregistered builder type,
// an [*filecache.UnknownDigestError] for the first chroot or input digest
// absent from the cache,
// an error wrapping [ErrInvalidBuildID] for an unusable build ID,
// and an [*IllegalStateError] if the builder is not idle.
// On success the builder is Building
// and the build manager runs in a background goroutine.
func (b *Builder) StartBuild(ctx context.Context, req *BuildRequest) error {
	factory := b.factories[req.BuilderType]
	if factory == nil {
		return &UnknownBuilderError{Type: req.BuilderType}
	}
	sums := make([]string, 0, len(req.Files)+1)
	sums = append(sums, req.ChrootSHA1)
	for _, sum := range xmaps.Sorted(req.Files) {
		sums = append(sums, sum)
	}
	for _, sum := range sums {
		d, err := filecache.ParseDigest(sum)
		if err != nil {
			return &filecache.UnknownDigestError{Digest: filecache.Digest(sum)}
		}
		ok, err := b.cache.Contains(ctx, d, "")
		if err != nil {
			return fmt.Errorf("start build %s: %w", req.BuildID, err)
		}
		if !ok {
			return &filecache.UnknownDigestError{Digest: d}
		}
	}
	if !validBuildID(req.BuildID) {
		return fmt.Errorf("%w: %q", ErrInvalidBuildID, req.BuildID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked("startbuild"); err != nil {
		return err
	}
	workDir := filepath.Join(b.buildDir, "build-"+req.BuildID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("start build %s: %w", req.BuildID, err)
	}
	b.resetLog()
	env := &Env{
		BuildID:    req.BuildID,
		Files:      maps.Clone(req.Files),
		ChrootSHA1: filecache.Digest(req.ChrootSHA1),
		Cache:      b.cache,
		WorkDir:    workDir,
		Log:        b.LogWriter(),
	}
	mgr := factory(env)
	// The build outlives the RPC that started it.
	buildCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	b.st = state{status: Building, buildID: req.BuildID}
	b.aborting = false
	b.cancel = cancel
	b.buildDone = done
	log.Infof(ctx, "Starting build %s (type %s)", req.BuildID, req.BuilderType)
	go b.runBuild(buildCtx, cancel, mgr, done)
	return nil
}

func validBuildID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// runBuild drives the build manager to completion
// and applies its outcome to the state machine.
func (b *Builder) runBuild(ctx context.Context, cancel context.CancelFunc, mgr Manager, done chan<- struct{}) {
	defer close(done)
	defer cancel()
	result, err := mgr.Build(ctx)
	if err != nil {
		log.Warnf(ctx, "Build manager failed: %v", err)
		fmt.Fprintf(b.LogWriter(), "builder error: %v\n", err)
		if terr := b.BuilderFail(); terr != nil {
			log.Debugf(ctx, "Recording builder failure: %v", terr)
		}
		return
	}
	var terr error
	switch result.Status {
	case BuildOK:
		terr = b.BuildComplete(result.Files)
	case BuildDepFail:
		terr = b.DepFail(result.Files)
	case BuildPackageFail:
		terr = b.BuildFail(result.Files)
	case BuildChrootFail:
		terr = b.ChrootFail()
	default:
		terr = b.BuilderFail()
	}
	if terr != nil {
		log.Debugf(ctx, "Recording build outcome %s: %v", result.Status, terr)
	}
}

// finish moves the builder from Building to Waiting with the given outcome.
// If an abort is in progress, the outcome is dropped: the abort wins.
func (b *Builder) finish(op string, status BuildStatus, files map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborting {
		return nil
	}
	if err := b.checkLocked(op); err != nil {
		return err
	}
	b.st.status = Waiting
	b.st.buildStatus = status
	b.st.waitingFiles = files
	return nil
}

// BuildComplete records a successful build.
// files maps artifact names to cache digests.
func (b *Builder) BuildComplete(files map[string]string) error {
	return b.finish("buildComplete", BuildOK, files)
}

// BuildFail records a failure of the package build itself.
func (b *Builder) BuildFail(files map[string]string) error {
	return b.finish("buildFail", BuildPackageFail, files)
}

// DepFail records a build halted on unmet build dependencies.
func (b *Builder) DepFail(files map[string]string) error {
	return b.finish("depFail", BuildDepFail, files)
}

// BuilderFail records an infrastructure failure.
func (b *Builder) BuilderFail() error {
	return b.finish("builderFail", BuildBuilderFail, nil)
}

// ChrootFail records a failure to set up the build environment.
func (b *Builder) ChrootFail() error {
	return b.finish("chrootFail", BuildChrootFail, nil)
}

// Abort cancels the build in progress
// and waits for the build manager (and its subprocess) to finish
// before marking the builder Aborted.
// The builder stays Building until the death is confirmed,
// so a dispatcher never reuses the slot while the subprocess lives.
func (b *Builder) Abort(ctx context.Context) error {
	b.mu.Lock()
	if !b.aborting {
		if err := b.checkLocked("abort"); err != nil {
			b.mu.Unlock()
			return err
		}
		b.aborting = true
		b.cancel()
	}
	done := b.buildDone
	b.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("abort build: %w", ctx.Err())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborting {
		b.st.status = Aborted
		b.st.buildStatus = ""
		b.st.waitingFiles = nil
		b.aborting = false
		log.Infof(ctx, "Aborted build %s", b.st.buildID)
	}
	return nil
}

// Clean forgets the finished build's artifacts,
// removes its working directory,
// clears the log,
// and returns the builder to Idle.
func (b *Builder) Clean(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked("clean"); err != nil {
		return err
	}
	for name, sum := range xmaps.Sorted(b.st.waitingFiles) {
		d, err := filecache.ParseDigest(sum)
		if err != nil {
			continue
		}
		if err := b.cache.Forget(d); err != nil {
			return fmt.Errorf("clean build %s: %s: %w", b.st.buildID, name, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(b.buildDir, "build-"+b.st.buildID)); err != nil {
		return fmt.Errorf("clean build %s: %w", b.st.buildID, err)
	}
	log.Infof(ctx, "Cleaned build %s", b.st.buildID)
	b.st = state{status: Idle}
	b.cancel = nil
	b.buildDone = nil
	b.resetLog()
	return nil
}

type logWriter struct {
	b *Builder
}

func (w logWriter) Write(p []byte) (int, error) {
	w.b.logMu.Lock()
	defer w.b.logMu.Unlock()
	w.b.logBuf = append(w.b.logBuf, p...)
	return len(p), nil
}

// LogWriter returns a writer that appends to the build log.
func (b *Builder) LogWriter() io.Writer {
	return logWriter{b}
}

func (b *Builder) resetLog() {
	b.logMu.Lock()
	b.logBuf = nil
	b.logMu.Unlock()
}

// LogTail returns up to n bytes from the end of the build log.
// The result always starts at a line boundary:
// if the cut would land mid-line, the partial line is dropped.
// n < 0 returns the entire log.
func (b *Builder) LogTail(n int64) string {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	if n < 0 || int64(len(b.logBuf)) <= n {
		return string(b.logBuf)
	}
	tail := b.logBuf[int64(len(b.logBuf))-n:]
	i := bytes.IndexByte(tail, '\n')
	if i < 0 {
		return ""
	}
	return string(tail[i+1:])
}
