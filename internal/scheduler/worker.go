// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oakmere/buildfarm/internal/agentrpc"
	"github.com/oakmere/buildfarm/internal/filecache"
	"github.com/oakmere/buildfarm/internal/netstring"
	"zombiezen.com/go/log"
)

// An EventWriter is the worker-side half of the worker protocol.
// It reports lifecycle events as netstring frames,
// typically on the worker's standard output.
type EventWriter struct {
	w *netstring.Writer
}

// NewEventWriter returns an [EventWriter] that writes frames to w.
func NewEventWriter(w io.Writer) *EventWriter {
	return &EventWriter{w: netstring.NewWriter(w)}
}

func (e *EventWriter) send(frames ...string) error {
	for _, frame := range frames {
		if err := e.w.WriteString(frame); err != nil {
			return err
		}
	}
	return nil
}

// StartMirroring reports that the worker has begun its dispatch.
func (e *EventWriter) StartMirroring() error {
	return e.send(eventStartMirroring)
}

// MirrorSucceeded reports a successful dispatch.
func (e *EventWriter) MirrorSucceeded(revisionID string) error {
	return e.send(eventMirrorSucceeded, revisionID)
}

// MirrorFailed reports a failed dispatch.
func (e *EventWriter) MirrorFailed(message, oopsID string) error {
	return e.send(eventMirrorFailed, message, oopsID)
}

// defaultPollInterval is how often a worker polls a building agent.
const defaultPollInterval = 1 * time.Second

// A PullRequest describes the dispatch a worker process performs.
type PullRequest struct {
	BuildID     string
	BuilderType string
	ChrootSHA1  string
	// Files maps input file names to SHA-1 digests
	// already present on the agent.
	Files map[string]string
	// OutputDir, if non-empty, receives the build's artifacts.
	OutputDir string
	// PollInterval overrides how often the agent is polled while building.
	PollInterval time.Duration
}

// Pull dispatches one build to an agent,
// polls it to completion,
// retrieves artifacts,
// and cleans the agent.
// Progress is reported through events;
// a dispatch that fails for job-level reasons reports mirrorFailed
// and returns nil.
// The returned error is reserved for faults in the worker itself,
// such as a broken event stream.
func Pull(ctx context.Context, events *EventWriter, client *agentrpc.Client, req *PullRequest) error {
	if err := events.StartMirroring(); err != nil {
		return err
	}
	fail := func(message string) error {
		log.Warnf(ctx, "Dispatch of build %s failed: %s", req.BuildID, message)
		return events.MirrorFailed(message, req.BuildID)
	}

	resp, err := client.StartBuild(ctx, &agentrpc.StartBuildRequest{
		BuildID:     req.BuildID,
		Files:       req.Files,
		ChrootSHA1:  req.ChrootSHA1,
		BuilderType: req.BuilderType,
	})
	if err != nil {
		return fail(fmt.Sprintf("start build: %v", err))
	}
	switch resp.BuilderStatus {
	case agentrpc.StatusBuilding:
	case agentrpc.StatusUnknownSum:
		return fail("agent missing file " + resp.MissingSum)
	case agentrpc.StatusUnknownBuilder:
		return fail("agent cannot build type " + req.BuilderType)
	default:
		return fail("unexpected start response " + resp.BuilderStatus)
	}

	st, err := pollUntilFinished(ctx, client, req.PollInterval)
	if err != nil {
		return fail(err.Error())
	}
	if st.BuilderStatus != agentrpc.StatusWaiting {
		return fail("agent in unexpected state " + st.BuilderStatus)
	}
	if st.BuildStatus != agentrpc.BuildOK {
		cleanAgent(ctx, client)
		return fail("build finished with " + st.BuildStatus)
	}
	if req.OutputDir != "" {
		if err := fetchArtifacts(ctx, client, st.WaitingFiles, req.OutputDir); err != nil {
			cleanAgent(ctx, client)
			return fail(err.Error())
		}
	}
	cleanAgent(ctx, client)
	return events.MirrorSucceeded(st.BuildStatus)
}

// pollUntilFinished polls the agent's status until it leaves BUILDING.
func pollUntilFinished(ctx context.Context, client *agentrpc.Client, interval time.Duration) (*agentrpc.StatusResponse, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		st, err := client.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("poll agent: %w", err)
		}
		if st.BuilderStatus != agentrpc.StatusBuilding {
			return st, nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("poll agent: %w", ctx.Err())
		}
	}
}

// fetchArtifacts downloads the agent's waiting files into dir,
// verifying each against its digest.
func fetchArtifacts(ctx context.Context, client *agentrpc.Client, files map[string]string, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fetch artifacts: %w", err)
	}
	for name, sum := range files {
		if name != filepath.Base(name) || name == "." || name == ".." {
			return fmt.Errorf("fetch artifacts: invalid file name %q", name)
		}
		content, err := client.FetchFile(ctx, sum)
		if err != nil {
			return fmt.Errorf("fetch artifacts: %s: %w", name, err)
		}
		if got := filecache.NewDigest(content); string(got) != sum {
			return fmt.Errorf("fetch artifacts: %s hashed to %s, want %s", name, got, sum)
		}
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return fmt.Errorf("fetch artifacts: %w", err)
		}
		log.Debugf(ctx, "Fetched artifact %s (%s)", name, sum)
	}
	return nil
}

// cleanAgent is a best-effort clean of a finished agent.
func cleanAgent(ctx context.Context, client *agentrpc.Client) {
	if _, err := client.Clean(ctx); err != nil {
		log.Warnf(ctx, "Cleaning agent after build: %v", err)
	}
}
