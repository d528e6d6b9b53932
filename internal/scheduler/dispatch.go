// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/oakmere/buildfarm/internal/agentrpc"
	"github.com/oakmere/buildfarm/internal/xmaps"
	"zombiezen.com/go/log"
)

// A Dispatcher runs pull worker subprocesses against build agents,
// coordinating slot assignment through a [*Registry].
// Its Dispatch method satisfies [DispatchFunc].
type Dispatcher struct {
	Registry *Registry
	// WorkerPath is the executable run for each dispatch,
	// normally this binary's own pull-worker subcommand.
	WorkerPath string
	// WorkerArgs are arguments placed before the per-job flags,
	// such as the subcommand name.
	WorkerArgs []string
	// Timeout bounds one dispatch. Non-positive means no timeout.
	Timeout time.Duration
	// OutputDir, if non-empty, is where workers place artifacts,
	// in a subdirectory per job.
	OutputDir string

	// abortAgent overrides the timeout abort path in tests.
	abortAgent func(ctx context.Context, ref BuilderRef)
}

// Dispatch runs job on an idle builder,
// supervising a worker subprocess to completion.
// The builder slot is held for the duration
// and released on every return path.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) (string, error) {
	ref, err := d.Registry.AssignIdle(job.ID)
	if err != nil {
		return "", fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	defer d.Registry.Release(ref.ID)
	buildID := uuid.New().String()
	d.Registry.Bind(ref.ID, buildID)
	log.Infof(ctx, "Dispatching job %s to builder %s (build %s)", job.ID, ref.ID, buildID)

	args := slices.Clone(d.WorkerArgs)
	args = append(args,
		"--socket", ref.Socket,
		"--build-id", buildID,
		"--builder-type", job.BuilderType,
		"--chroot", job.ChrootSHA1,
	)
	if d.OutputDir != "" {
		args = append(args, "--output", filepath.Join(d.OutputDir, job.ID))
	}
	for name, sum := range xmaps.Sorted(job.Files) {
		args = append(args, "--file", name+"="+sum)
	}

	listener := new(jobListener)
	m := NewMonitor(listener)
	if err := Supervise(ctx, m, d.Timeout, d.WorkerPath, args...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The worker is gone but the agent may still be building.
			d.abort(ctx, ref)
		}
		return "", fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	revisionID, err := listener.result()
	if err != nil {
		return "", fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	return revisionID, nil
}

// abort is a best-effort abort of the builder's agent after a timeout.
func (d *Dispatcher) abort(ctx context.Context, ref BuilderRef) {
	if d.abortAgent != nil {
		d.abortAgent(ctx, ref)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	client := agentrpc.Dial(ctx, ref.Socket)
	defer client.Close()
	if _, err := client.Abort(ctx); err != nil {
		log.Warnf(ctx, "Aborting builder %s after timeout: %v", ref.ID, err)
	}
}

// jobListener folds a worker's event stream into a final result.
type jobListener struct {
	started     bool
	succeeded   bool
	revisionID  string
	failed      bool
	failMessage string
	failOopsID  string
}

func (l *jobListener) StartMirroring() {
	l.started = true
}

func (l *jobListener) MirrorSucceeded(revisionID string) {
	l.succeeded = true
	l.revisionID = revisionID
}

func (l *jobListener) MirrorFailed(message, oopsID string) {
	l.failed = true
	l.failMessage = message
	l.failOopsID = oopsID
}

// result resolves the listener.
// A failure event wins over a success event;
// a worker that reported neither is an error in itself.
func (l *jobListener) result() (string, error) {
	switch {
	case l.failed:
		return "", fmt.Errorf("job failed: %s (oops %s)", l.failMessage, l.failOopsID)
	case l.succeeded:
		return l.revisionID, nil
	default:
		return "", errors.New("worker exited without reporting a result")
	}
}
