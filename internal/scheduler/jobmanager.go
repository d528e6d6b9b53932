// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/oakmere/buildfarm/internal/jobhistory"
	"golang.org/x/sync/semaphore"
	"zombiezen.com/go/log"
)

// A Job is one queued dispatch.
type Job struct {
	ID string
	// Ref is the branch or package reference to build.
	Ref         string
	BuilderType string
	ChrootSHA1  string
	// Files maps input file names to SHA-1 digests.
	Files map[string]string
}

// QueueSource supplies pending jobs.
// It is an external collaborator:
// implementations typically call the surrounding system's job queue.
type QueueSource interface {
	GetBranchPullQueue(ctx context.Context, kind string) ([]*Job, error)
}

// StatusClient receives fire-and-forget job status reports.
// It is an external collaborator;
// report failures are logged, never propagated.
type StatusClient interface {
	StartMirroring(ctx context.Context, jobID string) error
	MirrorComplete(ctx context.Context, jobID, revisionID string) error
	MirrorFailed(ctx context.Context, jobID, reason string) error
}

// A DispatchFunc performs one job's dispatch,
// returning the worker's success payload.
type DispatchFunc func(ctx context.Context, job *Job) (revisionID string, err error)

// A JobManager runs scheduling passes:
// it pulls pending jobs from the queue
// and dispatches them with bounded concurrency,
// isolating each job's failure from its siblings.
type JobManager struct {
	// Lock serializes scheduling passes across processes.
	Lock *RunLock
	// Queue supplies the pending jobs for each pass.
	Queue QueueSource
	// Status receives one completion report per job.
	Status StatusClient
	// Dispatch performs one job's dispatch.
	Dispatch DispatchFunc
	// Kind is the queue kind passed to the queue source.
	Kind string
	// Concurrency bounds the number of in-flight dispatches.
	// Non-positive means 1.
	Concurrency int64
	// History, if non-nil, archives every completed dispatch.
	History *jobhistory.Archive
}

// Run executes one scheduling pass.
// It acquires the run lock for the duration of the pass
// and releases it on every return path.
// Failure to acquire the lock is fatal for the pass;
// individual job failures are not.
func (m *JobManager) Run(ctx context.Context) error {
	if err := m.Lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if err := m.Lock.Unlock(); err != nil {
			log.Errorf(ctx, "Releasing run lock: %v", err)
		}
	}()

	jobs, err := m.Queue.GetBranchPullQueue(ctx, m.Kind)
	if err != nil {
		return fmt.Errorf("scheduling pass: %w", err)
	}
	log.Infof(ctx, "Scheduling pass: %d jobs pending", len(jobs))

	limit := m.Concurrency
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)
	for _, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Canceled. In-flight jobs drain below.
			break
		}
		go func() {
			defer sem.Release(1)
			m.runJob(ctx, job)
		}()
	}
	// Wait for in-flight jobs even on cancellation
	// so the lock outlives every dispatch.
	if err := sem.Acquire(context.WithoutCancel(ctx), limit); err != nil {
		return fmt.Errorf("scheduling pass: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scheduling pass: %w", err)
	}
	return nil
}

// runJob dispatches one job and reports its completion exactly once.
func (m *JobManager) runJob(ctx context.Context, job *Job) {
	log.Infof(ctx, "Job %s: dispatching %s", job.ID, job.Ref)
	if err := m.Status.StartMirroring(ctx, job.ID); err != nil {
		log.Warnf(ctx, "Job %s: status report: %v", job.ID, err)
	}
	startedAt := time.Now()
	revisionID, err := m.Dispatch(ctx, job)
	finishedAt := time.Now()

	if err != nil {
		log.Warnf(ctx, "Job %s: %v", job.ID, err)
		if nerr := m.Status.MirrorFailed(ctx, job.ID, err.Error()); nerr != nil {
			log.Warnf(ctx, "Job %s: status report: %v", job.ID, nerr)
		}
	} else {
		log.Infof(ctx, "Job %s: complete (%s)", job.ID, revisionID)
		if nerr := m.Status.MirrorComplete(ctx, job.ID, revisionID); nerr != nil {
			log.Warnf(ctx, "Job %s: status report: %v", job.ID, nerr)
		}
	}

	if m.History != nil {
		entry := &jobhistory.Entry{
			JobID:      job.ID,
			Ref:        job.Ref,
			Outcome:    jobhistory.OutcomeOK,
			RevisionID: revisionID,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		}
		if err != nil {
			entry.Outcome = jobhistory.OutcomeFailed
			entry.Reason = err.Error()
			entry.RevisionID = ""
		}
		if herr := m.History.Record(ctx, entry); herr != nil {
			log.Warnf(ctx, "Job %s: archive: %v", job.ID, herr)
		}
	}
}
