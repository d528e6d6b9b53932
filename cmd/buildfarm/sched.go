// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/oakmere/buildfarm/internal/jobhistory"
	"github.com/oakmere/buildfarm/internal/scheduler"
	"github.com/spf13/cobra"
	"github.com/tailscale/hujson"
	"zombiezen.com/go/log"
)

type schedOptions struct {
	queuePath string
	kind      string
	jobs      int64
	timeout   time.Duration
	outputDir string
	noHistory bool
}

func newSchedCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "sched [options]",
		Short:                 "run one scheduling pass",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(schedOptions)
	c.Flags().StringVar(&opts.queuePath, "queue", "", "`path` to the pending job queue file")
	c.Flags().StringVar(&opts.kind, "kind", "binarypackage", "queue `kind` to pull")
	c.Flags().Int64VarP(&opts.jobs, "jobs", "j", 1, "`number` of concurrent dispatches")
	c.Flags().DurationVar(&opts.timeout, "timeout", 1*time.Hour, "`duration` before a dispatch is killed")
	c.Flags().StringVar(&opts.outputDir, "output", "", "`dir`ectory to place build artifacts in (one subdirectory per job)")
	c.Flags().BoolVar(&opts.noHistory, "no-history", false, "skip recording outcomes in the job history")
	c.Flags().Var(builderListFlag{&g.Builders}, "builder", "additional builder as `id=socket` (can be passed multiple times)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runSched(cmd.Context(), g, opts)
	}
	return c
}

func runSched(ctx context.Context, g *globalConfig, opts *schedOptions) error {
	if opts.queuePath == "" {
		return errors.New("--queue not set")
	}
	if len(g.Builders) == 0 {
		return errors.New("no builders configured")
	}
	workerPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate worker executable: %w", err)
	}
	if err := os.MkdirAll(g.VarDir, 0o755); err != nil {
		return err
	}

	var history *jobhistory.Archive
	if !opts.noHistory {
		history = jobhistory.Open(filepath.Join(g.VarDir, "history.db"))
		defer func() {
			if err := history.Close(); err != nil {
				log.Errorf(ctx, "%v", err)
			}
		}()
	}

	d := &scheduler.Dispatcher{
		Registry:   scheduler.NewRegistry(g.builderRefs()),
		WorkerPath: workerPath,
		WorkerArgs: []string{"pull-worker"},
		Timeout:    opts.timeout,
		OutputDir:  opts.outputDir,
	}
	m := &scheduler.JobManager{
		Lock:        scheduler.NewRunLock(filepath.Join(g.VarDir, "sched.lock")),
		Queue:       &fileQueue{path: opts.queuePath},
		Status:      logStatusClient{},
		Dispatch:    d.Dispatch,
		Kind:        opts.kind,
		Concurrency: opts.jobs,
		History:     history,
	}
	return m.Run(ctx)
}

// fileQueue reads pending jobs from a HuJSON file:
// an object mapping queue kinds to arrays of jobs.
type fileQueue struct {
	path string
}

type queuedJob struct {
	ID          string            `json:"id"`
	Ref         string            `json:"ref"`
	BuilderType string            `json:"builderType"`
	ChrootSHA1  string            `json:"chroot"`
	Files       map[string]string `json:"files"`
}

func (q *fileQueue) GetBranchPullQueue(ctx context.Context, kind string) ([]*scheduler.Job, error) {
	huJSONData, err := os.ReadFile(q.path)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	jsonData, err := hujson.Standardize(huJSONData)
	if err != nil {
		return nil, fmt.Errorf("read queue %s: %v", q.path, err)
	}
	var byKind map[string][]*queuedJob
	if err := jsonv2.Unmarshal(jsonData, &byKind); err != nil {
		return nil, fmt.Errorf("read queue %s: %v", q.path, err)
	}
	jobs := make([]*scheduler.Job, 0, len(byKind[kind]))
	for _, j := range byKind[kind] {
		jobs = append(jobs, &scheduler.Job{
			ID:          j.ID,
			Ref:         j.Ref,
			BuilderType: j.BuilderType,
			ChrootSHA1:  j.ChrootSHA1,
			Files:       j.Files,
		})
	}
	return jobs, nil
}

// logStatusClient reports job status to the log.
// Deployments that feed status back to an external service
// substitute their own [scheduler.StatusClient].
type logStatusClient struct{}

func (logStatusClient) StartMirroring(ctx context.Context, jobID string) error {
	log.Infof(ctx, "Job %s: started", jobID)
	return nil
}

func (logStatusClient) MirrorComplete(ctx context.Context, jobID, revisionID string) error {
	log.Infof(ctx, "Job %s: complete (%s)", jobID, revisionID)
	return nil
}

func (logStatusClient) MirrorFailed(ctx context.Context, jobID, reason string) error {
	log.Warnf(ctx, "Job %s: failed: %s", jobID, reason)
	return nil
}
