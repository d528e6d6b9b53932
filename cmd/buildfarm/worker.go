// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oakmere/buildfarm/internal/agentrpc"
	"github.com/oakmere/buildfarm/internal/scheduler"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type pullWorkerOptions struct {
	socket       string
	buildID      string
	builderType  string
	chroot       string
	outputDir    string
	files        []string
	pollInterval time.Duration
}

// newPullWorkerCommand is the worker half of a dispatch:
// the sched subcommand spawns one of these per job
// and reads netstring-framed progress events from its stdout.
func newPullWorkerCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:           "pull-worker",
		Short:         "dispatch one build to an agent (internal)",
		Hidden:        true,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	opts := &pullWorkerOptions{
		socket: g.Socket,
	}
	c.Flags().StringVar(&opts.socket, "socket", opts.socket, "`path` to the agent's RPC socket")
	c.Flags().StringVar(&opts.buildID, "build-id", "", "build `id` minted by the dispatcher")
	c.Flags().StringVar(&opts.builderType, "builder-type", "", "builder `type` to run")
	c.Flags().StringVar(&opts.chroot, "chroot", "", "`sha1` of the chroot tarball")
	c.Flags().StringVar(&opts.outputDir, "output", "", "`dir`ectory to place artifacts in")
	c.Flags().StringArrayVar(&opts.files, "file", nil, "input file as `name=sha1` (can be passed multiple times)")
	c.Flags().DurationVar(&opts.pollInterval, "poll-interval", 0, "`duration` between agent status polls")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runPullWorker(cmd.Context(), opts)
	}
	return c
}

func runPullWorker(ctx context.Context, opts *pullWorkerOptions) error {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("refusing to write worker events to a tty (run through the sched subcommand)")
	}
	if opts.buildID == "" {
		return errors.New("--build-id not set")
	}
	files := make(map[string]string, len(opts.files))
	for _, f := range opts.files {
		name, sum, ok := strings.Cut(f, "=")
		if !ok {
			return fmt.Errorf("malformed --file %q (want name=sha1)", f)
		}
		files[name] = sum
	}

	client := agentrpc.Dial(ctx, opts.socket)
	defer client.Close()
	return scheduler.Pull(ctx, scheduler.NewEventWriter(os.Stdout), client, &scheduler.PullRequest{
		BuildID:      opts.buildID,
		BuilderType:  opts.builderType,
		ChrootSHA1:   opts.chroot,
		Files:        files,
		OutputDir:    opts.outputDir,
		PollInterval: opts.pollInterval,
	})
}
