// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/oakmere/buildfarm/internal/filecache"
	"zombiezen.com/go/log"
)

// A Manager runs the build steps for one build type.
// The builder creates a new Manager per build through a registered [Factory].
type Manager interface {
	// Build stages inputs and runs the build steps to completion.
	// It returns an error only for faults in the build machinery itself,
	// which the builder records as an infrastructure failure.
	// Build and environment failures are reported through the result status.
	Build(ctx context.Context) (*Result, error)
}

// A Factory creates a [Manager] for one build.
type Factory func(env *Env) Manager

// Result is the terminal outcome of one build attempt.
type Result struct {
	Status BuildStatus
	// Files maps artifact names to cache digests
	// for outcomes that produce artifacts.
	Files map[string]string
}

// Env is the execution environment a [Builder] provides to a [Manager].
type Env struct {
	BuildID string
	// Files maps input file names to cache digests.
	Files      map[string]string
	ChrootSHA1 filecache.Digest
	Cache      *filecache.Cache
	// WorkDir is this build's scratch directory.
	WorkDir string
	// Log is the build log. Subprocess output goes here.
	Log io.Writer
}

// StageInputs copies the build's input files out of the cache into WorkDir.
func (e *Env) StageInputs(ctx context.Context) error {
	for _, name := range slices.Sorted(maps.Keys(e.Files)) {
		if name != filepath.Base(name) || name == "." || name == ".." {
			return fmt.Errorf("stage inputs: invalid file name %q", name)
		}
		d, err := filecache.ParseDigest(e.Files[name])
		if err != nil {
			return fmt.Errorf("stage inputs: %s: %w", name, err)
		}
		content, err := e.Cache.Fetch(d)
		if err != nil {
			return fmt.Errorf("stage inputs: %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(e.WorkDir, name), content, 0o644); err != nil {
			return fmt.Errorf("stage inputs: %w", err)
		}
		log.Debugf(ctx, "Staged %s (%s) into %s", name, d, e.WorkDir)
	}
	return nil
}

// RunStep runs one external build step,
// streaming its combined output into the build log.
// It returns the step's exit code.
// A step killed by a signal reports exit code -1.
// The error is non-nil only if the step could not be run at all.
func (e *Env) RunStep(ctx context.Context, name string, args ...string) (int, error) {
	fmt.Fprintf(e.Log, "RUN: %s %s\n", name, strings.Join(args, " "))
	c := exec.CommandContext(ctx, name, args...)
	setCancelFunc(c)
	c.Dir = e.WorkDir
	c.Stdout = e.Log
	c.Stderr = e.Log
	err := c.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("run %s: %w", name, err)
	}
	return 0, nil
}
