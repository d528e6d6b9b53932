// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

// Package scheduler implements the master side of the build farm:
// the run lock, the builder registry, the job manager loop,
// and supervision of pull worker subprocesses.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"zombiezen.com/go/log"
)

// A LockError reports that the run lock is held by another live process.
type LockError struct {
	Path string
	PID  int
}

func (e *LockError) Error() string {
	return fmt.Sprintf("run lock %s held by pid %d", e.Path, e.PID)
}

// A RunLock is an exclusive PID lock file.
// It guards a scheduling pass against concurrent scheduler instances,
// including instances in other processes.
type RunLock struct {
	path string

	// alive reports whether the process with the given PID is running.
	// Overridable in tests.
	alive func(pid int) bool
}

// NewRunLock returns a [RunLock] using the given lock file path.
// The lock is not acquired.
func NewRunLock(path string) *RunLock {
	return &RunLock{path: path, alive: pidAlive}
}

// Lock acquires the lock,
// recording the current process's PID in the lock file.
// It fails with a [*LockError] if another live process holds the lock.
// A lock left behind by a process that no longer exists
// is broken and re-acquired.
func (l *RunLock) Lock(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("acquire run lock %s: %w", l.path, err)
		}
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil {
				os.Remove(l.path)
				return fmt.Errorf("acquire run lock %s: %w", l.path, werr)
			}
			if cerr != nil {
				os.Remove(l.path)
				return fmt.Errorf("acquire run lock %s: %w", l.path, cerr)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("acquire run lock %s: %w", l.path, err)
		}
		content, err := os.ReadFile(l.path)
		if errors.Is(err, fs.ErrNotExist) {
			// Raced with the holder's unlock.
			continue
		}
		if err != nil {
			return fmt.Errorf("acquire run lock %s: %w", l.path, err)
		}
		pid, perr := strconv.Atoi(strings.TrimSpace(string(content)))
		if perr == nil && l.alive(pid) {
			return &LockError{Path: l.path, PID: pid}
		}
		// The recorded process is gone (or the file is garbage):
		// the previous holder crashed without unlocking.
		log.Infof(ctx, "Breaking stale run lock %s (pid %d)", l.path, pid)
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("acquire run lock %s: %w", l.path, err)
		}
	}
}

// Unlock releases the lock.
// Unlocking a lock that is not held is not an error.
func (l *RunLock) Unlock() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release run lock %s: %w", l.path, err)
	}
	return nil
}
