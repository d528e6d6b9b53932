// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

//go:build unix

package scheduler

import (
	"errors"

	"golang.org/x/sys/unix"
)

// pidAlive probes for process existence with a null signal.
// EPERM means the process exists but belongs to another user.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
