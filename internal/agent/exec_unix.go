// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

//go:build unix

package agent

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
}
