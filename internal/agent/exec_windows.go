// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

//go:build windows

package agent

import "os/exec"

func setCancelFunc(c *exec.Cmd) {
	// Default kill behavior of exec.CommandContext suffices.
}
