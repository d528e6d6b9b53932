// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

//go:build windows

package scheduler

import "os"

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
