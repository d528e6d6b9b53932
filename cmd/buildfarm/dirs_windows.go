// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
)

func cacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir
}

func defaultVarDir() string {
	return filepath.Join(`C:\buildfarm`, "var")
}

func systemConfigPath() string {
	return filepath.Join(`C:\buildfarm`, "config.jwcc")
}
