// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import "go4.org/xdgdir"

func cacheDir() string {
	return xdgdir.Cache.Path()
}

func defaultVarDir() string {
	return "/var/lib/buildfarm"
}

func systemConfigPath() string {
	return "/etc/buildfarm/config.jwcc"
}
