// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

// Package useragent contains the User-Agent HTTP header constant for buildfarm.
package useragent

// String is the user agent string used for making HTTP requests in buildfarm.
const String = "buildfarm"
