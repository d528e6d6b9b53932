// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

// Package testcontext builds contexts for use in tests.
package testcontext

import (
	"context"
	"testing"
	"time"

	"zombiezen.com/go/log/testlog"
)

// New returns a context that sends log output to the test's log
// and obeys the test's deadline, if it has one.
func New(tb testing.TB) (context.Context, context.CancelFunc) {
	ctx := testlog.WithTB(context.Background(), tb)
	d, ok := tb.(interface{ Deadline() (time.Time, bool) })
	if !ok {
		return ctx, func() {}
	}
	deadline, ok := d.Deadline()
	if !ok {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}
