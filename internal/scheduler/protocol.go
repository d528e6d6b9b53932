// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oakmere/buildfarm/internal/netstring"
)

// A Listener receives the lifecycle events a pull worker reports
// on its standard output.
// Events from one worker arrive in the order the worker wrote them.
type Listener interface {
	StartMirroring()
	MirrorSucceeded(revisionID string)
	MirrorFailed(message, oopsID string)
}

// Worker protocol event names.
// An event is one netstring frame holding the name,
// followed by a fixed number of argument frames.
const (
	eventStartMirroring  = "startMirroring"
	eventMirrorSucceeded = "mirrorSucceeded"
	eventMirrorFailed    = "mirrorFailed"
)

var eventArgCounts = map[string]int{
	eventStartMirroring:  0,
	eventMirrorSucceeded: 1,
	eventMirrorFailed:    2,
}

// A Monitor consumes one worker subprocess's output streams.
// Standard output is parsed as netstring-framed events
// and surfaced through the [Listener];
// standard error is accumulated verbatim.
// The worker stream is a trust boundary:
// an unrecognized event or a malformed netstring poisons the session,
// and [Monitor.Finish] reports it as the session's failure.
type Monitor struct {
	listener Listener
	parser   netstring.Parser

	command  string
	args     []string
	protoErr error

	stderrMu sync.Mutex
	stderr   strings.Builder
}

// NewMonitor returns a [Monitor] that dispatches events to listener.
func NewMonitor(listener Listener) *Monitor {
	return &Monitor{listener: listener}
}

// ConsumeStdout feeds a chunk of the worker's standard output.
// Chunks may split frames at arbitrary byte boundaries.
func (m *Monitor) ConsumeStdout(data []byte) error {
	err := m.parser.Feed(data, m.frame)
	if err != nil && m.protoErr == nil {
		m.protoErr = err
	}
	return err
}

func (m *Monitor) frame(payload []byte) error {
	if m.command == "" {
		command := string(payload)
		argCount, ok := eventArgCounts[command]
		if !ok {
			return fmt.Errorf("unrecognized event %q", command)
		}
		if argCount == 0 {
			return m.dispatch(command, nil)
		}
		m.command = command
		m.args = m.args[:0]
		return nil
	}
	m.args = append(m.args, string(payload))
	if len(m.args) == eventArgCounts[m.command] {
		command, args := m.command, m.args
		m.command = ""
		return m.dispatch(command, args)
	}
	return nil
}

func (m *Monitor) dispatch(command string, args []string) error {
	switch command {
	case eventStartMirroring:
		m.listener.StartMirroring()
	case eventMirrorSucceeded:
		m.listener.MirrorSucceeded(args[0])
	case eventMirrorFailed:
		m.listener.MirrorFailed(args[0], args[1])
	}
	return nil
}

// ConsumeStderr accumulates a chunk of the worker's standard error.
func (m *Monitor) ConsumeStderr(data []byte) {
	m.stderrMu.Lock()
	defer m.stderrMu.Unlock()
	m.stderr.Write(data)
}

// Stderr returns the standard error output accumulated so far.
func (m *Monitor) Stderr() string {
	m.stderrMu.Lock()
	defer m.stderrMu.Unlock()
	return m.stderr.String()
}

// Finish resolves the session given the worker's exit condition.
// Any output on standard error fails the session,
// even if the worker exited cleanly.
func (m *Monitor) Finish(exitErr error) error {
	if m.protoErr != nil {
		return fmt.Errorf("worker protocol: %w", m.protoErr)
	}
	stderr := strings.TrimSpace(m.Stderr())
	switch {
	case exitErr != nil && stderr != "":
		return fmt.Errorf("worker failed: %w; stderr:\n%s", exitErr, stderr)
	case exitErr != nil:
		return fmt.Errorf("worker failed: %w", exitErr)
	case stderr != "":
		return fmt.Errorf("worker wrote to stderr:\n%s", stderr)
	default:
		return nil
	}
}

type monitorStdout struct {
	m    *Monitor
	kill context.CancelFunc
}

func (w *monitorStdout) Write(p []byte) (int, error) {
	if err := w.m.ConsumeStdout(p); err != nil {
		// Hard failure: stop the worker rather than keep reading
		// from a stream we no longer understand.
		w.kill()
		return 0, err
	}
	return len(p), nil
}

type monitorStderr struct {
	m *Monitor
}

func (w monitorStderr) Write(p []byte) (int, error) {
	w.m.ConsumeStderr(p)
	return len(p), nil
}

// Supervise runs one worker subprocess to completion,
// wiring its output streams into the monitor.
// A positive timeout bounds the whole run;
// on expiry the worker is killed and the session fails with the timeout.
func Supervise(ctx context.Context, m *Monitor, timeout time.Duration, name string, args ...string) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	runCtx, kill := context.WithCancel(ctx)
	defer kill()

	c := exec.CommandContext(runCtx, name, args...)
	setCancelFunc(c)
	// Don't let a lingering grandchild holding the pipes
	// stall the session past the worker's own death.
	c.WaitDelay = 10 * time.Second
	c.Stdout = &monitorStdout{m: m, kill: kill}
	c.Stderr = monitorStderr{m: m}
	err := c.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %v: %w", timeout, ctx.Err())
	}
	return m.Finish(err)
}
