// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oakmere/buildfarm/internal/agent"
	"github.com/oakmere/buildfarm/internal/agentrpc"
	"github.com/oakmere/buildfarm/internal/filecache"
	"github.com/oakmere/buildfarm/internal/testcontext"
)

func TestRegistryAssign(t *testing.T) {
	r := NewRegistry([]BuilderRef{
		{ID: "bob", Socket: "/run/bob.sock"},
		{ID: "alice", Socket: "/run/alice.sock"},
	})

	if err := r.Assign("job-1", "bob"); err != nil {
		t.Fatal(err)
	}
	err := r.Assign("job-2", "bob")
	var busy *BuilderBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("second Assign returned %v; want BuilderBusyError", err)
	}
	if busy.JobID != "job-1" {
		t.Errorf("BuilderBusyError.JobID = %q; want %q", busy.JobID, "job-1")
	}
	if err := r.Assign("job-3", "nosuch"); err == nil {
		t.Error("Assign to an unknown builder succeeded")
	}

	r.Release("bob")
	if err := r.Assign("job-2", "bob"); err != nil {
		t.Errorf("Assign after Release: %v", err)
	}
	// Releasing twice, or an unknown builder, is a no-op.
	r.Release("bob")
	r.Release("bob")
	r.Release("nosuch")
}

func TestRegistryAssignIdle(t *testing.T) {
	r := NewRegistry([]BuilderRef{
		{ID: "bob", Socket: "/run/bob.sock"},
		{ID: "alice", Socket: "/run/alice.sock"},
	})

	ref, err := r.AssignIdle("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if ref.ID != "alice" {
		t.Errorf("AssignIdle assigned %q; want the first idle builder %q", ref.ID, "alice")
	}
	ref, err = r.AssignIdle("job-2")
	if err != nil {
		t.Fatal(err)
	}
	if ref.ID != "bob" {
		t.Errorf("AssignIdle assigned %q; want %q", ref.ID, "bob")
	}
	_, err = r.AssignIdle("job-3")
	var busy *BuilderBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("AssignIdle with no idle builders returned %v; want BuilderBusyError", err)
	}
}

func TestRegistryBindLookup(t *testing.T) {
	r := NewRegistry([]BuilderRef{{ID: "alice", Socket: "/run/alice.sock"}})
	if err := r.Assign("job-1", "alice"); err != nil {
		t.Fatal(err)
	}
	r.Bind("alice", "build-42")

	jobID, ok := r.Lookup("build-42")
	if !ok || jobID != "job-1" {
		t.Errorf("Lookup(build-42) = %q, %t; want %q, true", jobID, ok, "job-1")
	}
	if _, ok := r.Lookup("build-99"); ok {
		t.Error("Lookup of an unknown build succeeded")
	}

	r.Release("alice")
	if _, ok := r.Lookup("build-42"); ok {
		t.Error("Lookup succeeded after the builder was released")
	}
}

func TestRegistryBuilders(t *testing.T) {
	refs := []BuilderRef{
		{ID: "bob", Socket: "/run/bob.sock"},
		{ID: "alice", Socket: "/run/alice.sock"},
	}
	r := NewRegistry(refs)
	want := []BuilderRef{refs[1], refs[0]}
	if diff := cmp.Diff(want, r.Builders()); diff != "" {
		t.Errorf("Builders() (-want +got):\n%s", diff)
	}
}

// blockingManager holds a build open until released
// (or its context is canceled).
type blockingManager struct {
	release chan *agent.Result
}

func (m *blockingManager) Build(ctx context.Context) (*agent.Result, error) {
	select {
	case r, ok := <-m.release:
		if !ok {
			return nil, errors.New("build interrupted")
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// liveAgent is an in-process build agent reachable through an RPC client.
type liveAgent struct {
	b      *agent.Builder
	client *agentrpc.Client
	chroot string
	mgr    *blockingManager
}

const testBuilderType = "binarypackage"

func newLiveAgent(t *testing.T) *liveAgent {
	t.Helper()
	cache, err := filecache.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	chroot, err := cache.Store([]byte("chroot tarball"))
	if err != nil {
		t.Fatal(err)
	}
	mgr := &blockingManager{release: make(chan *agent.Result)}
	b, err := agent.New(&agent.Config{
		Arch:     "amd64",
		Cache:    cache,
		BuildDir: t.TempDir(),
		Factories: map[string]agent.Factory{
			testBuilderType: func(env *agent.Env) agent.Manager { return mgr },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	a := &liveAgent{
		b:      b,
		client: &agentrpc.Client{Handler: agent.NewServer(b)},
		chroot: string(chroot),
		mgr:    mgr,
	}
	t.Cleanup(func() {
		close(mgr.release)
		waitWhileBuilding(t, b)
	})
	return a
}

func (a *liveAgent) startBuild(ctx context.Context, t *testing.T, buildID string) {
	t.Helper()
	resp, err := a.client.StartBuild(ctx, &agentrpc.StartBuildRequest{
		BuildID:     buildID,
		ChrootSHA1:  a.chroot,
		BuilderType: testBuilderType,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.BuilderStatus != agentrpc.StatusBuilding {
		t.Fatalf("startbuild returned %q; want %q", resp.BuilderStatus, agentrpc.StatusBuilding)
	}
}

// waitWhileBuilding waits for the background build goroutine to settle
// so it does not log after the test completes.
func waitWhileBuilding(t *testing.T, b *agent.Builder) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for b.State().Status == agent.Building {
		if time.Now().After(deadline) {
			t.Fatal("agent still building")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForStatus(t *testing.T, b *agent.Builder, want agent.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for b.State().Status != want {
		if time.Now().After(deadline) {
			t.Fatalf("agent status = %v; want %v", b.State().Status, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRescueIfLost(t *testing.T) {
	t.Run("Idle", func(t *testing.T) {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		a := newLiveAgent(t)
		r := NewRegistry([]BuilderRef{{ID: "alice"}})
		if err := r.RescueIfLost(ctx, "alice", a.client); err != nil {
			t.Fatal(err)
		}
		if got := a.b.State().Status; got != agent.Idle {
			t.Errorf("status after rescue = %v; want %v", got, agent.Idle)
		}
	})

	t.Run("RecognizedBuild", func(t *testing.T) {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		a := newLiveAgent(t)
		r := NewRegistry([]BuilderRef{{ID: "alice"}})
		if err := r.Assign("job-1", "alice"); err != nil {
			t.Fatal(err)
		}
		r.Bind("alice", "build-42")
		a.startBuild(ctx, t, "build-42")

		if err := r.RescueIfLost(ctx, "alice", a.client); err != nil {
			t.Fatal(err)
		}
		if got := a.b.State().Status; got != agent.Building {
			t.Errorf("status after rescue = %v; want the build left alone in %v", got, agent.Building)
		}
	})

	t.Run("UnrecognizedBuilding", func(t *testing.T) {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		a := newLiveAgent(t)
		r := NewRegistry([]BuilderRef{{ID: "alice"}})
		a.startBuild(ctx, t, "rogue-build")

		if err := r.RescueIfLost(ctx, "alice", a.client); err != nil {
			t.Fatal(err)
		}
		if got := a.b.State().Status; got != agent.Idle {
			t.Errorf("status after rescue = %v; want %v", got, agent.Idle)
		}
	})

	t.Run("UnrecognizedWaiting", func(t *testing.T) {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		a := newLiveAgent(t)
		r := NewRegistry([]BuilderRef{{ID: "alice"}})
		a.startBuild(ctx, t, "rogue-build")
		a.mgr.release <- &agent.Result{Status: agent.BuildOK}
		waitForStatus(t, a.b, agent.Waiting)

		if err := r.RescueIfLost(ctx, "alice", a.client); err != nil {
			t.Fatal(err)
		}
		if got := a.b.State().Status; got != agent.Idle {
			t.Errorf("status after rescue = %v; want %v", got, agent.Idle)
		}
	})
}
