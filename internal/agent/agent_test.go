// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package agent

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oakmere/buildfarm/internal/filecache"
	"github.com/oakmere/buildfarm/internal/testcontext"
)

const testBuilderType = "test"

// fakeManager blocks in Build until a result arrives on release
// or its context is canceled.
type fakeManager struct {
	release chan *Result
}

func (m *fakeManager) Build(ctx context.Context) (*Result, error) {
	select {
	case r := <-m.release:
		if r == nil {
			return nil, errors.New("fake manager shut down")
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type testFixture struct {
	b      *Builder
	mgr    *fakeManager
	chroot string
	done   <-chan struct{}
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	cache, err := filecache.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	mgr := &fakeManager{release: make(chan *Result, 1)}
	b, err := New(&Config{
		Arch:     "amd64",
		Cache:    cache,
		BuildDir: t.TempDir(),
		Factories: map[string]Factory{
			testBuilderType: func(env *Env) Manager { return mgr },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	chroot, err := cache.Store([]byte("chroot tarball"))
	if err != nil {
		t.Fatal(err)
	}
	f := &testFixture{b: b, mgr: mgr, chroot: string(chroot)}
	t.Cleanup(func() {
		// Unblock and drain any build goroutine before the test ends.
		close(mgr.release)
		if f.done != nil {
			<-f.done
		}
	})
	return f
}

func (f *testFixture) startBuild(ctx context.Context, t *testing.T, buildID string) <-chan struct{} {
	t.Helper()
	err := f.b.StartBuild(ctx, &BuildRequest{
		BuildID:     buildID,
		ChrootSHA1:  f.chroot,
		BuilderType: testBuilderType,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.done = f.b.buildDone
	return f.done
}

// enterStatus drives a fresh fixture's builder into the given status.
func (f *testFixture) enterStatus(ctx context.Context, t *testing.T, status Status) {
	t.Helper()
	switch status {
	case Idle:
	case Building:
		f.startBuild(ctx, t, "100")
	case Waiting:
		done := f.startBuild(ctx, t, "100")
		f.mgr.release <- &Result{Status: BuildOK}
		<-done
	case Aborted:
		f.startBuild(ctx, t, "100")
		if err := f.b.Abort(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.b.State().Status; got != status {
		t.Fatalf("fixture in status %v; want %v", got, status)
	}
}

func TestStateMachineLegality(t *testing.T) {
	ops := []struct {
		name string
		call func(ctx context.Context, f *testFixture) error
	}{
		{"startbuild", func(ctx context.Context, f *testFixture) error {
			err := f.b.StartBuild(ctx, &BuildRequest{
				BuildID:     "200",
				ChrootSHA1:  f.chroot,
				BuilderType: testBuilderType,
			})
			if err == nil {
				f.done = f.b.buildDone
			}
			return err
		}},
		{"abort", func(ctx context.Context, f *testFixture) error { return f.b.Abort(ctx) }},
		{"buildComplete", func(ctx context.Context, f *testFixture) error { return f.b.BuildComplete(nil) }},
		{"buildFail", func(ctx context.Context, f *testFixture) error { return f.b.BuildFail(nil) }},
		{"depFail", func(ctx context.Context, f *testFixture) error { return f.b.DepFail(nil) }},
		{"builderFail", func(ctx context.Context, f *testFixture) error { return f.b.BuilderFail() }},
		{"chrootFail", func(ctx context.Context, f *testFixture) error { return f.b.ChrootFail() }},
		{"clean", func(ctx context.Context, f *testFixture) error { return f.b.Clean(ctx) }},
	}
	statuses := []Status{Idle, Building, Waiting, Aborted}

	for _, op := range ops {
		for _, status := range statuses {
			t.Run(op.name+"From"+status.String(), func(t *testing.T) {
				ctx, cancel := testcontext.New(t)
				defer cancel()
				f := newTestFixture(t)
				f.enterStatus(ctx, t, status)
				before := f.b.State()

				err := op.call(ctx, f)
				if slices.Contains(legalStates[op.name], status) {
					if err != nil {
						t.Fatalf("%s from %v: %v", op.name, status, err)
					}
					return
				}
				var ill *IllegalStateError
				if !errors.As(err, &ill) {
					t.Fatalf("%s from %v returned %v; want IllegalStateError", op.name, status, err)
				}
				if diff := cmp.Diff(before, f.b.State()); diff != "" {
					t.Errorf("state changed by illegal %s (-before +after):\n%s", op.name, diff)
				}
			})
		}
	}
}

func TestLogTail(t *testing.T) {
	f := newTestFixture(t)
	const logContent = "one\ntwo two\nthree\ntail"
	if _, err := f.b.LogWriter().Write([]byte(logContent)); err != nil {
		t.Fatal(err)
	}

	if got := f.b.LogTail(-1); got != logContent {
		t.Errorf("LogTail(-1) = %q; want the whole log", got)
	}
	if got := f.b.LogTail(int64(len(logContent) + 10)); got != logContent {
		t.Errorf("LogTail(len+10) = %q; want the whole log", got)
	}
	if got := f.b.LogTail(2); got != "" {
		t.Errorf("LogTail(2) = %q; want empty (no line boundary in window)", got)
	}

	// Any cut must land at the start of the log or just after a newline.
	for n := int64(0); n <= int64(len(logContent))+2; n++ {
		got := f.b.LogTail(n)
		if int64(len(got)) > n && n >= 0 && int64(len(logContent)) > n {
			t.Errorf("LogTail(%d) returned %d bytes", n, len(got))
		}
		if !strings.HasSuffix(logContent, got) {
			t.Errorf("LogTail(%d) = %q; not a suffix of the log", n, got)
			continue
		}
		if len(got) > 0 && len(got) < len(logContent) {
			if prev := logContent[len(logContent)-len(got)-1]; prev != '\n' {
				t.Errorf("LogTail(%d) = %q; starts mid-line", n, got)
			}
		}
	}
}

func TestBuildOutcomeRecorded(t *testing.T) {
	tests := []struct {
		name       string
		result     *Result
		wantStatus BuildStatus
		wantFiles  map[string]string
	}{
		{
			name:       "OK",
			result:     &Result{Status: BuildOK, Files: map[string]string{"out.deb": "da39a3ee5e6b4b0d3255bfef95601890afd80709"}},
			wantStatus: BuildOK,
			wantFiles:  map[string]string{"out.deb": "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
		},
		{
			name:       "DepFail",
			result:     &Result{Status: BuildDepFail},
			wantStatus: BuildDepFail,
		},
		{
			name:       "ChrootFail",
			result:     &Result{Status: BuildChrootFail},
			wantStatus: BuildChrootFail,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctx, cancel := testcontext.New(t)
			defer cancel()
			f := newTestFixture(t)
			done := f.startBuild(ctx, t, "7")
			f.mgr.release <- test.result
			<-done

			got := f.b.State()
			want := State{
				Status:       Waiting,
				BuildID:      "7",
				BuildStatus:  test.wantStatus,
				WaitingFiles: test.wantFiles,
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("state (-want +got):\n%s", diff)
			}
		})
	}
}

// slowDeathManager takes a while to die after cancellation,
// recording the moment it actually finished.
type slowDeathManager struct {
	dead atomic.Bool
}

func (m *slowDeathManager) Build(ctx context.Context) (*Result, error) {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	m.dead.Store(true)
	return nil, ctx.Err()
}

func TestAbortWaitsForBuildDeath(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	cache, err := filecache.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	mgr := new(slowDeathManager)
	b, err := New(&Config{
		Arch:     "amd64",
		Cache:    cache,
		BuildDir: t.TempDir(),
		Factories: map[string]Factory{
			testBuilderType: func(env *Env) Manager { return mgr },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	chroot, err := cache.Store([]byte("chroot"))
	if err != nil {
		t.Fatal(err)
	}
	err = b.StartBuild(ctx, &BuildRequest{
		BuildID:     "9",
		ChrootSHA1:  string(chroot),
		BuilderType: testBuilderType,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Abort(ctx); err != nil {
		t.Fatal(err)
	}
	if !mgr.dead.Load() {
		t.Error("Abort returned before the build manager finished")
	}
	if got := b.State().Status; got != Aborted {
		t.Errorf("status after abort = %v; want %v", got, Aborted)
	}

	// A clean after an abort returns the builder to service.
	if err := b.Clean(ctx); err != nil {
		t.Fatal(err)
	}
	want := State{Status: Idle}
	if diff := cmp.Diff(want, b.State()); diff != "" {
		t.Errorf("state after clean (-want +got):\n%s", diff)
	}
}

func TestCleanForgetsWaitingFiles(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newTestFixture(t)

	artifact, err := f.b.Cache().Store([]byte("artifact bytes"))
	if err != nil {
		t.Fatal(err)
	}
	done := f.startBuild(ctx, t, "11")
	f.mgr.release <- &Result{
		Status: BuildOK,
		Files:  map[string]string{"out.deb": string(artifact)},
	}
	<-done

	if err := f.b.Clean(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.b.Cache().Fetch(artifact); err == nil {
		t.Error("artifact still in cache after clean")
	}
	// The chroot is not a waiting file and must survive.
	if _, err := f.b.Cache().Fetch(filecache.Digest(f.chroot)); err != nil {
		t.Errorf("chroot evicted by clean: %v", err)
	}
}

func TestStartBuildValidation(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	f := newTestFixture(t)

	t.Run("UnknownBuilderType", func(t *testing.T) {
		err := f.b.StartBuild(ctx, &BuildRequest{
			BuildID:     "1",
			ChrootSHA1:  f.chroot,
			BuilderType: "recipe",
		})
		var unknown *UnknownBuilderError
		if !errors.As(err, &unknown) || unknown.Type != "recipe" {
			t.Errorf("StartBuild returned %v; want UnknownBuilderError for recipe", err)
		}
	})
	t.Run("MissingSum", func(t *testing.T) {
		missing := filecache.NewDigest([]byte("never stored"))
		err := f.b.StartBuild(ctx, &BuildRequest{
			BuildID:     "1",
			Files:       map[string]string{"foo.dsc": string(missing)},
			ChrootSHA1:  f.chroot,
			BuilderType: testBuilderType,
		})
		var unknown *filecache.UnknownDigestError
		if !errors.As(err, &unknown) || unknown.Digest != missing {
			t.Errorf("StartBuild returned %v; want UnknownDigestError for %s", err, missing)
		}
	})
	t.Run("InvalidBuildID", func(t *testing.T) {
		for _, id := range []string{"", "..", "a/b", `a\b`} {
			err := f.b.StartBuild(ctx, &BuildRequest{
				BuildID:     id,
				ChrootSHA1:  f.chroot,
				BuilderType: testBuilderType,
			})
			if !errors.Is(err, ErrInvalidBuildID) {
				t.Errorf("StartBuild(%q) returned %v; want ErrInvalidBuildID", id, err)
			}
		}
	})
	if got := f.b.State().Status; got != Idle {
		t.Errorf("status after rejected starts = %v; want %v", got, Idle)
	}
}
