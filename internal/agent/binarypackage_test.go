// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package agent

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/oakmere/buildfarm/internal/filecache"
	"github.com/oakmere/buildfarm/internal/testcontext"
)

// writeHelpers populates a helper directory with shell scripts.
// Scripts not named in overrides succeed silently.
func writeHelpers(t *testing.T, overrides map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	scripts := map[string]string{
		unpackChrootScript: "#!/bin/sh\necho \"unpacking $1\"\n",
		mountChrootScript:  "#!/bin/sh\necho mounting\n",
		buildScript:        "#!/bin/sh\necho building\n",
		umountChrootScript: "#!/bin/sh\necho unmounting\n",
		removeBuildScript:  "#!/bin/sh\necho removing\n",
	}
	for name, body := range overrides {
		scripts[name] = body
	}
	for name, body := range scripts {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newBinaryPackageEnv(t *testing.T) (*Env, *filecache.Cache) {
	t.Helper()
	cache, err := filecache.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	chroot, err := cache.Store([]byte("chroot tarball"))
	if err != nil {
		t.Fatal(err)
	}
	var logBuf strings.Builder
	env := &Env{
		BuildID:    "77",
		ChrootSHA1: chroot,
		Cache:      cache,
		WorkDir:    t.TempDir(),
		Log:        &logBuf,
	}
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("build log:\n%s", logBuf.String())
		}
	})
	return env, cache
}

func TestBinaryPackageOutcomes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper scripts require a POSIX shell")
	}
	tests := []struct {
		name      string
		overrides map[string]string
		want      BuildStatus
	}{
		{
			name: "OK",
			want: BuildOK,
		},
		{
			name:      "PackageFail",
			overrides: map[string]string{buildScript: "#!/bin/sh\necho compile error >&2\nexit 1\n"},
			want:      BuildPackageFail,
		},
		{
			name:      "DepFail",
			overrides: map[string]string{buildScript: "#!/bin/sh\necho missing build-deps\nexit 2\n"},
			want:      BuildDepFail,
		},
		{
			name:      "ChrootFail",
			overrides: map[string]string{unpackChrootScript: "#!/bin/sh\necho corrupt tarball >&2\nexit 3\n"},
			want:      BuildChrootFail,
		},
		{
			name:      "InfrastructureFail",
			overrides: map[string]string{mountChrootScript: "#!/bin/sh\nexit 1\n"},
			want:      BuildBuilderFail,
		},
		{
			name:      "TeardownFailAfterOK",
			overrides: map[string]string{umountChrootScript: "#!/bin/sh\nexit 1\n"},
			want:      BuildBuilderFail,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctx, cancel := testcontext.New(t)
			defer cancel()
			env, _ := newBinaryPackageEnv(t)
			mgr := BinaryPackage(writeHelpers(t, test.overrides))(env)

			result, err := mgr.Build(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if result.Status != test.want {
				t.Errorf("build status = %s; want %s", result.Status, test.want)
			}
		})
	}
}

func TestBinaryPackageArtifacts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper scripts require a POSIX shell")
	}
	ctx, cancel := testcontext.New(t)
	defer cancel()
	env, cache := newBinaryPackageEnv(t)
	input, err := cache.Store([]byte("source package"))
	if err != nil {
		t.Fatal(err)
	}
	env.Files = map[string]string{"pkg.dsc": string(input)}
	helperDir := writeHelpers(t, map[string]string{
		buildScript: "#!/bin/sh\n" +
			"test -f pkg.dsc || exit 1\n" +
			"mkdir -p output\n" +
			"printf 'binary bits' > output/pkg.deb\n",
	})
	mgr := BinaryPackage(helperDir)(env)

	result, err := mgr.Build(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != BuildOK {
		t.Fatalf("build status = %s; want %s", result.Status, BuildOK)
	}
	wantDigest := filecache.NewDigest([]byte("binary bits"))
	want := map[string]string{"pkg.deb": string(wantDigest)}
	if diff := cmp.Diff(want, result.Files); diff != "" {
		t.Errorf("artifacts (-want +got):\n%s", diff)
	}
	if _, err := cache.Fetch(wantDigest); err != nil {
		t.Errorf("artifact not stored in cache: %v", err)
	}
}

func TestBinaryPackageSpawnFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper scripts require a POSIX shell")
	}
	ctx, cancel := testcontext.New(t)
	defer cancel()
	env, _ := newBinaryPackageEnv(t)
	// Empty helper directory: no step can even start.
	mgr := BinaryPackage(t.TempDir())(env)

	if _, err := mgr.Build(ctx); err == nil {
		t.Error("Build succeeded with no helper scripts")
	}
}

func TestBinaryPackageLogsSteps(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper scripts require a POSIX shell")
	}
	ctx, cancel := testcontext.New(t)
	defer cancel()
	env, _ := newBinaryPackageEnv(t)
	var logBuf strings.Builder
	env.Log = &logBuf
	mgr := BinaryPackage(writeHelpers(t, nil))(env)

	if _, err := mgr.Build(ctx); err != nil {
		t.Fatal(err)
	}
	log := logBuf.String()
	for _, want := range []string{"RUN: ", unpackChrootScript, "mounting", "building", "unmounting"} {
		if !strings.Contains(log, want) {
			t.Errorf("build log missing %q:\n%s", want, log)
		}
	}
}
