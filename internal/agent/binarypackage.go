// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"zombiezen.com/go/log"
)

// Helper scripts a binary package build looks up in its helper directory.
const (
	unpackChrootScript = "unpack-chroot"
	mountChrootScript  = "mount-chroot"
	buildScript        = "build-package"
	umountChrootScript = "umount-chroot"
	removeBuildScript  = "remove-build"
)

// depFailExitCode is the exit code the build step uses
// to signal unmet build dependencies,
// as opposed to a failure of the package itself (exit code 1).
const depFailExitCode = 2

// artifactDir is the WorkDir subdirectory
// that the build step leaves its artifacts in.
const artifactDir = "output"

// BinaryPackage returns a [Factory] for the binary package build type.
// Builds run the helper scripts in helperDir in sequence:
// unpack-chroot, mount-chroot, build-package, umount-chroot, remove-build.
func BinaryPackage(helperDir string) Factory {
	return func(env *Env) Manager {
		return &binaryPackageManager{env: env, helperDir: helperDir}
	}
}

type binaryPackageManager struct {
	env       *Env
	helperDir string
}

func (m *binaryPackageManager) Build(ctx context.Context) (*Result, error) {
	if err := m.env.StageInputs(ctx); err != nil {
		return nil, err
	}
	chrootPath := m.env.Cache.Path(m.env.ChrootSHA1)

	// Environment setup. A failed unpack means a bad chroot;
	// anything after that is infrastructure.
	code, err := m.runStep(ctx, unpackChrootScript, chrootPath)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return &Result{Status: BuildChrootFail}, nil
	}
	code, err = m.runStep(ctx, mountChrootScript)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return &Result{Status: BuildBuilderFail}, nil
	}

	buildCode, err := m.runStep(ctx, buildScript, m.env.BuildID)
	if err != nil {
		return nil, err
	}

	// Tear down the chroot regardless of the build outcome.
	teardownFailed := false
	for _, script := range []string{umountChrootScript, removeBuildScript} {
		code, err := m.runStep(ctx, script)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			teardownFailed = true
		}
	}

	result := new(Result)
	switch buildCode {
	case 0:
		result.Status = BuildOK
	case 1:
		result.Status = BuildPackageFail
	case depFailExitCode:
		result.Status = BuildDepFail
	default:
		result.Status = BuildBuilderFail
	}
	if teardownFailed && result.Status == BuildOK {
		result.Status = BuildBuilderFail
	}
	if fileBearing(result.Status) {
		files, err := m.gatherArtifacts(ctx)
		if err != nil {
			return nil, err
		}
		result.Files = files
	}
	return result, nil
}

// runStep runs one helper script, failing fast once ctx is canceled.
func (m *binaryPackageManager) runStep(ctx context.Context, script string, args ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.env.RunStep(ctx, filepath.Join(m.helperDir, script), args...)
}

// gatherArtifacts stores everything the build left in the output directory
// into the cache and returns the name to digest map.
func (m *binaryPackageManager) gatherArtifacts(ctx context.Context) (map[string]string, error) {
	outDir := filepath.Join(m.env.WorkDir, artifactDir)
	entries, err := os.ReadDir(outDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gather artifacts: %w", err)
	}
	files := make(map[string]string)
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("gather artifacts: %w", err)
		}
		d, err := m.env.Cache.Store(content)
		if err != nil {
			return nil, fmt.Errorf("gather artifacts: %w", err)
		}
		files[ent.Name()] = string(d)
		log.Debugf(ctx, "Gathered artifact %s (%s)", ent.Name(), d)
	}
	if len(files) == 0 {
		return nil, nil
	}
	return files, nil
}
