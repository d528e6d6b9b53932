// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/oakmere/buildfarm/internal/scheduler"
	"github.com/tailscale/hujson"
)

type globalConfig struct {
	Debug bool `json:"debug"`
	// Socket is the agent's RPC Unix socket path.
	// The agent subcommand listens on it;
	// the pull-worker subcommand connects to it by default.
	Socket string `json:"socket"`
	// CacheDir holds the agent's content-addressed file cache.
	CacheDir string `json:"cacheDirectory"`
	// VarDir holds scheduler state: the run lock and the job history.
	VarDir string `json:"varDirectory"`
	// Builders are the build agents known to the scheduler.
	Builders []builderConfig `json:"builders"`
}

type builderConfig struct {
	ID     string `json:"id"`
	Socket string `json:"socket"`
}

func defaultGlobalConfig() *globalConfig {
	g := &globalConfig{
		VarDir: defaultVarDir(),
	}
	g.Socket = filepath.Join(g.VarDir, "agent.sock")
	if cd := cacheDir(); cd != "" {
		g.CacheDir = filepath.Join(cd, "buildfarm")
	}
	return g
}

func (g *globalConfig) mergeEnvironment() error {
	if dir := os.Getenv("BUILDFARM_VAR_DIR"); dir != "" {
		g.VarDir = dir
	}
	if path := os.Getenv("BUILDFARM_SOCKET"); path != "" {
		g.Socket = path
	}
	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

func (g *globalConfig) validate() error {
	if g.Socket == "" {
		return fmt.Errorf("agent socket not set")
	}
	if g.VarDir == "" {
		return fmt.Errorf("var directory not set")
	}
	return nil
}

func (g *globalConfig) builderRefs() []scheduler.BuilderRef {
	refs := make([]scheduler.BuilderRef, 0, len(g.Builders))
	for _, b := range g.Builders {
		refs = append(refs, scheduler.BuilderRef{ID: b.ID, Socket: b.Socket})
	}
	return refs
}

// configFilePaths yields the configuration files merged at startup,
// lowest precedence first.
func configFilePaths() iter.Seq[string] {
	return func(yield func(string) bool) {
		if path := systemConfigPath(); path != "" {
			if !yield(path) {
				return
			}
		}
		if path := os.Getenv("BUILDFARM_CONFIG"); path != "" {
			yield(path)
		}
	}
}
