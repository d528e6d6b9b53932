// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/oakmere/buildfarm/internal/agent"
	"github.com/oakmere/buildfarm/internal/agentrpc"
	"github.com/oakmere/buildfarm/internal/filecache"
	"github.com/oakmere/buildfarm/internal/jsonrpc"
	"github.com/oakmere/buildfarm/internal/remotestore"
	"github.com/oakmere/buildfarm/internal/sets"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

type agentOptions struct {
	arch        string
	buildDir    string
	helperDir   string
	remoteStore string
}

func newAgentCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "agent [options]",
		Short:                 "run a build agent",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &agentOptions{
		arch: runtime.GOARCH,
	}
	c.Flags().StringVar(&opts.arch, "arch", opts.arch, "architecture `tag` reported to the dispatcher")
	c.Flags().StringVar(&opts.buildDir, "build-root", "", "`dir`ectory for per-build working directories (defaults under --var)")
	c.Flags().StringVar(&opts.helperDir, "helper-dir", "/usr/lib/buildfarm", "`dir`ectory holding the build helper scripts")
	c.Flags().StringVar(&opts.remoteStore, "remote-store", "", "base `url` of the upstream file library")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context(), g, opts)
	}
	return c
}

func runAgent(ctx context.Context, g *globalConfig, opts *agentOptions) error {
	if g.CacheDir == "" {
		return errors.New("cache directory not set")
	}
	buildDir := opts.buildDir
	if buildDir == "" {
		buildDir = filepath.Join(g.VarDir, "build")
	}
	var remote filecache.ContentStore
	if opts.remoteStore != "" {
		u, err := url.Parse(opts.remoteStore)
		if err != nil {
			return fmt.Errorf("--remote-store: %v", err)
		}
		remote = &remotestore.HTTPStore{URL: u}
	}
	cacheRoot := filepath.Join(g.CacheDir, "filecache")
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return err
	}
	cache, err := filecache.Open(cacheRoot, remote)
	if err != nil {
		return err
	}
	b, err := agent.New(&agent.Config{
		Arch:     opts.arch,
		Cache:    cache,
		BuildDir: buildDir,
		Factories: map[string]agent.Factory{
			"binarypackage": agent.BinaryPackage(opts.helperDir),
		},
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(g.Socket), 0o755); err != nil {
		return err
	}
	l, err := listenUnix(g.Socket)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	openConns := make(sets.Set[*net.UnixConn])
	var openConnsMu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()

		// Once the context is Done, refuse new connections and RPCs.
		<-ctx.Done()
		log.Infof(ctx, "Shutting down (signal received)...")

		if err := l.Close(); err != nil {
			log.Errorf(ctx, "Closing Unix socket: %v", err)
		}
		openConnsMu.Lock()
		for conn := range openConns.All() {
			if err := conn.CloseRead(); err != nil {
				log.Errorf(ctx, "Closing Unix socket: %v", err)
			}
		}
		openConnsMu.Unlock()
	}()
	defer func() {
		cancel()
		wg.Wait()

		if err := os.Remove(g.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf(ctx, "Failed to clean up socket: %v", err)
		}
	}()

	log.Infof(ctx, "Listening on %s (arch %s)", g.Socket, opts.arch)
	srv := agent.NewServer(b)

	for {
		conn, err := l.AcceptUnix()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		openConnsMu.Lock()
		openConns.Add(conn)
		openConnsMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()

			codec := agentrpc.NewCodec(nopCloser{conn})
			jsonrpc.Serve(ctx, codec, srv)
			codec.Close()

			openConnsMu.Lock()
			openConns.Delete(conn)
			openConnsMu.Unlock()

			if err := conn.Close(); err != nil {
				log.Errorf(ctx, "%v", err)
			}
		}()
	}
}

func listenUnix(path string) (*net.UnixListener, error) {
	laddr := &net.UnixAddr{
		Net:  "unix",
		Name: path,
	}
	l, err := net.ListenUnix(laddr.Net, laddr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o777); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

type nopCloser struct {
	io.ReadWriter
}

func (nopCloser) Close() error {
	return nil
}
