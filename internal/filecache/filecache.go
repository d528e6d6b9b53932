// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

// Package filecache provides a content-addressed store of files on local disk,
// keyed by the SHA-1 digest of their contents.
// The build agent uses it to stage build inputs and hold output artifacts.
package filecache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"zombiezen.com/go/log"
)

// A Digest is the lowercase hexadecimal SHA-1 digest of a file's contents.
type Digest string

// NewDigest computes the digest of the given bytes.
func NewDigest(content []byte) Digest {
	sum := sha1.Sum(content)
	return Digest(hex.EncodeToString(sum[:]))
}

// ParseDigest validates s as a SHA-1 digest.
func ParseDigest(s string) (Digest, error) {
	if len(s) != hex.EncodedLen(sha1.Size) {
		return "", fmt.Errorf("parse digest %q: wrong length", s)
	}
	for _, c := range []byte(s) {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return "", fmt.Errorf("parse digest %q: not lowercase hexadecimal", s)
		}
	}
	return Digest(s), nil
}

// An UnknownDigestError reports that the cache has no file
// with the requested digest.
type UnknownDigestError struct {
	Digest Digest
}

func (e *UnknownDigestError) Error() string {
	return fmt.Sprintf("unknown digest %s", e.Digest)
}

// ContentStore fetches file contents from a remote content store
// when the local cache misses.
// It is an external collaborator:
// implementations typically wrap the surrounding system's file library.
type ContentStore interface {
	FileByDigestOrAlias(ctx context.Context, digest Digest, alias string) (io.ReadCloser, error)
}

// Cache is a content-addressed file store rooted at a single directory.
// Methods on Cache are safe to call from multiple goroutines concurrently:
// writes land in a temporary file and are renamed into place,
// so concurrent stores of the same content are idempotent.
type Cache struct {
	dir    string
	remote ContentStore
}

// Open returns a [Cache] using the given directory,
// which must already exist.
// remote may be nil,
// in which case alias fetches always miss.
func Open(dir string, remote ContentStore) (*Cache, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open file cache: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open file cache: %s is not a directory", dir)
	}
	return &Cache{dir: dir, remote: remote}, nil
}

// Path returns the path in the cache of the file with the given digest.
func (c *Cache) Path(d Digest) string {
	return filepath.Join(c.dir, string(d))
}

// Store writes content into the cache and returns its digest.
// Storing identical content twice is a no-op after the first write.
func (c *Cache) Store(content []byte) (Digest, error) {
	d := NewDigest(content)
	if _, err := os.Lstat(c.Path(d)); err == nil {
		return d, nil
	}
	if err := c.writeAtomic(d, func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	}); err != nil {
		return "", fmt.Errorf("store file: %w", err)
	}
	return d, nil
}

// Contains reports whether the cache holds a file with the given digest.
// If the file is missing locally and alias is non-empty,
// Contains fetches the contents from the remote content store,
// verifies them against the digest,
// and persists them before returning true.
func (c *Cache) Contains(ctx context.Context, d Digest, alias string) (bool, error) {
	if _, err := os.Lstat(c.Path(d)); err == nil {
		return true, nil
	}
	if alias == "" || c.remote == nil {
		return false, nil
	}
	log.Debugf(ctx, "Fetching %s by alias %s", d, alias)
	r, err := c.remote.FileByDigestOrAlias(ctx, d, alias)
	if err != nil {
		return false, fmt.Errorf("fetch %s by alias %s: %w", d, alias, err)
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return false, fmt.Errorf("fetch %s by alias %s: %w", d, alias, err)
	}
	if got := NewDigest(content); got != d {
		return false, fmt.Errorf("fetch %s by alias %s: remote content hashed to %s", d, alias, got)
	}
	if _, err := c.Store(content); err != nil {
		return false, err
	}
	return true, nil
}

// Fetch returns the contents of the file with the given digest.
// It returns an [*UnknownDigestError] if the cache has no such file.
func (c *Cache) Fetch(d Digest) ([]byte, error) {
	content, err := os.ReadFile(c.Path(d))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &UnknownDigestError{Digest: d}
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", d, err)
	}
	return content, nil
}

// Forget removes the file with the given digest from the cache.
// Forgetting an absent digest is not an error.
func (c *Cache) Forget(d Digest) error {
	err := os.Remove(c.Path(d))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("forget %s: %w", d, err)
	}
	return nil
}

// writeAtomic writes a cache entry through a temporary file
// so that a partially written file can never be observed at the final path.
func (c *Cache) writeAtomic(d Digest, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(c.dir, "incoming-*")
	if err != nil {
		return err
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), c.Path(d)); err != nil {
		os.Remove(tmp.Name())
		tmp = nil
		return err
	}
	tmp = nil
	return nil
}
