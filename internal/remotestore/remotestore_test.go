// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package remotestore

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/oakmere/buildfarm/internal/filecache"
	"github.com/oakmere/buildfarm/internal/testcontext"
)

func TestFileByDigestOrAlias(t *testing.T) {
	content := []byte("a source package")
	digest := filecache.NewDigest(content)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /"+string(digest), func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	})
	mux.HandleFunc("GET /by-alias/42", func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	baseURL, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	store := &HTTPStore{URL: baseURL, HTTPClient: srv.Client()}

	t.Run("ByDigest", func(t *testing.T) {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		r, err := store.FileByDigestOrAlias(ctx, digest, "")
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("fetched %q; want %q", got, content)
		}
	})

	t.Run("ByAlias", func(t *testing.T) {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		missing := filecache.NewDigest([]byte("renamed upstream"))
		r, err := store.FileByDigestOrAlias(ctx, missing, "by-alias/42")
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("fetched %q; want %q", got, content)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		missing := filecache.NewDigest([]byte("nowhere"))
		if _, err := store.FileByDigestOrAlias(ctx, missing, ""); err == nil {
			t.Error("fetch of an absent digest succeeded")
		}
	})
}
