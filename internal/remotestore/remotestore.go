// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

// Package remotestore fetches build input files
// from an upstream file library over HTTP
// when the agent's local cache misses.
package remotestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/oakmere/buildfarm/internal/filecache"
	"github.com/oakmere/buildfarm/internal/useragent"
)

// An HTTPStore implements [filecache.ContentStore]
// against an HTTP file library.
// Files are addressed as <URL>/<digest>;
// a non-empty alias is tried as a URL reference relative to URL
// when the digest path is not found.
type HTTPStore struct {
	// URL is the base URL of the file library.
	// This must be non-nil or the store's methods will return errors.
	URL *url.URL
	// Store methods use HTTPClient to make HTTP requests.
	// If HTTPClient is nil, then [http.DefaultClient] is used.
	HTTPClient *http.Client
}

func (s *HTTPStore) client() *http.Client {
	if s.HTTPClient == nil {
		return http.DefaultClient
	}
	return s.HTTPClient
}

// FileByDigestOrAlias implements [filecache.ContentStore].
// The caller is responsible for verifying the returned content
// against the digest.
func (s *HTTPStore) FileByDigestOrAlias(ctx context.Context, digest filecache.Digest, alias string) (io.ReadCloser, error) {
	if s.URL == nil {
		return nil, fmt.Errorf("fetch %s: url missing", digest)
	}
	u := s.URL.JoinPath(string(digest))
	body, err := fetch(ctx, s.client(), u)
	if statusCode, _ := errorStatusCode(err); statusCode == http.StatusNotFound && alias != "" {
		ref, refErr := url.Parse(alias)
		if refErr != nil {
			return nil, fmt.Errorf("fetch %s: alias: %v", digest, refErr)
		}
		body, err = fetch(ctx, s.client(), s.URL.ResolveReference(ref))
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", digest, err)
	}
	return body, nil
}

func fetch(ctx context.Context, client *http.Client, u *url.URL) (io.ReadCloser, error) {
	req := (&http.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{
			"User-Agent": {useragent.String},
		},
	}).WithContext(ctx)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %v: %w", u.Redacted(), &httpError{
			statusCode: resp.StatusCode,
			status:     resp.Status,
		})
	}
	return resp.Body, nil
}

type httpError struct {
	statusCode int
	status     string
}

func (e *httpError) Error() string {
	return "http response returned " + e.status
}

func errorStatusCode(err error) (statusCode int, ok bool) {
	if err == nil {
		return http.StatusOK, false
	}
	var h *httpError
	if !errors.As(err, &h) {
		return http.StatusInternalServerError, false
	}
	return h.statusCode, true
}
