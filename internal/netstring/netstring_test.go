// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package netstring

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParser(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "Empty",
			input: "",
		},
		{
			name:  "SingleFrame",
			input: "14:startMirroring,",
			want:  []string{"startMirroring"},
		},
		{
			name:  "MultipleFrames",
			input: "15:mirrorSucceeded,4:1234,",
			want:  []string{"mirrorSucceeded", "1234"},
		},
		{
			name:  "EmptyPayload",
			input: "0:,",
			want:  []string{""},
		},
		{
			name:    "MissingComma",
			input:   "3:foox",
			wantErr: true,
		},
		{
			name:    "NotALength",
			input:   "foo",
			wantErr: true,
		},
		{
			name:    "LeadingZeroLength",
			input:   "03:foo,",
			wantErr: true,
		},
		{
			name:    "MissingLength",
			input:   ":foo,",
			wantErr: true,
		},
	}

	// Feed each input in every chunking from byte-at-a-time to whole-buffer
	// to check that reassembly is independent of delivery boundaries.
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for chunkSize := 1; chunkSize <= max(len(test.input), 1); chunkSize++ {
				p := new(Parser)
				var got []string
				var err error
				for i := 0; i < len(test.input) && err == nil; i += chunkSize {
					end := min(i+chunkSize, len(test.input))
					err = p.Feed([]byte(test.input[i:end]), func(payload []byte) error {
						got = append(got, string(payload))
						return nil
					})
				}
				if test.wantErr {
					if err == nil {
						t.Fatalf("chunkSize=%d: Feed did not return an error", chunkSize)
					}
					var syntaxError *SyntaxError
					if !errors.As(err, &syntaxError) {
						t.Errorf("chunkSize=%d: error is %T; want *SyntaxError", chunkSize, err)
					}
					continue
				}
				if err != nil {
					t.Fatalf("chunkSize=%d: Feed: %v", chunkSize, err)
				}
				if diff := cmp.Diff(test.want, got, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("chunkSize=%d: payloads (-want +got):\n%s", chunkSize, diff)
				}
			}
		})
	}
}

func TestParserPoisoned(t *testing.T) {
	p := new(Parser)
	err1 := p.Feed([]byte("bogus"), func([]byte) error { return nil })
	if err1 == nil {
		t.Fatal("Feed accepted malformed input")
	}
	err2 := p.Feed([]byte("3:foo,"), func([]byte) error {
		t.Error("emit called after parse error")
		return nil
	})
	if err2 == nil {
		t.Fatal("Feed succeeded after previous error")
	}
}

func TestParserMaxPayload(t *testing.T) {
	p := &Parser{MaxPayload: 8}
	err := p.Feed([]byte("9:123456789,"), func([]byte) error { return nil })
	if err == nil {
		t.Fatal("Feed accepted over-limit frame")
	}
}

func TestWriter(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	for _, s := range []string{"startMirroring", "", "1234"} {
		if err := w.WriteString(s); err != nil {
			t.Fatal(err)
		}
	}
	const want = "14:startMirroring,0:,4:1234,"
	if got := buf.String(); got != want {
		t.Errorf("wrote %q; want %q", got, want)
	}
}

func TestWriterParserRoundTrip(t *testing.T) {
	payloads := []string{"mirrorFailed", "Error Message", "OOPS-1234X", strings.Repeat("x", 4096)}
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	for _, s := range payloads {
		if err := w.WriteString(s); err != nil {
			t.Fatal(err)
		}
	}

	p := new(Parser)
	var got []string
	if err := p.Feed(buf.Bytes(), func(payload []byte) error {
		got = append(got, string(payload))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(payloads, got); diff != "" {
		t.Errorf("payloads (-want +got):\n%s", diff)
	}
	if p.Buffered() {
		t.Error("parser reports buffered data after complete frames")
	}
}
