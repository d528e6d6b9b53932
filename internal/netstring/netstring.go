// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

// Package netstring reads and writes netstring-framed byte streams.
//
// A netstring is a length-prefixed frame of the form "<length>:<payload>,"
// where length is the decimal byte count of the payload.
// The format is described at https://cr.yp.to/proto/netstrings.txt.
package netstring

import (
	"fmt"
	"io"
	"strconv"
)

// DefaultMaxPayload is the payload size limit a [Parser] uses
// when no explicit limit is configured.
const DefaultMaxPayload = 1 << 20 // 1 MiB

// A SyntaxError reports a malformed netstring frame.
type SyntaxError struct {
	msg string
}

func (e *SyntaxError) Error() string {
	return "netstring: " + e.msg
}

func syntaxErrorf(format string, args ...any) *SyntaxError {
	return &SyntaxError{msg: fmt.Sprintf(format, args...)}
}

// parserState enumerates the positions within a frame
// that a [Parser] can be suspended at between calls to Feed.
type parserState int

const (
	stateLength parserState = iota
	statePayload
	stateComma
)

// A Parser is an incremental netstring decoder.
// Bytes are handed to the parser in arbitrarily sized chunks via [Parser.Feed];
// the parser reassembles frames regardless of how the input is split.
// The zero value is a valid parser with [DefaultMaxPayload].
type Parser struct {
	// MaxPayload is the maximum payload size the parser accepts.
	// If non-positive, [DefaultMaxPayload] is used.
	MaxPayload int64

	state     parserState
	length    int64
	hasDigits bool
	payload   []byte
	err       error
}

func (p *Parser) maxPayload() int64 {
	if p.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return p.MaxPayload
}

// Feed consumes a chunk of input,
// calling emit once for every complete frame's payload.
// Feed returns an error if the input is malformed
// or if emit returns an error;
// after an error, the parser is poisoned
// and all subsequent calls return the same error.
func (p *Parser) Feed(data []byte, emit func(payload []byte) error) error {
	if p.err != nil {
		return p.err
	}
	if err := p.feed(data, emit); err != nil {
		p.err = err
		return err
	}
	return nil
}

func (p *Parser) feed(data []byte, emit func(payload []byte) error) error {
	for len(data) > 0 {
		switch p.state {
		case stateLength:
			c := data[0]
			switch {
			case c >= '0' && c <= '9':
				if p.hasDigits && p.length == 0 {
					return syntaxErrorf("length has leading zero")
				}
				p.length = p.length*10 + int64(c-'0')
				p.hasDigits = true
				if p.length > p.maxPayload() {
					return syntaxErrorf("length %d exceeds limit %d", p.length, p.maxPayload())
				}
				data = data[1:]
			case c == ':':
				if !p.hasDigits {
					return syntaxErrorf("missing length before %q", c)
				}
				p.state = statePayload
				data = data[1:]
			default:
				return syntaxErrorf("unexpected byte %q in length", c)
			}
		case statePayload:
			n := p.length - int64(len(p.payload))
			if int64(len(data)) < n {
				p.payload = append(p.payload, data...)
				return nil
			}
			p.payload = append(p.payload, data[:n]...)
			data = data[n:]
			p.state = stateComma
		case stateComma:
			if data[0] != ',' {
				return syntaxErrorf("frame not terminated by comma (got %q)", data[0])
			}
			data = data[1:]
			payload := p.payload
			p.reset()
			if err := emit(payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// Buffered reports whether the parser is in the middle of a frame.
func (p *Parser) Buffered() bool {
	return p.err == nil && (p.state != stateLength || p.hasDigits)
}

func (p *Parser) reset() {
	p.state = stateLength
	p.length = 0
	p.hasDigits = false
	p.payload = nil
}

// A Writer encodes netstring frames onto an underlying [io.Writer].
type Writer struct {
	w io.Writer
}

// NewWriter returns a new [Writer] that writes frames to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes a single netstring frame containing payload.
func (w *Writer) WriteFrame(payload []byte) error {
	buf := make([]byte, 0, len(payload)+16)
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, ':')
	buf = append(buf, payload...)
	buf = append(buf, ',')
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write netstring: %w", err)
	}
	return nil
}

// WriteString writes a single netstring frame containing s.
func (w *Writer) WriteString(s string) error {
	return w.WriteFrame([]byte(s))
}
