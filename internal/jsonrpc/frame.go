// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package jsonrpc

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"slices"
	"strconv"
	"strings"

	"github.com/go-json-experiment/json/jsontext"
)

// Header represents a framed message's header.
type Header = textproto.MIMEHeader

// A Reader reads framed messages from an underlying [io.Reader].
// Each message is a MIME-style header block with a Content-Length field,
// followed by exactly that many bytes of body.
// Reader introduces its own buffering,
// so it may consume more bytes than needed to read a message.
type Reader struct {
	br      *bufio.Reader
	maxSize int64
	err     error
}

// NewReader returns a new [Reader] that reads from r,
// rejecting messages with bodies larger than maxSize bytes.
func NewReader(r io.Reader, maxSize int64) *Reader {
	return &Reader{br: bufio.NewReader(r), maxSize: maxSize}
}

// ReadMessage reads the next message,
// returning its header and its full body.
// After an I/O or framing error,
// all subsequent calls return the same error.
func (r *Reader) ReadMessage() (Header, jsontext.Value, error) {
	if r.err != nil {
		return nil, nil, r.err
	}
	header, body, err := r.read()
	if err != nil {
		r.err = err
		return nil, nil, err
	}
	return header, body, nil
}

func (r *Reader) read() (Header, jsontext.Value, error) {
	header, err := textproto.NewReader(r.br).ReadMIMEHeader()
	if err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("read rpc message: %w", err)
	}
	n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64)
	if err != nil || n < 0 {
		return header, nil, fmt.Errorf("read rpc message: invalid Content-Length %q", header.Get("Content-Length"))
	}
	if n > r.maxSize {
		return header, nil, fmt.Errorf("read rpc message: body of %d bytes exceeds limit %d", n, r.maxSize)
	}
	body := make(jsontext.Value, n)
	if _, err := io.ReadFull(r.br, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return header, nil, fmt.Errorf("read rpc message: %w", err)
	}
	return header, body, nil
}

// A Writer writes framed messages to an underlying [io.Writer].
type Writer struct {
	w   io.Writer
	buf []byte
	err error
}

// NewWriter returns a new [Writer] that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage writes a message with the given header and body.
// A Content-Length field is added to the header automatically.
// After a write error,
// all subsequent calls fail:
// the underlying stream can no longer be assumed to sit at a frame boundary.
func (w *Writer) WriteMessage(header Header, body jsontext.Value) error {
	if w.err != nil {
		return fmt.Errorf("write rpc message: aborted due to previous error: %w", w.err)
	}

	w.buf = w.buf[:0]
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			if strings.ContainsAny(v, "\r\n") {
				return fmt.Errorf("write rpc message: header %s value contains newline", k)
			}
			w.buf = append(w.buf, k...)
			w.buf = append(w.buf, ": "...)
			w.buf = append(w.buf, v...)
			w.buf = append(w.buf, "\r\n"...)
		}
	}
	w.buf = append(w.buf, "Content-Length: "...)
	w.buf = strconv.AppendInt(w.buf, int64(len(body)), 10)
	w.buf = append(w.buf, "\r\n\r\n"...)
	w.buf = append(w.buf, body...)

	if _, err := w.w.Write(w.buf); err != nil {
		w.err = err
		return fmt.Errorf("write rpc message: %w", err)
	}
	return nil
}
