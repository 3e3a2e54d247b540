/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package http

import (
	"bufio"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/net/http/httpguts"

	"github.com/badu/streamhttp/contentsniff"
	"github.com/badu/streamhttp/headers"
	"github.com/badu/streamhttp/status"
)

// ResponseWriter is the handler-facing half of Component C4, the
// response writer. A handler calls WriteHeader once, then any number of
// Write calls, then End. Grounded on the teacher's response.go/
// chunk_writer.go pairing, split here along the spec's writer-state
// machine (§4.4.3) instead of the teacher's single mutable *response.
type ResponseWriter interface {
	// Header returns the mutable header block. Mutating it after
	// WriteHeader has been called has no effect.
	Header() *headers.Headers
	// WriteHeader sends the status line and adjusted headers. Calling it
	// after headers have already been sent returns
	// errHeadersAlreadyWritten; calling it after End returns
	// errWriterIsDone; calling it after the connection has torn down
	// returns errConnectionGone.
	WriteHeader(code int) error
	// Write sends a body chunk, calling WriteHeader(200) implicitly if
	// it has not been called yet. A zero-length p is a no-op: it must
	// never be framed as an empty chunk, which would collide with the
	// chunked terminator.
	Write(p []byte) (int, error)
	// WriteTrailer queues one trailer header, emitted just before the
	// chunked terminator once End is called. It returns a KindEncoding
	// error when the response is not chunked (including when its headers
	// have not been written yet) or when the trailer name or value is
	// invalid.
	WriteTrailer(name, value string) error
	// End finalizes the response: writes any trailing chunk framing and,
	// if this writer is the connection's current head writer, hands the
	// socket to the next queued writer in pipeline order. A corked
	// writer's End is completed when that writer is promoted.
	End() error
	// Abort immediately marks the response terminal without emitting
	// the chunked terminator, per spec.md §4.4.3's "any state + abort ->
	// done (without terminator)" transition.
	Abort()
}

// writerState is the state machine spec.md §4.4.3 describes for a
// single response writer.
type writerState int

const (
	stateIdle writerState = iota
	stateHeaderSent
	stateCorked // not yet the head writer; buffering in memory
	stateDone
)

// writer is the concrete ResponseWriter. One exists per request, in
// request order, appended to the connection's writers list as soon as
// the assembler resolves the request (see conn.go). Only the head
// writer — the oldest not-yet-Done writer — is allowed to touch the
// socket; every other writer corks its output into buf until it
// becomes the head.
type writer struct {
	mu sync.Mutex

	conn   *conn
	req    *Request
	header *headers.Headers
	state  writerState

	statusCode  int
	chunked     bool
	bodyAllowed bool

	// buf accumulates output while this writer is corked (state ==
	// stateCorked). Once it becomes the head writer, buf is flushed to
	// the socket before any further Write call touches bufio.Writer
	// directly. Grounded on spec.md §4.4.2.
	buf []byte

	// bw is the connection's shared bufio.Writer, only ever touched
	// while this writer is the head writer.
	bw *bufio.Writer

	// trailer holds pending WriteTrailer values, emitted by
	// writeTerminatorLocked just before the zero-chunk terminator.
	trailer *headers.Headers

	// headerWritten tracks whether writeHeaderLocked has already run,
	// independent of state: a writer queued behind another (state ==
	// stateCorked from the moment it's created in conn.go) must still
	// accept its first WriteHeader call and stays stateCorked afterward
	// until it is promoted, so state alone can't tell "not yet written"
	// apart from "written but not yet flushed."
	headerWritten bool

	wroteContentLength bool
	writtenBytes       int64

	sentContinue bool

	// ended records that the handler called End() while this writer was
	// still corked; promote() must write the terminator as soon as it
	// flushes this writer's buffered output, then hand off to the next
	// writer in the pipeline.
	ended bool
}

func newWriter(c *conn, req *Request, bw *bufio.Writer) *writer {
	return &writer{
		conn:   c,
		req:    req,
		header: headers.New(),
		bw:     bw,
	}
}

func (w *writer) Header() *headers.Headers {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.header
}

func (w *writer) WriteHeader(code int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == stateDone {
		return errWriterIsDone
	}
	if w.conn.isGone() {
		return errConnectionGone
	}
	if w.headerWritten {
		return errHeadersAlreadyWritten
	}
	return w.writeHeaderLocked(code, nil)
}

// writeHeaderLocked implements the five-step header-adjustment algorithm
// from spec.md §4.4.1, grounded on the teacher's chunkWriter.writeHeader:
//  1. suppress headers the status code forbids (status.SuppressedHeaders)
//  2. a declared Content-Length selects identity framing
//  3. otherwise on HTTP/1.1+, chunked unless the handler set identity
//  4. otherwise (HTTP/1.0), no Transfer-Encoding and no keep-alive
//  5. set Connection: Close/Keep-Alive to match what was decided
//
// It then stamps Date if the handler didn't set one.
//
// sniffData, when non-nil, is the first body chunk a Write call is about
// to send; it feeds contentsniff.DetectContentType when the handler
// never set its own Content-Type, the same lazy-sniff timing the
// teacher's chunkWriter.writeHeader(p) used.
//
// Callers are responsible for checking done/connection-gone state before
// calling this; it only guards against a second call via headerWritten,
// so re-entry after either a head writer's first WriteHeader or a
// corked writer's first WriteHeader is always a no-op rather than a
// double-emission of the status line.
func (w *writer) writeHeaderLocked(code int, sniffData []byte) error {
	if w.headerWritten {
		return errHeadersAlreadyWritten
	}
	w.headerWritten = true
	w.statusCode = code
	w.bodyAllowed = status.BodyAllowed(code) && w.req.Method != HEAD

	for _, key := range status.SuppressedHeaders(code) {
		w.header.Del(key)
	}

	if w.bodyAllowed && sniffData != nil && !w.header.Has(HeaderContentType) {
		w.header.Set(HeaderContentType, contentsniff.DetectContentType(sniffData))
	}

	if err := validateResponseHeaders(w.header); err != nil {
		return err
	}

	keepAlive := !w.req.wantsClose() && !w.conn.closing()

	switch {
	case !w.bodyAllowed:
		w.header.Del(HeaderTransferEncoding)
		w.chunked = false
	case w.header.Has(HeaderContentLength):
		// Step 2: a known body length always wins, on any protocol
		// version — framing is unambiguous without chunking.
		w.header.Set(HeaderTransferEncoding, tokenIdentity)
		w.chunked = false
		w.wroteContentLength = true
	case w.req.ProtoAtLeast(1, 1):
		// Step 3: no declared length on 1.1+. The handler may already
		// have set its own Transfer-Encoding; chunked is only the
		// fallback when it didn't.
		switch te := w.header.Get(HeaderTransferEncoding); {
		case equalFold(te, tokenIdentity):
			w.chunked = false
			keepAlive = false
		case equalFold(te, tokenChunked):
			w.chunked = true
		default:
			w.chunked = true
			w.header.Set(HeaderTransferEncoding, tokenChunked)
		}
	default:
		// Step 4: no declared length, HTTP/1.0 or older. Chunked
		// encoding doesn't exist on this wire, so an unknown-length
		// body can only be framed by closing the connection.
		w.header.Del(HeaderTransferEncoding)
		w.chunked = false
		keepAlive = false
	}

	if keepAlive {
		w.header.Set(HeaderConnection, "Keep-Alive")
	} else {
		w.header.Set(HeaderConnection, "Close")
		w.conn.setCloseAfterReply()
	}

	if !w.header.Has(HeaderDate) {
		w.header.Set(HeaderDate, w.conn.dateHeader())
	}

	if w.state == stateCorked || w != w.conn.headWriter() {
		w.state = stateCorked
	} else {
		w.state = stateHeaderSent
		w.flushHeaderLocked()
	}
	return nil
}

// validateResponseHeaders rejects header values writeHeaderLocked cannot
// safely frame: a bare CR or LF in a header value (request/response
// smuggling material) or a malformed/negative Content-Length, reported
// as KindEncoding per spec.md §7 instead of being silently sanitized or
// mis-framed on the wire.
func validateResponseHeaders(h *headers.Headers) error {
	var bad error
	h.Each(func(key string, values []string) {
		if bad != nil {
			return
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				bad = newEncodingError("invalid value for header " + key)
				return
			}
		}
	})
	if bad != nil {
		return bad
	}
	if cl := h.Get(HeaderContentLength); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err != nil || n < 0 {
			return newEncodingError("invalid content-length " + cl)
		}
	}
	return nil
}

func (w *writer) flushHeaderLocked() {
	statusLine := fmt.Sprintf("%s %d %s\r\n", w.req.Proto, w.statusCode, status.ReasonOrFallback(w.statusCode))
	w.bw.WriteString(statusLine)
	w.header.WriteTo(w.bw, nil)
	w.bw.Write(crlf)
}

func (w *writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == stateDone {
		return 0, errWriterIsDone
	}
	if w.conn.isGone() {
		return 0, errConnectionGone
	}
	if !w.headerWritten {
		if err := w.writeHeaderLocked(200, p); err != nil {
			return 0, err
		}
	}
	if len(p) == 0 {
		// A zero-length write frames no chunk: "0\r\n\r\n" is the
		// terminator, never an empty body frame (spec.md §8, §9).
		return 0, nil
	}
	if !w.bodyAllowed || w.req.Method == HEAD {
		return len(p), nil
	}

	if w.state == stateCorked {
		w.buf = append(w.buf, p...)
		w.writtenBytes += int64(len(p))
		return len(p), nil
	}

	return w.writeBodyLocked(p)
}

func (w *writer) writeBodyLocked(p []byte) (int, error) {
	if w.chunked {
		fmt.Fprintf(w.bw, "%x\r\n", len(p))
		n, err := w.bw.Write(p)
		if err == nil {
			_, err = w.bw.Write(crlf)
		}
		if err != nil {
			return n, newWriteError(err)
		}
		w.writtenBytes += int64(n)
		return n, nil
	}
	n, err := w.bw.Write(p)
	w.writtenBytes += int64(n)
	if err != nil {
		return n, newWriteError(err)
	}
	return n, nil
}

func (w *writer) WriteTrailer(name, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == stateDone {
		return errWriterIsDone
	}
	if w.conn.isGone() {
		return errConnectionGone
	}
	if !w.chunked {
		return newEncodingError("trailers require a chunked response")
	}
	if !httpguts.ValidTrailerHeader(name) || !httpguts.ValidHeaderFieldValue(value) {
		return newEncodingError("invalid trailer " + name)
	}
	if w.trailer == nil {
		w.trailer = headers.New()
	}
	w.trailer.Add(name, value)
	return nil
}

func (w *writer) End() error {
	w.mu.Lock()
	if w.state == stateDone {
		w.mu.Unlock()
		return nil
	}
	if w.conn.isGone() {
		w.mu.Unlock()
		return errConnectionGone
	}
	if !w.headerWritten {
		if err := w.writeHeaderLocked(200, nil); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	w.ended = true
	if w.state == stateCorked {
		// Not the head writer yet: promote() will write the
		// terminator and advance the pipeline when this writer's
		// turn comes.
		w.mu.Unlock()
		return nil
	}

	err := w.writeTerminatorLocked()
	w.state = stateDone
	w.mu.Unlock()
	w.conn.promoteNext()
	return err
}

func (w *writer) writeTerminatorLocked() error {
	if !w.chunked {
		return nil
	}
	if _, err := w.bw.WriteString("0\r\n"); err != nil {
		return newWriteError(err)
	}
	if w.trailer != nil {
		if err := w.trailer.WriteTo(w.bw, nil); err != nil {
			return newWriteError(err)
		}
	}
	if _, err := w.bw.Write(crlf); err != nil {
		return newWriteError(err)
	}
	return nil
}

// Abort marks the writer terminal without emitting the chunked
// terminator, forfeiting any further writes. If it is the head writer,
// the pipeline is advanced immediately; a corked writer is instead
// picked up and skipped by promote() once its turn comes.
func (w *writer) Abort() {
	w.mu.Lock()
	if w.state == stateDone {
		w.mu.Unlock()
		return
	}
	wasHead := w.state != stateCorked
	w.state = stateDone
	w.mu.Unlock()
	if wasHead {
		w.conn.promoteNext()
	}
}

// promote is called by the connection driver once this writer becomes
// the new head writer: it flushes any corked header and body bytes to
// the socket in one shot, grounded on spec.md §4.4.2's corking
// algorithm. If the handler already called End() while this writer was
// corked, promote finishes the response and advances the pipeline
// itself. If the handler instead called Abort() while corked, the
// writer is already stateDone with nothing buffered worth flushing;
// promote only needs to advance past it.
func (w *writer) promote() {
	w.mu.Lock()
	if w.state == stateDone {
		w.mu.Unlock()
		w.conn.promoteNext()
		return
	}
	if w.state != stateCorked {
		w.mu.Unlock()
		return
	}
	w.flushHeaderLocked()
	w.state = stateHeaderSent
	if len(w.buf) > 0 {
		w.writeBodyLocked(w.buf)
		w.buf = nil
	}
	if !w.ended {
		w.mu.Unlock()
		return
	}
	w.writeTerminatorLocked()
	w.state = stateDone
	w.mu.Unlock()
	w.conn.promoteNext()
}
