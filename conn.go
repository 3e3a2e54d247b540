/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package http

import (
	"bufio"
	"errors"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Component C3: the connection driver. One conn runs on its own
// goroutine for the lifetime of a socket, acting as the serial execution
// context the spec's Concurrency & Resource Model describes: request
// parsing, handler invocation, and response writing for a given
// connection never run concurrently with each other. Grounded on the
// teacher's conn.go serve loop, restructured around the BodyEvent
// push-model instead of conn.go's blocking io.Reader, and extended with
// the writers pipeline and in-flight back-pressure counter the teacher
// never needed because it rejected pipelining outright.
type conn struct {
	mu sync.Mutex

	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer

	handler Handler
	log     *logrus.Entry

	idleTimeout time.Duration
	readTimeout time.Duration

	// writers holds one entry per request currently between "headers
	// parsed" and "response fully sent", oldest first. writers[0], if
	// present, is the head writer: the only one allowed to touch bw.
	writers []*writer

	// inFlight counts ChunkEvent values dispatched to a handler's
	// BodyFunc that have not yet called Done. The parser suspends
	// reading further body bytes whenever inFlight > 0 and resumes on
	// the 0 transition, per spec.md §4.3.1. Back-pressure itself is
	// enforced by the synchronous <-done wait in dispatchChunk; inFlight
	// is bookkeeping for that wait, not a separate gate.
	inFlight int

	closeAfterReply bool
	lastActivity    time.Time

	// stats, when non-nil, is the owning Listener's counters. readOneRequest
	// increments TotalRequests through it; nil in tests that construct a
	// conn directly without a Listener.
	stats *Stats

	// keepAliveTimeout is how long, after the connection becomes fully
	// response-complete (no writer left with outstanding work), the
	// connection may sit idle before the listener's pruner closes it.
	// Defaults to 5s per spec.md §6, distinct from idleTimeout/readTimeout
	// which bound a single read rather than the keep-alive gap between
	// requests.
	keepAliveTimeout time.Duration
	keepAliveUntil   time.Time
	responseComplete bool

	// closed is set once serve's cleanup has closed netConn, so a writer
	// racing against connection teardown (or the pruner closing the
	// socket out from under it) reports errConnectionGone instead of a
	// raw use-after-close failure.
	closed atomic.Bool

	// done closes when serve returns, letting Listener.Shutdown fan out
	// a bounded per-connection wait via errgroup instead of only
	// tracking completion in aggregate via wg.
	done chan struct{}
}

// defaultKeepAliveTimeout is the spec.md §6 keep-alive deadline applied
// when a Listener doesn't configure one explicitly.
const defaultKeepAliveTimeout = 5 * time.Second

func newConn(nc net.Conn, h Handler, log *logrus.Entry, stats *Stats, keepAliveTimeout time.Duration) *conn {
	if keepAliveTimeout == 0 {
		keepAliveTimeout = defaultKeepAliveTimeout
	}
	return &conn{
		netConn:          nc,
		br:               bufio.NewReaderSize(nc, 4096),
		bw:               bufio.NewWriterSize(nc, 4096),
		handler:          h,
		log:              log,
		stats:            stats,
		keepAliveTimeout: keepAliveTimeout,
		responseComplete: true,
		keepAliveUntil:   time.Now().Add(keepAliveTimeout),
		done:             make(chan struct{}),
	}
}

// isGone reports whether the connection has already been torn down,
// either by serve's own cleanup or by the listener's idle pruner closing
// the socket out from under a corked writer.
func (c *conn) isGone() bool {
	return c.closed.Load()
}

// idleExpired reports whether this connection is response-complete (no
// writer holds it pending) and its keep-alive deadline has passed as of
// now — the predicate the listener's periodic pruner evaluates per
// spec.md §4.3.4/§4.5.
func (c *conn) idleExpired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseComplete && now.After(c.keepAliveUntil)
}

func (c *conn) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeAfterReply
}

func (c *conn) headWriter() *writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writers) == 0 {
		return nil
	}
	return c.writers[0]
}

func (c *conn) dateHeader() string {
	return time.Now().UTC().Format(http1Date)
}

const http1Date = "Mon, 02 Jan 2006 15:04:05 GMT"

// promoteNext drops the finished head writer and, if another writer is
// already queued behind it, promotes it to head so its corked output
// flushes to the socket — the response-ordering guarantee spec.md §4.4.2
// requires regardless of how far each handler has actually progressed.
func (c *conn) promoteNext() {
	c.mu.Lock()
	if len(c.writers) == 0 || c.writers[0].state != stateDone {
		c.mu.Unlock()
		return
	}
	finished := c.writers[0]
	c.writers = c.writers[1:]
	var next *writer
	if len(c.writers) > 0 {
		next = c.writers[0]
	} else {
		c.responseComplete = true
		c.keepAliveUntil = time.Now().Add(c.keepAliveTimeout)
	}
	c.mu.Unlock()

	c.handler.OnComplete(finished.req)
	c.bw.Flush()
	if next != nil {
		next.promote()
	}
}

// serve runs the connection's entire lifetime: read request, assemble,
// hand to the handler, stream the body, wait for the response to
// finish, loop for the next pipelined request. It never spawns a second
// goroutine for this connection's own socket I/O, matching spec.md's
// single serial execution context per connection.
func (c *conn) serve() {
	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			c.log.Errorf("panic serving %v: %v\n%s", c.netConn.RemoteAddr(), err, buf)
		}
		c.bw.Flush()
		c.netConn.Close()
		c.closed.Store(true)
		close(c.done)
	}()

	for {
		if c.idleTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		req, w, err := c.readOneRequest()
		if err != nil {
			if isCommonNetReadError(err) {
				return
			}
			c.writeProtocolError(err)
			return
		}

		if c.readTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}

		if req.ExpectContinue {
			c.sendContinue(w)
		}

		decision := c.handler.OnHeaders(w, req)
		if err := c.streamBody(req, decision); err != nil {
			w.mu.Lock()
			done := w.state == stateDone
			w.mu.Unlock()
			if !done {
				w.End()
			}
			c.setCloseAfterReply()
		}

		if req.Close {
			c.setCloseAfterReply()
		}

		if c.closing() && len(c.writers) <= 1 {
			// Give the head writer (this request, if still
			// pending) a chance to flush before tearing down.
			if hw := c.headWriter(); hw != nil {
				hw.mu.Lock()
				stillOpen := hw.state != stateDone
				hw.mu.Unlock()
				if stillOpen {
					continue
				}
			}
			return
		}
	}
}

func (c *conn) setCloseAfterReply() {
	c.mu.Lock()
	c.closeAfterReply = true
	c.mu.Unlock()
}

// readOneRequest parses the next request line and header block,
// assembles it into a *Request, and appends a freshly created writer to
// the pipeline — grounded on the teacher's readRequest, split so the
// connection driver, not the parser, owns pipeline bookkeeping.
func (c *conn) readOneRequest() (*Request, *writer, error) {
	p := newParser(c.br)
	method, target, proto, err := p.readRequestLine()
	if err != nil {
		return nil, nil, err
	}
	header, err := p.readHeaderBlock()
	if err != nil {
		return nil, nil, err
	}
	req, err := assembleRequest(parsedHead{
		methodName: method,
		target:     target,
		proto:      proto,
		header:     header,
	}, c.netConn.RemoteAddr().String())
	if err != nil {
		return nil, nil, err
	}

	w := newWriter(c, req, c.bw)
	c.mu.Lock()
	if len(c.writers) > 0 {
		w.state = stateCorked
	}
	c.writers = append(c.writers, w)
	c.responseComplete = false
	c.keepAliveUntil = time.Now().Add(c.keepAliveTimeout)
	c.mu.Unlock()

	if c.stats != nil {
		c.stats.TotalRequests.Add(1)
	}
	return req, w, nil
}

func (c *conn) sendContinue(w *writer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sentContinue || w.state != stateIdle {
		return
	}
	w.sentContinue = true
	if w != c.headWriter() {
		return // a corked writer can't jump ahead of the socket
	}
	c.bw.WriteString(w.req.Proto.String() + " 100 Continue\r\n\r\n")
	c.bw.Flush()
}

func (c *conn) writeProtocolError(err error) {
	msg := "400 Bad Request"
	if e, ok := err.(*Error); ok && e.Kind == KindParseFailed {
		msg = "400 Bad Request: " + e.Detail
	}
	c.bw.WriteString("HTTP/1.1 " + msg + "\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	c.bw.Flush()
}

func isCommonNetReadError(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return err.Error() == "EOF"
}
