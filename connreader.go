/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package http

import (
	"io"

	"golang.org/x/net/http/httpguts"
)

// streamBody drives the request body through to completion, dispatching
// BodyEvent values to decision's BodyFunc (or discarding silently, for
// Discard) and enforcing the back-pressure rule from spec.md §4.3.1: a
// dispatched ChunkEvent holds up the next read until its Done callback
// fires. Grounded on the teacher's connReader/body pairing, collapsed
// here into one function since this engine parses one body at a time
// per connection rather than handing a lazy io.Reader to the handler.
func (c *conn) streamBody(req *Request, decision BodyDecision) error {
	switch {
	case req.Chunked:
		return c.streamChunkedBody(req, decision)
	case req.ContentLength > 0:
		return c.streamFixedBody(req, decision)
	default:
		if !decision.isDiscard() && decision.fn != nil {
			c.dispatch(decision.fn, EndEvent{})
		}
		return nil
	}
}

const bodyChunkSize = 32 * 1024

func (c *conn) streamFixedBody(req *Request, decision BodyDecision) error {
	remain := req.ContentLength
	buf := make([]byte, bodyChunkSize)
	for remain > 0 {
		n := int64(len(buf))
		if remain < n {
			n = remain
		}
		read, err := io.ReadFull(c.br, buf[:n])
		if err != nil {
			rerr := newReadError(err)
			if !decision.isDiscard() && decision.fn != nil {
				c.dispatch(decision.fn, FailedEvent{Err: rerr})
			}
			return rerr
		}
		remain -= int64(read)
		if !decision.isDiscard() && decision.fn != nil {
			if stop := c.dispatchChunk(decision.fn, buf[:read]); stop {
				return c.discardRemaining(remain)
			}
		}
	}
	if !decision.isDiscard() && decision.fn != nil {
		c.dispatch(decision.fn, EndEvent{})
	}
	return nil
}

func (c *conn) streamChunkedBody(req *Request, decision BodyDecision) error {
	p := newParser(c.br)
	for {
		size, err := p.readChunkSize()
		if err != nil {
			if !decision.isDiscard() && decision.fn != nil {
				c.dispatch(decision.fn, FailedEvent{Err: err})
			}
			return err
		}
		if size == 0 {
			break
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			rerr := newReadError(err)
			if !decision.isDiscard() && decision.fn != nil {
				c.dispatch(decision.fn, FailedEvent{Err: rerr})
			}
			return rerr
		}
		if err := p.expectCRLF(); err != nil {
			if !decision.isDiscard() && decision.fn != nil {
				c.dispatch(decision.fn, FailedEvent{Err: err})
			}
			return err
		}
		if !decision.isDiscard() && decision.fn != nil {
			if stop := c.dispatchChunk(decision.fn, buf); stop {
				return c.drainChunkedFraming(p)
			}
		}
	}

	trailers, err := p.readHeaderBlock()
	if err != nil {
		if !decision.isDiscard() && decision.fn != nil {
			c.dispatch(decision.fn, FailedEvent{Err: err})
		}
		return err
	}
	if !decision.isDiscard() && decision.fn != nil {
		trailers.Each(func(key string, values []string) {
			// Hop-by-hop and framing headers (Content-Length,
			// Transfer-Encoding, ...) are forbidden as trailers per
			// RFC 7230 §4.1.2; httpguts.ValidTrailerHeader is the
			// same check the teacher's transferReader applies to its
			// blocking trailer read.
			if !httpguts.ValidTrailerHeader(key) {
				return
			}
			for _, v := range values {
				c.dispatch(decision.fn, TrailerEvent{Name: key, Value: v})
			}
		})
		c.dispatch(decision.fn, EndEvent{})
	}
	return nil
}

// dispatchChunk delivers a ChunkEvent and blocks the read loop until the
// handler calls Done, implementing the 0->1->0 in-flight transition
// spec.md §4.3.1 requires: no further body bytes are read off the wire
// while a chunk is still outstanding. It returns true if the handler
// asked to stop receiving further chunks.
func (c *conn) dispatchChunk(fn BodyFunc, data []byte) (stop bool) {
	done := make(chan error, 1)
	c.beginInFlight()
	fn(ChunkEvent{Data: data, Done: func(err error) {
		done <- err
	}}, &stop)
	<-done
	c.endInFlight()
	return stop
}

func (c *conn) dispatch(fn BodyFunc, event BodyEvent) {
	var stop bool
	fn(event, &stop)
}

func (c *conn) beginInFlight() {
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
}

func (c *conn) endInFlight() {
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
}

// discardRemaining consumes and drops n remaining bytes of a
// fixed-length body after a handler asked to stop receiving chunks.
func (c *conn) discardRemaining(n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, c.br, n)
	if err != nil {
		return newReadError(err)
	}
	return nil
}

// drainChunkedFraming consumes the rest of a chunked body's frames
// (without delivering them) after a handler asked to stop, so the
// connection stays aligned for the next pipelined request.
func (c *conn) drainChunkedFraming(p *parser) error {
	for {
		size, err := p.readChunkSize()
		if err != nil {
			return err
		}
		if size == 0 {
			break
		}
		if _, err := io.CopyN(io.Discard, c.br, int64(size)); err != nil {
			return newReadError(err)
		}
		if err := p.expectCRLF(); err != nil {
			return err
		}
	}
	_, err := p.readHeaderBlock()
	return err
}
