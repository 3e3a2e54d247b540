/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package http

import "github.com/badu/streamhttp/headers"

// Request is the immutable request header block the parser adapter (C1)
// hands to the request assembler (C2) once headers-complete fires. It
// never carries the body: the body arrives afterward as a stream of
// BodyEvent values delivered to whatever the handler's BodyDecision asks
// for.
type Request struct {
	Method     Method
	MethodName string // raw wire token; authoritative even for MethodOther
	Target     string // opaque request-target, e.g. "/path?query" or "*"
	Proto      Version
	Header     *headers.Headers

	// RemoteAddr is the client's address as reported by the socket.
	RemoteAddr string

	// Upgrade is non-empty when the request carried a Connection: Upgrade
	// plus Upgrade: <protocol> pair. The engine flags it but implements
	// nothing past the flag — see spec.md Non-goals.
	Upgrade string

	// ExpectContinue is true when the request declared Expect:
	// 100-continue. The connection driver uses this to decide whether to
	// emit an interim 100 Continue status line before the first body chunk.
	ExpectContinue bool

	// ContentLength is the declared request body length, -1 if the
	// request is chunked, or 0 if it declares no length.
	ContentLength int64

	// Chunked is true when Transfer-Encoding: chunked was declared.
	Chunked bool

	// Close records whether the request wants the connection closed after
	// its response — Connection: close, or HTTP/1.0 without Connection:
	// keep-alive — independent of what the response decides.
	Close bool
}

// ProtoAtLeast reports whether the request's protocol version is at
// least major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.Proto.AtLeast(major, minor)
}

// wantsClose reports whether this request wants the connection closed
// after the response (see Close).
func (r *Request) wantsClose() bool {
	return r.Close
}
