/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package http

import (
	"strconv"

	"golang.org/x/net/http/httpguts"
)

// Component C2: the request assembler. It takes the parser's raw head
// (method/target/proto/headers) and resolves the framing fields a
// connection driver needs to stream the body correctly — Content-Length
// vs Transfer-Encoding precedence, Expect: 100-continue, Connection:
// close/keep-alive — before the handler ever sees the request. Grounded
// on the teacher's transferReader.fixTransferEncoding/fixLength
// (utils_transfer.go), trimmed to the request side only since this
// engine is server-only.
func assembleRequest(head parsedHead, remoteAddr string) (*Request, error) {
	method, methodName := parseMethod(head.methodName)
	proto, ok := parseVersion(head.proto)
	if !ok {
		return nil, newParseError("unrecognized protocol version " + head.proto)
	}

	req := &Request{
		Method:     method,
		MethodName: methodName,
		Target:     head.target,
		Proto:      proto,
		Header:     head.header,
		RemoteAddr: remoteAddr,
	}

	if err := validateHeaders(req); err != nil {
		return nil, err
	}
	if err := resolveFraming(req); err != nil {
		return nil, err
	}
	resolveUpgrade(req)
	req.ExpectContinue = hasToken(req.Header.Get(HeaderExpect), token100Continue)
	req.Close = resolveClose(req)
	return req, nil
}

// validateHeaders rejects a malformed Host header the way the teacher's
// conn.go readRequest does with httplex.ValidHostHeader, before the
// handler ever sees a request whose target it can't trust.
func validateHeaders(req *Request) error {
	hosts := req.Header.Values(HeaderHost)
	if len(hosts) > 1 {
		return newParseError("too many Host headers")
	}
	if len(hosts) == 1 && !httpguts.ValidHostHeader(hosts[0]) {
		return newParseError("invalid Host header")
	}
	return nil
}

// resolveFraming implements the Content-Length/Transfer-Encoding
// precedence RFC 7230 §3.3.3 requires: chunked wins whenever both are
// present and valid, and a malformed Content-Length is a parse error
// rather than a silently ignored body.
func resolveFraming(req *Request) error {
	te := req.Header.Get(HeaderTransferEncoding)
	if te != "" {
		if !equalFold(te, tokenChunked) {
			return newParseError("unsupported transfer-encoding " + te)
		}
		req.Chunked = true
		req.ContentLength = -1
		// RFC 7230 §3.3.3 step 3: a Content-Length alongside chunked
		// Transfer-Encoding must be ignored for framing purposes, and
		// the header is removed so a naive forwarder can't be confused
		// by it, per the teacher's fixLength handling of this case.
		req.Header.Del(HeaderContentLength)
		return nil
	}

	cls := req.Header.Values(HeaderContentLength)
	switch len(cls) {
	case 0:
		req.ContentLength = 0
		return nil
	case 1:
		n, err := strconv.ParseInt(cls[0], 10, 64)
		if err != nil || n < 0 {
			return newParseError("invalid content-length")
		}
		req.ContentLength = n
		return nil
	default:
		// Multiple Content-Length headers are a request-smuggling
		// vector unless every value agrees; reject rather than pick one.
		for _, v := range cls[1:] {
			if v != cls[0] {
				return newParseError("conflicting content-length headers")
			}
		}
		n, err := strconv.ParseInt(cls[0], 10, 64)
		if err != nil || n < 0 {
			return newParseError("invalid content-length")
		}
		req.ContentLength = n
		return nil
	}
}

func resolveUpgrade(req *Request) {
	if !hasToken(req.Header.Get(HeaderConnection), tokenUpgrade) {
		return
	}
	req.Upgrade = req.Header.Get(HeaderUpgrade)
}

// resolveClose implements the per-version keep-alive default: HTTP/1.1
// defaults to keep-alive unless Connection: close is present; HTTP/1.0
// defaults to close unless Connection: keep-alive is present.
func resolveClose(req *Request) bool {
	conn := req.Header.Get(HeaderConnection)
	if hasToken(conn, tokenClose) {
		return true
	}
	if req.Proto.AtLeast(1, 1) {
		return false
	}
	return !hasToken(conn, tokenKeepAlive)
}
