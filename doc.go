/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package http implements the streaming HTTP/1.1 server engine: a
// per-connection protocol driver that bridges a byte-oriented TCP socket
// to a handler callback, manages pipelined requests, performs chunked
// framing, respects keep-alive, and coordinates back-pressure between
// socket reads, an incremental byte-stream parser, a user handler, and
// socket writes.
//
// Typed header accessors, routing, URL semantics beyond an opaque target
// string, and TLS handshake details are treated as external collaborators
// and live outside this package.
package http
