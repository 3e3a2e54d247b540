/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package http

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/badu/streamhttp/headers"
)

// Component C1: the byte-parser adapter. It owns the bufio.Reader over
// the socket and turns the byte stream into a sequence of parse events
// fed to the connection driver one request at a time. Grounded on the
// teacher's utils_chunks.go line/hex scanning and hdr's header-block
// reader, coalesced here into a single incremental state machine instead
// of the teacher's per-phase blocking reads, so a connection goroutine
// can interleave parsing with back-pressure waits.
type parser struct {
	br *bufio.Reader
}

func newParser(br *bufio.Reader) *parser {
	return &parser{br: br}
}

const maxLineLength = 64 * 1024 // same ceiling the teacher's readChunkLine enforces

var errLineTooLong = newParseError("header line too long")

// parsedHead is the request line plus header block the parser produces
// before handing control to the assembler for body streaming.
type parsedHead struct {
	methodName string
	target     string
	proto      Version
	header     *headers.Headers
}

// readRequestLine reads and splits "METHOD SP target SP HTTP/x.y CRLF".
func (p *parser) readRequestLine() (method, target, proto string, err error) {
	line, err := p.readLine()
	if err != nil {
		return "", "", "", err
	}
	if len(line) == 0 {
		return "", "", "", newParseError("empty request line")
	}
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return "", "", "", newParseError("malformed request line")
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 < 0 {
		return "", "", "", newParseError("malformed request line")
	}
	return string(line[:sp1]), string(rest[:sp2]), string(rest[sp2+1:]), nil
}

// readLine reads one CRLF- or LF-terminated line, trimming the
// terminator, and enforces maxLineLength the way the teacher's
// readChunkLine does for chunk-size lines.
func (p *parser) readLine() ([]byte, error) {
	line, err := p.br.ReadSlice('\n')
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == bufio.ErrBufferFull {
			return nil, errLineTooLong
		}
		return nil, newReadError(err)
	}
	if len(line) >= maxLineLength {
		return nil, errLineTooLong
	}
	line = bytes.TrimRight(line, "\r\n")
	return line, nil
}

// readHeaderBlock reads header-field lines until a blank line, folding
// obsolete line-continuations away is intentionally unsupported (RFC
// 7230 §3.2.4 deprecates them; the teacher's hdr reader drops them too).
func (p *parser) readHeaderBlock() (*headers.Headers, error) {
	h := headers.New()
	for {
		line, err := p.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			return h, nil
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, newParseError("malformed header line")
		}
		key := string(bytes.TrimSpace(line[:colon]))
		if !httpguts.ValidHeaderFieldName(key) {
			return nil, newParseError("invalid header field name")
		}
		value := string(bytes.TrimSpace(line[colon+1:]))
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, newParseError("invalid header field value")
		}
		h.Add(key, value)
	}
}

// readChunkSize reads a chunk-size line, stripping any chunk-extension,
// exactly as the teacher's readChunkLine/removeChunkExtension do.
func (p *parser) readChunkSize() (uint64, error) {
	line, err := p.readLine()
	if err != nil {
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	return parseHexUint(line)
}

func parseHexUint(v []byte) (uint64, error) {
	if len(v) == 0 || len(v) > 16 {
		return 0, newParseError("invalid chunk size")
	}
	n, err := strconv.ParseUint(string(v), 16, 64)
	if err != nil {
		return 0, newParseError("invalid chunk size")
	}
	return n, nil
}

// expectCRLF consumes exactly "\r\n", the terminator every chunk's data
// and the final chunk both require.
func (p *parser) expectCRLF() error {
	var buf [2]byte
	if _, err := io.ReadFull(p.br, buf[:]); err != nil {
		return newReadError(err)
	}
	if buf[0] != '\r' || buf[1] != '\n' {
		return newParseError("missing chunk CRLF terminator")
	}
	return nil
}
