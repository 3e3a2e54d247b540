/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package contentsniff implements the WHATWG MIME-sniffing algorithm's
// well-known signature table, adapted from the teacher's sniff package
// (exactSig/textSig) into a self-contained DetectContentType the
// response writer calls when a handler sends a body without ever
// setting Content-Type.
package contentsniff

import "bytes"

// sniffLen is how many leading body bytes the algorithm inspects, per
// the WHATWG spec's recommended sniff length.
const sniffLen = 512

type sig interface {
	// match returns the content-type if data (truncated to at most
	// sniffLen bytes) matches the signature, or "" otherwise.
	// firstNonWS is the offset of data's first non-whitespace byte,
	// used by signatures that must skip leading whitespace.
	match(data []byte, firstNonWS int) string
}

type exactSig struct {
	sig []byte
	ct  string
}

func (e *exactSig) match(data []byte, firstNonWS int) string {
	if len(data) >= len(e.sig) && bytes.Equal(data[0:len(e.sig)], e.sig) {
		return e.ct
	}
	return ""
}

type maskedSig struct {
	mask, pat []byte
	skipWS    bool
	ct        string
}

func (m *maskedSig) match(data []byte, firstNonWS int) string {
	if m.skipWS {
		data = data[firstNonWS:]
	}
	if len(data) < len(m.mask) {
		return ""
	}
	for i, mask := range m.mask {
		db := data[i] & mask
		if db != m.pat[i] {
			return ""
		}
	}
	return m.ct
}

type textSig struct{}

func (textSig) match(data []byte, firstNonWS int) string {
	// c.f. section 5, step 4.
	for _, b := range data[firstNonWS:] {
		switch {
		case b <= 0x08,
			b == 0x0B,
			0x0E <= b && b <= 0x1A,
			0x1C <= b && b <= 0x1F:
			return ""
		}
	}
	return "text/plain; charset=utf-8"
}

// sniffSignatures is the table of well-known signatures, ordered the
// way the algorithm requires: more specific matches before the
// catch-all text/binary fallbacks.
var sniffSignatures = []sig{
	&exactSig{[]byte("\x00\x00\x01\x00"), "image/x-icon"},
	&exactSig{[]byte("\x00\x00\x02\x00"), "image/x-icon"},
	&exactSig{[]byte("BM"), "image/bmp"},
	&exactSig{[]byte("GIF87a"), "image/gif"},
	&exactSig{[]byte("GIF89a"), "image/gif"},
	&exactSig{[]byte("\x89PNG\x0D\x0A\x1A\x0A"), "image/png"},
	&exactSig{[]byte("\xFF\xD8\xFF"), "image/jpeg"},
	&exactSig{[]byte("\x1A\x45\xDF\xA3"), "video/webm"},
	&exactSig{[]byte("\x00\x61\x73\x6D"), "application/wasm"},
	&exactSig{[]byte("%PDF-"), "application/pdf"},
	&exactSig{[]byte("%!PS-Adobe-"), "application/postscript"},
	&maskedSig{
		mask: []byte("\xFF\xFF\xFF\xFF\x00\x00\x00\x00\xFF\xFF\xFF\xFF"),
		pat:  []byte("RIFF\x00\x00\x00\x00WAVE"),
		ct:   "audio/wave",
	},
	&exactSig{[]byte("{"), "text/plain; charset=utf-8"},
	&exactSig{[]byte("<?xml"), "text/xml; charset=utf-8"},
	&maskedSig{mask: bytes.Repeat([]byte{0xFF}, 14), pat: []byte("<!DOCTYPE HTML"), skipWS: true, ct: "text/html; charset=utf-8"},
	&maskedSig{mask: bytes.Repeat([]byte{0xFF}, 5), pat: []byte("<HTML"), skipWS: true, ct: "text/html; charset=utf-8"},
	textSig{},
}

// DetectContentType implements the content sniffing algorithm described
// at https://mimesniff.spec.whatwg.org/. Given the first chunk of an
// unsniffed response body, it returns a media type.
func DetectContentType(data []byte) string {
	if len(data) > sniffLen {
		data = data[:sniffLen]
	}

	firstNonWS := 0
	for ; firstNonWS < len(data) && isWS(data[firstNonWS]); firstNonWS++ {
	}

	for _, sg := range sniffSignatures {
		if ct := sg.match(data, firstNonWS); ct != "" {
			return ct
		}
	}

	return "application/octet-stream" // fallback
}

// isWS reports whether the provided byte is a whitespace byte (0xWS)
// per https://mimesniff.spec.whatwg.org/#terminology.
func isWS(b byte) bool {
	switch b {
	case '\t', '\n', '\x0C', '\r', ' ':
		return true
	}
	return false
}
