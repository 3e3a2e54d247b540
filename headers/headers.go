/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package headers implements the ordered, case-insensitive multimap the
// connection engine uses for request and response headers. Unlike a plain
// map[string][]string it remembers first-seen order and original casing so
// a response can be re-serialized byte-for-byte the way it arrived, while
// still answering lookups case-insensitively.
package headers

import (
	"io"
	"sort"
	"strings"
)

const toLower = 'a' - 'A'

// SetCookie is the one header Joined refuses to combine: every
// occurrence must reach the handler (or the wire) as a separate line.
const SetCookie = "Set-Cookie"

// entry is one (canonical key, values, original casing) triple.
type entry struct {
	key    string // canonical form, used for equality
	raw    string // casing as first added or as last passed to Set, used for serialization
	values []string
}

// Headers is an ordered multimap from case-insensitive header name to one
// or more values. Iteration order matches insertion order. The zero value
// is ready to use.
type Headers struct {
	order []entry
	index map[string]int // canonical key -> position in order
}

// New returns an empty Headers ready for use.
func New() *Headers {
	return &Headers{index: make(map[string]int)}
}

func (h *Headers) ensureIndex() {
	if h.index == nil {
		h.index = make(map[string]int)
	}
}

// Add appends value to key, preserving any existing values. The first
// occurrence of a key sets the casing used on the wire; a later Set
// replaces it.
func (h *Headers) Add(key, value string) {
	h.ensureIndex()
	canon := CanonicalKey(key)
	if i, ok := h.index[canon]; ok {
		h.order[i].values = append(h.order[i].values, value)
		return
	}
	h.index[canon] = len(h.order)
	h.order = append(h.order, entry{key: canon, raw: key, values: []string{value}})
}

// Set replaces all values for key with the single value given, keeping the
// key's original serialization position if it already existed.
func (h *Headers) Set(key, value string) {
	h.ensureIndex()
	canon := CanonicalKey(key)
	if i, ok := h.index[canon]; ok {
		h.order[i].raw = key
		h.order[i].values = []string{value}
		return
	}
	h.index[canon] = len(h.order)
	h.order = append(h.order, entry{key: canon, raw: key, values: []string{value}})
}

// Del removes every value associated with key.
func (h *Headers) Del(key string) {
	canon := CanonicalKey(key)
	i, ok := h.index[canon]
	if !ok {
		return
	}
	h.order = append(h.order[:i], h.order[i+1:]...)
	delete(h.index, canon)
	for k, v := range h.index {
		if v > i {
			h.index[k] = v - 1
		}
	}
}

// Get returns the first value for key, or "" if absent. For Set-Cookie,
// prefer Values to avoid silently dropping all but the first cookie.
func (h *Headers) Get(key string) string {
	vv := h.Values(key)
	if len(vv) == 0 {
		return ""
	}
	return vv[0]
}

// Values returns every value for key in insertion order, or nil if absent.
// The returned slice must not be mutated by the caller.
func (h *Headers) Values(key string) []string {
	if h == nil || h.index == nil {
		return nil
	}
	i, ok := h.index[CanonicalKey(key)]
	if !ok {
		return nil
	}
	return h.order[i].values
}

// Has reports whether key has at least one value.
func (h *Headers) Has(key string) bool {
	if h == nil || h.index == nil {
		return false
	}
	_, ok := h.index[CanonicalKey(key)]
	return ok
}

// Joined returns the values for key joined with ", ", the way most
// multi-valued headers may be combined. Set-Cookie must never be read this
// way: callers that need every cookie should call Values(SetCookie).
func (h *Headers) Joined(key string) string {
	if strings.EqualFold(key, SetCookie) {
		panic("headers: Joined must not be used for Set-Cookie")
	}
	return strings.Join(h.Values(key), ", ")
}

// Len returns the number of distinct header names stored.
func (h *Headers) Len() int {
	return len(h.order)
}

// Clone returns a deep copy that shares no backing arrays with h.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return New()
	}
	out := &Headers{
		order: make([]entry, len(h.order)),
		index: make(map[string]int, len(h.index)),
	}
	for i, e := range h.order {
		vv := make([]string, len(e.values))
		copy(vv, e.values)
		out.order[i] = entry{key: e.key, raw: e.raw, values: vv}
		out.index[e.key] = i
	}
	return out
}

// Each calls fn once per header name in insertion order with every value
// for that name. fn must not mutate h.
func (h *Headers) Each(fn func(key string, values []string)) {
	if h == nil {
		return
	}
	for _, e := range h.order {
		fn(e.raw, e.values)
	}
}

// Keys returns the canonical keys currently stored in insertion order.
func (h *Headers) Keys() []string {
	keys := make([]string, len(h.order))
	for i, e := range h.order {
		keys[i] = e.key
	}
	return keys
}

// WriteTo serializes every header in insertion order as "Name: value\r\n"
// pairs, skipping keys present in exclude. Original casing is preserved;
// values are never reordered or sorted — the ordered multimap's whole
// point is a faithful round trip.
func (h *Headers) WriteTo(w io.Writer, exclude map[string]bool) error {
	for _, e := range h.order {
		if exclude[e.key] {
			continue
		}
		for _, v := range e.values {
			v = crlfToSpace.Replace(v)
			if _, err := io.WriteString(w, e.raw); err != nil {
				return err
			}
			if _, err := io.WriteString(w, ": "); err != nil {
				return err
			}
			if _, err := io.WriteString(w, v); err != nil {
				return err
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

var crlfToSpace = strings.NewReplacer("\r", " ", "\n", " ")

// SortedKeys returns the canonical keys sorted alphabetically. It exists
// for callers (diagnostics, tests) that want deterministic output; normal
// wire serialization uses insertion order via WriteTo.
func (h *Headers) SortedKeys() []string {
	keys := h.Keys()
	sort.Strings(keys)
	return keys
}

// isTokenTable mirrors RFC 7230's token character class.
var isTokenTable = [127]bool{
	'0': true, '1': true, '2': true, '3': true, '4': true, '5': true, '6': true, '7': true,
	'8': true, '9': true,

	'a': true, 'b': true, 'c': true, 'd': true, 'e': true, 'f': true, 'g': true, 'h': true,
	'i': true, 'j': true, 'k': true, 'l': true, 'm': true, 'n': true, 'o': true, 'p': true,
	'q': true, 'r': true, 's': true, 't': true, 'u': true, 'v': true, 'w': true, 'x': true,
	'y': true, 'z': true,

	'A': true, 'B': true, 'C': true, 'D': true, 'E': true, 'F': true, 'G': true, 'H': true,
	'I': true, 'J': true, 'K': true, 'L': true, 'M': true, 'N': true, 'O': true, 'P': true,
	'Q': true, 'R': true, 'S': true, 'T': true, 'U': true, 'V': true, 'W': true, 'X': true,
	'Y': true, 'Z': true,

	'!': true, '#': true, '$': true, '%': true, '&': true, '\'': true, '*': true, '+': true,
	'-': true, '.': true, '^': true, '_': true, '`': true, '|': true, '~': true,
}

func validHeaderFieldByte(b byte) bool {
	return int(b) < len(isTokenTable) && isTokenTable[b]
}

// CanonicalKey returns the canonical form of a header name: MIME-style
// Title-Case-With-Dashes (Content-Length, User-Agent). Keys that aren't
// valid tokens are returned unchanged, matching the historical behavior
// callers rely on when passed already-canonical or pass-through values.
func CanonicalKey(key string) string {
	for i := 0; i < len(key); i++ {
		if !validHeaderFieldByte(key[i]) {
			return key
		}
	}
	a := []byte(key)
	upper := true
	for i, c := range a {
		switch {
		case upper && 'a' <= c && c <= 'z':
			c -= toLower
		case !upper && 'A' <= c && c <= 'Z':
			c += toLower
		}
		a[i] = c
		upper = c == '-'
	}
	return string(a)
}
