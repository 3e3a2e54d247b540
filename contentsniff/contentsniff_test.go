package contentsniff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Grounded on the teacher's tests/sniff_test.go table, trimmed to the
// signatures this package's table actually carries.
var sniffTests = []struct {
	desc        string
	data        []byte
	contentType string
}{
	{"Empty", []byte{}, "text/plain; charset=utf-8"},
	{"Binary", []byte{1, 2, 3}, "application/octet-stream"},

	{"HTML document #1", []byte(`<HTML><body>blah blah blah</body></html>`), "text/html; charset=utf-8"},
	{"HTML document #2 (leading whitespace)", []byte("   <!DOCTYPE HTML>..."), "text/html; charset=utf-8"},

	{"Plain text", []byte("This is not HTML."), "text/plain; charset=utf-8"},
	{"JSON-ish", []byte(`{"a":1}`), "text/plain; charset=utf-8"},
	{"XML", []byte("<?xml version=\"1.0\"?>"), "text/xml; charset=utf-8"},

	{"GIF 87a", []byte(`GIF87a`), "image/gif"},
	{"GIF 89a", []byte(`GIF89a...`), "image/gif"},
	{"PNG", []byte("\x89PNG\x0D\x0A\x1A\x0A..."), "image/png"},
	{"JPEG", []byte("\xFF\xD8\xFF..."), "image/jpeg"},
	{"BMP", []byte("BM..."), "image/bmp"},
	{"Windows icon", []byte("\x00\x00\x01\x00..."), "image/x-icon"},

	{"WebM", []byte("\x1A\x45\xDF\xA3..."), "video/webm"},
	{"Wasm", []byte("\x00\x61\x73\x6D\x01\x00\x00\x00"), "application/wasm"},
	{"PDF", []byte("%PDF-1.5..."), "application/pdf"},
	{"PostScript", []byte("%!PS-Adobe-3.0..."), "application/postscript"},
	{"WAVE audio", []byte("RIFF\x00\x00\x00\x00WAVEfmt \x12\x00\x00\x00\x06"), "audio/wave"},
}

func TestDetectContentType(t *testing.T) {
	for _, tt := range sniffTests {
		t.Run(tt.desc, func(t *testing.T) {
			got := DetectContentType(tt.data)
			assert.Equal(t, tt.contentType, got)
		})
	}
}

func TestDetectContentTypeTruncatesSniffWindow(t *testing.T) {
	data := make([]byte, sniffLen+100)
	for i := range data {
		data[i] = 'a'
	}
	assert.Equal(t, "text/plain; charset=utf-8", DetectContentType(data))
}

func TestDetectContentTypeControlBytesAreBinary(t *testing.T) {
	assert.Equal(t, "application/octet-stream", DetectContentType([]byte{0x01, 0x02, 0x7F}))
}
