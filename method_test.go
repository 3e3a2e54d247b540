package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMethodKnown(t *testing.T) {
	m, raw := parseMethod("POST")
	assert.Equal(t, POST, m)
	assert.Equal(t, "POST", raw)
}

func TestParseMethodUnknownIsOpenVariant(t *testing.T) {
	m, raw := parseMethod("PROPFIND")
	assert.Equal(t, MethodOther, m)
	assert.Equal(t, "PROPFIND", raw, "the raw wire token must survive even though the enum can't name it")
}

func TestMethodString(t *testing.T) {
	assert.Equal(t, "GET", GET.String())
	assert.Equal(t, "OTHER", MethodOther.String())
}
