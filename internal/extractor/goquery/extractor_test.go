package goqueryextractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractDocumentOrder(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><body>
		<a href="https://a.example">a</a>
		<p><a href="/b">b</a></p>
		<a name="anchor-only">skip</a>
		<a href="  ">blank</a>
		<div><a href="c.html">c</a><a href="#d">d</a></div>
	</body></html>`)

	got := New(nil).Extract(body)
	assert.Equal(t, []string{"https://a.example", "/b", "c.html", "#d"}, got)
}

func TestExtractEmptyAndMalformed(t *testing.T) {
	t.Parallel()

	e := New(nil)
	assert.Empty(t, e.Extract(nil))
	assert.Empty(t, e.Extract([]byte{}))
	assert.Empty(t, e.Extract([]byte("\x00\x01\x02 not html")))
	assert.Equal(t, []string{"x"}, e.Extract([]byte(`<a href="x">unterminated`)))
}

func TestExtractIdempotent(t *testing.T) {
	t.Parallel()

	body := []byte(`<a href="1"></a><a href="2"></a><a href="1"></a>`)
	e := New(nil)
	first := e.Extract(body)
	second := e.Extract(body)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"1", "2", "1"}, first)
}
