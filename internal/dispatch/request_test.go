package dispatch

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseEncode_DerivesContentLength(t *testing.T) {
	resp := NewResponse(http.StatusAccepted, []byte("queued"))
	resp.Headers["Content-Length"] = "9999"
	resp.Headers["X-Collector"] = "edge-1"

	wire := resp.Encode(false)

	parsed, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(wire)), nil)
	require.NoError(t, err)
	defer parsed.Body.Close()

	body, err := io.ReadAll(parsed.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, parsed.StatusCode)
	assert.Equal(t, int64(6), parsed.ContentLength)
	assert.Equal(t, "queued", string(body))
	assert.Equal(t, "edge-1", parsed.Header.Get("X-Collector"))
	assert.False(t, parsed.Close)
}

func TestResponseEncode_Closing(t *testing.T) {
	wire := ErrorResponse(http.StatusRequestEntityTooLarge, "too large").Encode(true)

	parsed, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(wire)), nil)
	require.NoError(t, err)
	defer parsed.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, parsed.StatusCode)
	assert.True(t, parsed.Close)
}

func TestResponseEncode_StripsCRLFFromValues(t *testing.T) {
	resp := NewResponse(http.StatusOK, nil)
	resp.Headers["X-Bad"] = "a\r\nSet-Cookie: injected=1"

	wire := resp.Encode(false)
	assert.NotContains(t, string(wire), "\r\nSet-Cookie")
}

func TestResponse_SetHeaderCaseInsensitive(t *testing.T) {
	resp := NewResponse(http.StatusOK, nil)
	resp.SetHeader("content-type", "text/plain")
	resp.SetHeader("Content-Type", "application/json")

	assert.Len(t, resp.Headers, 1)
	v, ok := resp.Header("CONTENT-TYPE")
	assert.True(t, ok)
	assert.Equal(t, "application/json", v)
}

func TestRequestURI(t *testing.T) {
	assert.Equal(t, "/a", (&Request{Target: "/a"}).URI())
	assert.Equal(t, "/a?x=1", (&Request{Target: "/a", Query: "x=1"}).URI())
}
