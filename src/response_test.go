package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// splitResponse breaks an encoded response into its status line, headers and body.
func splitResponse(t *testing.T, raw string) (string, map[string]string, string) {
	t.Helper()
	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok, "response head is not terminated: %q", raw)

	lines := strings.Split(head, "\r\n")
	header := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ": ")
		require.True(t, ok, "malformed header line %q", line)
		header[k] = v
	}
	return lines[0], header, body
}

type closeTracker struct {
	*bytes.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestWriteResponse(t *testing.T) {
	resp := NewResponse(200, map[string]string{
		"Content-Type":   "text/html",
		"Content-Length": "11",
	}, []byte("<p>hey</p>\n"))

	var buf bytes.Buffer
	n, err := WriteResponse(&buf, resp, false)
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)

	status, header, body := splitResponse(t, buf.String())
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	assert.Equal(t, map[string]string{"Content-Type": "text/html", "Content-Length": "11"}, header)
	assert.Equal(t, "<p>hey</p>\n", body)
}

func TestWriteResponseOmitsBody(t *testing.T) {
	body := &closeTracker{Reader: bytes.NewReader([]byte("not sent"))}
	resp := &Response{Status: 200, Header: map[string]string{"Content-Length": "8"}, Body: body}

	var buf bytes.Buffer
	n, err := WriteResponse(&buf, resp, true)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	assert.True(t, body.closed, "body is closed even when it is not sent")

	_, header, rest := splitResponse(t, buf.String())
	assert.Equal(t, "8", header["Content-Length"])
	assert.Empty(t, rest)
}

func TestWriteResponseStatusLine(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{404, "HTTP/1.1 404 Not Found"},
		{500, "HTTP/1.1 500 Internal Server Error"},
		{503, "HTTP/1.1 503 Service Unavailable"},
		{505, "HTTP/1.1 505 HTTP Version Not Supported"},
		{299, "HTTP/1.1 299"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := WriteResponse(&buf, NewResponse(tt.status, nil, nil), false)
			require.NoError(t, err)
			status, header, body := splitResponse(t, buf.String())
			assert.Equal(t, tt.want, status)
			assert.Empty(t, header)
			assert.Empty(t, body)
		})
	}
}

func TestWriteResponseNilBody(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteResponse(&buf, &Response{Status: 204}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	assert.Equal(t, "HTTP/1.1 204 No Content\r\n\r\n", buf.String())
}

func TestWriteResponseStripsLineBreaks(t *testing.T) {
	resp := NewResponse(200, map[string]string{"X-Note": "a\r\nSet-Cookie: evil=1"}, nil)

	var buf bytes.Buffer
	_, err := WriteResponse(&buf, resp, false)
	require.NoError(t, err)

	_, header, _ := splitResponse(t, buf.String())
	assert.Len(t, header, 1)
	assert.Equal(t, "aSet-Cookie: evil=1", header["X-Note"])
}

// The request parser's head splitter finds the boundary of an encoded
// response, even when the body itself contains a blank line.
func TestWriteResponseSplitsAtHead(t *testing.T) {
	body := []byte("first\r\n\r\nsecond")
	resp := NewResponse(201, map[string]string{
		"Content-Type":   "text/plain",
		"Content-Length": "15",
	}, body)

	var buf bytes.Buffer
	_, err := WriteResponse(&buf, resp, false)
	require.NoError(t, err)

	head, rest, ok := splitHead(buf.Bytes())
	require.True(t, ok)
	assert.Equal(t, body, rest)

	lines := strings.Split(strings.TrimRight(string(head), "\r"), "\r\n")
	assert.Equal(t, "HTTP/1.1 201 Created", lines[0])
	assert.ElementsMatch(t, []string{"Content-Type: text/plain", "Content-Length: 15"}, lines[1:])
}

func TestHandlerFunc(t *testing.T) {
	h := HandlerFunc(func(env Env) (*Response, error) {
		return NewResponse(200, nil, []byte(env.String(EnvPathInfo))), nil
	})

	resp, err := h.Call(Env{EnvPathInfo: "/x"})
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = WriteResponse(&buf, resp, false)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(buf.String(), "\r\n\r\n/x"))
}
