package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	raw := "GET /index.html?lang=en HTTP/1.1\r\n" +
		"Host: localhost:8081\r\n" +
		"Accept: */*\r\n" +
		"X-Request-Id: 42\r\n" +
		"\r\n" +
		"hello"

	req, err := NewRequestParser().Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/index.html?lang=en", req.Target)
	assert.Equal(t, "/index.html", req.Path)
	assert.Equal(t, "lang=en", req.Query)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Len(t, req.Header, 3, "one entry per header line")
	assert.Equal(t, "localhost:8081", req.Header["HTTP_HOST"])
	assert.Equal(t, "*/*", req.Header["HTTP_ACCEPT"])
	assert.Equal(t, "42", req.Header["HTTP_X_REQUEST_ID"])
	assert.Equal(t, []byte("hello"), req.Body)
}

func TestParseRequestBareLineFeeds(t *testing.T) {
	raw := "HEAD / HTTP/1.0\nHost: example.com\n\n"

	req, err := NewRequestParser().Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "HEAD", req.Method)
	assert.Equal(t, "/", req.Path)
	assert.Equal(t, "example.com", req.Header["HTTP_HOST"])
	assert.Empty(t, req.Body)
}

func TestParseRequestBodyIsVerbatim(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: a\r\n\r\nline one\r\n\r\nline two"

	req, err := NewRequestParser().Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "line one\r\n\r\nline two", string(req.Body))
}

func TestParseRequestErrors(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		format      bool
		unsupported *UnsupportedRequestError
	}{
		{name: "no terminator", raw: "GET / HTTP/1.1\r\nHost: a\r\n", format: true},
		{name: "request line only", raw: "GET / HTTP/1.1", format: true},
		{name: "two tokens", raw: "GET /\r\n\r\n", format: true},
		{name: "four tokens", raw: "GET / HTTP/1.1 extra\r\n\r\n", format: true},
		{name: "header without colon", raw: "GET / HTTP/1.1\r\nHost localhost\r\n\r\n", format: true},
		{name: "header with empty name", raw: "GET / HTTP/1.1\r\n: value\r\n\r\n", format: true},
		{name: "header with nothing after colon", raw: "GET / HTTP/1.1\r\nX-A:\r\n\r\n", format: true},
		{name: "header name with space", raw: "GET / HTTP/1.1\r\nBad Name: value\r\n\r\n", format: true},
		{name: "relative target", raw: "GET index.html HTTP/1.1\r\n\r\n", format: true},
		{
			name:        "unknown protocol",
			raw:         "GET / HTTP/2.0\r\nHost: a\r\n\r\n",
			unsupported: &UnsupportedRequestError{Protocol: "HTTP/2.0"},
		},
		{
			name:        "unknown method",
			raw:         "BREW /pot HTTP/1.1\r\nHost: a\r\n\r\n",
			unsupported: &UnsupportedRequestError{Method: "BREW"},
		},
		{
			name:        "post is not served",
			raw:         "POST / HTTP/1.1\r\nHost: a\r\n\r\n",
			unsupported: &UnsupportedRequestError{Method: "POST"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewRequestParser().Parse([]byte(tt.raw))
			require.Error(t, err)
			assert.Nil(t, req)

			if tt.format {
				var fe *FormatError
				assert.ErrorAs(t, err, &fe)
			}
			if tt.unsupported != nil {
				var ue *UnsupportedRequestError
				require.ErrorAs(t, err, &ue)
				assert.Equal(t, tt.unsupported, ue)
			}
		})
	}
}

func TestParseRequestBlankHeaderValue(t *testing.T) {
	req, err := NewRequestParser().Parse([]byte("GET / HTTP/1.1\r\nX-A: \r\n\r\n"))
	require.NoError(t, err)
	value, ok := req.Header["HTTP_X_A"]
	assert.True(t, ok)
	assert.Empty(t, value, "whitespace after the colon is a blank value")
}

func TestParseRequestDuplicateHeaders(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nHost: a\r\nAccept: text/html\r\nAccept: text/plain\r\n\r\n")

	t.Run("LastWins", func(t *testing.T) {
		req, err := NewRequestParser().Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "text/plain", req.Header["HTTP_ACCEPT"])
	})

	t.Run("Joined", func(t *testing.T) {
		p := NewRequestParser()
		p.JoinDuplicates = true
		req, err := p.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "text/html, text/plain", req.Header["HTTP_ACCEPT"])
	})
}

func TestRequestHostAndPort(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		host     string
		wantHost string
		wantPort int
		wantErr  error
	}{
		{name: "default port", target: "/", host: "example.com", wantHost: "example.com", wantPort: 80},
		{name: "explicit port", target: "/", host: "example.com:8081", wantHost: "example.com", wantPort: 8081},
		{name: "ipv6", target: "/", host: "[::1]:9000", wantHost: "::1", wantPort: 9000},
		{name: "ipv6 default port", target: "/", host: "[::1]", wantHost: "::1", wantPort: 80},
		{name: "absolute target wins", target: "http://origin.test:81/x", host: "example.com", wantHost: "origin.test", wantPort: 81},
		{name: "missing host", target: "/", host: "", wantErr: ErrMissingHost},
		{name: "empty host name", target: "/", host: ":8080", wantErr: ErrMissingHost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{Target: tt.target, Header: map[string]string{}}
			if tt.host != "" {
				req.Header["HTTP_HOST"] = tt.host
			}

			host, port, err := req.hostAndPort()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}

	t.Run("bad port", func(t *testing.T) {
		req := &Request{Target: "/", Header: map[string]string{"HTTP_HOST": "example.com:http"}}
		_, _, err := req.hostAndPort()
		var fe *FormatError
		assert.ErrorAs(t, err, &fe)
	})
}

func TestHeadEnd(t *testing.T) {
	assert.Equal(t, -1, headEnd([]byte("GET / HTTP/1.1\r\nHost: a\r\n")))
	assert.Equal(t, -1, headEnd(nil))

	head := "GET / HTTP/1.1\r\nHost: a\r\n\r\n"
	assert.Equal(t, len(head), headEnd([]byte(head+"body")))
}

func TestDeclaredContentLength(t *testing.T) {
	assert.Equal(t, 0, declaredContentLength([]byte("GET / HTTP/1.1\r\nHost: a\r\n")))
	assert.Equal(t, 12, declaredContentLength([]byte("GET / HTTP/1.1\r\ncontent-length: 12\r\n")))
	assert.Equal(t, 0, declaredContentLength([]byte("GET / HTTP/1.1\r\nContent-Length: -4\r\n")))
	assert.Equal(t, 0, declaredContentLength([]byte("GET / HTTP/1.1\r\nContent-Length: many\r\n")))
}

func TestReadRequest(t *testing.T) {
	t.Run("WaitsForDeclaredBody", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go func() {
			client.Write([]byte("GET / HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\n\r\n"))
			client.Write([]byte("bo"))
			client.Write([]byte("dy"))
		}()

		raw, err := readRequest(blockingIO{}, server, nil, 8, 1024)
		require.NoError(t, err)
		assert.Equal(t, "GET / HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\n\r\nbody", string(raw))
	})

	t.Run("KeepsBytesFromEarlierAttempt", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go client.Write([]byte("Host: a\r\n\r\n"))

		raw, err := readRequest(blockingIO{}, server, []byte("GET / HTTP/1.1\r\n"), 512, 1024)
		require.NoError(t, err)
		assert.Equal(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n", string(raw))
	})

	t.Run("EndsAtEOF", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()

		go func() {
			client.Write([]byte("GET / HTTP/1.1\r\n"))
			client.Close()
		}()

		raw, err := readRequest(blockingIO{}, server, nil, 512, 1024)
		require.NoError(t, err)
		assert.Equal(t, "GET / HTTP/1.1\r\n", string(raw))
	})

	t.Run("TooLarge", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go client.Write([]byte("GET /" + string(make([]byte, 64)) + " HTTP/1.1\r\n"))

		_, err := readRequest(blockingIO{}, server, nil, 16, 32)
		assert.ErrorIs(t, err, ErrRequestTooLarge)
	})
}
