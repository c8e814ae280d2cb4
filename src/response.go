package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

const (
	httpProto = "HTTP/1.1"
	crlf      = "\r\n"
)

// Response is the (status, headers, body) triple returned by a Handler.
// Body is read once, to EOF, and closed afterwards when it is an io.Closer.
type Response struct {
	Status int
	Header map[string]string
	Body   io.Reader
}

// NewResponse builds a response around an in-memory body.
func NewResponse(status int, header map[string]string, body []byte) *Response {
	if header == nil {
		header = make(map[string]string)
	}
	return &Response{Status: status, Header: header, Body: bytes.NewReader(body)}
}

// Handler maps a request environment to a response.
type Handler interface {
	Call(env Env) (*Response, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(env Env) (*Response, error)

func (f HandlerFunc) Call(env Env) (*Response, error) {
	return f(env)
}

// WriteResponse encodes resp onto w: status line, one "key: value" line per
// header, a blank line, then the body. CR and LF are dropped from header
// values; headers are otherwise written as given. When
// omitBody is set (HEAD requests) only the head is written. It returns the
// number of body bytes written.
func WriteResponse(w io.Writer, resp *Response, omitBody bool) (int64, error) {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %s%s", httpProto, statusText(resp.Status), crlf); err != nil {
		return 0, err
	}
	for k, v := range resp.Header {
		if _, err := fmt.Fprintf(bw, "%s: %s%s", k, sanitizeHeaderValue(v), crlf); err != nil {
			return 0, err
		}
	}
	if _, err := bw.WriteString(crlf); err != nil {
		return 0, err
	}

	var n int64
	if resp.Body != nil {
		if c, ok := resp.Body.(io.Closer); ok {
			defer c.Close()
		}
		if !omitBody {
			var err error
			n, err = io.Copy(bw, resp.Body)
			if err != nil {
				return n, fmt.Errorf("failed to write body: %w", err)
			}
		}
	}
	return n, bw.Flush()
}

// statusText renders the status part of the status line: the code, followed
// by the reason phrase when one is known.
func statusText(code int) string {
	if reason := defaultReason(code); reason != "" {
		return fmt.Sprintf("%d %s", code, reason)
	}
	return fmt.Sprintf("%d", code)
}

func defaultReason(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return ""
	}
}

// sanitizeHeaderValue strips CR and LF so a value cannot end the header line.
func sanitizeHeaderValue(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}
