package main

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Request represents a parsed request record. It is not modified after Parse.
type Request struct {
	Method string
	Target string
	Path   string
	Query  string
	Proto  string
	// Header is keyed by environment key (HTTP_*).
	Header map[string]string
	Body   []byte
}

// RequestParser turns raw request bytes into a Request.
type RequestParser struct {
	Methods   map[string]bool
	Protocols map[string]bool
	// JoinDuplicates joins repeated header values with ", " instead of
	// keeping only the last one.
	JoinDuplicates bool
}

// NewRequestParser returns a parser accepting GET and HEAD over HTTP/1.0 and HTTP/1.1.
func NewRequestParser() *RequestParser {
	return &RequestParser{
		Methods:   map[string]bool{"GET": true, "HEAD": true},
		Protocols: map[string]bool{"HTTP/1.0": true, "HTTP/1.1": true},
	}
}

// Parse parses a complete request: request line, header lines, a blank
// line, then the body verbatim.
func (p *RequestParser) Parse(raw []byte) (*Request, error) {
	head, body, ok := splitHead(raw)
	if !ok {
		return nil, &FormatError{Detail: "header block is not terminated by a blank line"}
	}

	lines := strings.Split(string(head), "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	req := &Request{
		Header: make(map[string]string, len(lines)-1),
		Body:   body,
	}
	if err := p.parseRequestLine(req, lines[0]); err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return nil, &FormatError{Detail: fmt.Sprintf("invalid header line %q", line)}
		}
		if idx == len(line)-1 {
			return nil, &FormatError{Detail: fmt.Sprintf("header line %q has no value", line)}
		}
		name := line[:idx]
		if strings.ContainsAny(name, " \t") {
			return nil, &FormatError{Detail: fmt.Sprintf("invalid header name %q", name)}
		}

		key := headerEnvKey(name)
		value := strings.TrimSpace(line[idx+1:])
		if prev, dup := req.Header[key]; dup && p.JoinDuplicates {
			value = prev + ", " + value
		}
		req.Header[key] = value
	}

	return req, nil
}

func (p *RequestParser) parseRequestLine(req *Request, line string) error {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return &FormatError{Detail: fmt.Sprintf("invalid request line %q", line)}
	}
	req.Method, req.Target, req.Proto = parts[0], parts[1], parts[2]

	if !p.Protocols[req.Proto] {
		return &UnsupportedRequestError{Protocol: req.Proto}
	}
	if !p.Methods[req.Method] {
		return &UnsupportedRequestError{Method: req.Method}
	}

	u, err := url.ParseRequestURI(req.Target)
	if err != nil {
		return &FormatError{Detail: fmt.Sprintf("invalid request target %q", req.Target)}
	}
	req.Path = u.Path
	req.Query = u.RawQuery
	return nil
}

// hostAndPort extracts the server name and port from the request target and
// headers. The port defaults to 80.
func (req *Request) hostAndPort() (string, int, error) {
	// Try absolute-form URI first
	if strings.HasPrefix(req.Target, "http://") {
		u, err := url.Parse(req.Target)
		if err == nil && u.Hostname() != "" {
			return splitHostPort(u.Host)
		}
	}

	hostHeader := strings.TrimSpace(req.Header[headerEnvKey("Host")])
	if hostHeader == "" {
		return "", 0, ErrMissingHost
	}
	return splitHostPort(hostHeader)
}

func splitHostPort(hostport string) (string, int, error) {
	host, portStr := hostport, ""
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.HasSuffix(hostport, "]") {
		host, portStr = hostport[:i], hostport[i+1:]
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", 0, ErrMissingHost
	}
	if portStr == "" {
		return host, defaultHTTPPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, &FormatError{Detail: fmt.Sprintf("invalid port in Host header %q", hostport)}
	}
	return host, port, nil
}

// splitHead separates the request line and header lines from the body at the
// first blank line after the request line.
func splitHead(raw []byte) (head, body []byte, ok bool) {
	first := bytes.IndexByte(raw, '\n')
	if first < 0 {
		return nil, nil, false
	}
	for start := first + 1; start < len(raw); {
		end := bytes.IndexByte(raw[start:], '\n')
		if end < 0 {
			return nil, nil, false
		}
		end += start
		line := raw[start:end]
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			return raw[:start-1], raw[end+1:], true
		}
		start = end + 1
	}
	return nil, nil, false
}

// headEnd returns the length of the request head including its terminating
// blank line, or -1 when the terminator has not arrived yet.
func headEnd(raw []byte) int {
	_, body, ok := splitHead(raw)
	if !ok {
		return -1
	}
	return len(raw) - len(body)
}

// declaredContentLength scans a request head for a Content-Length header.
// It returns 0 when the header is absent or unreadable.
func declaredContentLength(head []byte) int {
	for _, line := range strings.Split(string(head), "\n") {
		idx := strings.IndexByte(line, ':')
		if idx <= 0 || !strings.EqualFold(strings.TrimSpace(line[:idx]), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}
