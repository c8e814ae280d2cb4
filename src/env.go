package main

import (
	"bytes"
	"io"
	"strconv"
	"strings"
)

// Request environment keys, following the Rack interchange convention.
const (
	EnvRequestMethod  = "REQUEST_METHOD"
	EnvScriptName     = "SCRIPT_NAME"
	EnvPathInfo       = "PATH_INFO"
	EnvQueryString    = "QUERY_STRING"
	EnvServerName     = "SERVER_NAME"
	EnvServerPort     = "SERVER_PORT"
	EnvServerProtocol = "SERVER_PROTOCOL"
	EnvRemoteAddr     = "REMOTE_ADDR"

	EnvRackVersion      = "rack.version"
	EnvRackURLScheme    = "rack.url_scheme"
	EnvRackInput        = "rack.input"
	EnvRackErrors       = "rack.errors"
	EnvRackMultithread  = "rack.multithread"
	EnvRackMultiprocess = "rack.multiprocess"
	EnvRackRunOnce      = "rack.run_once"
	EnvRackHijackable   = "rack.hijack?"

	headerEnvPrefix = "HTTP_"
	rackVersion     = "1.3"
	defaultHTTPPort = 80
)

// Env is the normalized request environment handed to a Handler. Request
// headers are merged in under HTTP_* keys.
type Env map[string]any

// String returns the value under key when it is a string.
func (e Env) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// Input returns the request body stream.
func (e Env) Input() io.Reader {
	if r, ok := e[EnvRackInput].(io.Reader); ok {
		return r
	}
	return bytes.NewReader(nil)
}

// Header returns the request header named name, given in wire form.
func (e Env) Header(name string) string {
	return e.String(headerEnvKey(name))
}

// EnvOptions carries the server-side facts merged into every environment.
type EnvOptions struct {
	Multithread bool
	Errors      io.Writer
	RemoteAddr  string
}

// BuildEnv turns a parsed request into the environment passed to handlers.
// The server name and port come from the Host header, or from an
// absolute-form target when one was sent.
func BuildEnv(req *Request, opts EnvOptions) (Env, error) {
	host, port, err := req.hostAndPort()
	if err != nil {
		return nil, err
	}

	env := Env{
		EnvRequestMethod:  req.Method,
		EnvScriptName:     "",
		EnvPathInfo:       req.Path,
		EnvQueryString:    req.Query,
		EnvServerName:     host,
		EnvServerPort:     strconv.Itoa(port),
		EnvServerProtocol: req.Proto,
		EnvRemoteAddr:     opts.RemoteAddr,

		EnvRackVersion:      rackVersion,
		EnvRackURLScheme:    "http",
		EnvRackInput:        bytes.NewReader(req.Body),
		EnvRackErrors:       opts.Errors,
		EnvRackMultithread:  opts.Multithread,
		EnvRackMultiprocess: false,
		EnvRackRunOnce:      false,
		EnvRackHijackable:   false,
	}
	for k, v := range req.Header {
		env[k] = v
	}
	return env, nil
}

// headerEnvKey maps a wire header name to its environment key,
// e.g. "Content-Type" -> "HTTP_CONTENT_TYPE".
func headerEnvKey(name string) string {
	return headerEnvPrefix + strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(name)), "-", "_")
}
