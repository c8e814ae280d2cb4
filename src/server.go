package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// errorWriteTimeout bounds how long a best-effort error response may block
const errorWriteTimeout = time.Second

// Server represents the fawn server
type Server struct {
	config     *Config
	handler    Handler
	parser     *RequestParser
	io         IOStrategy
	log        logrus.FieldLogger
	listener   *net.TCPListener
	loop       *ConnectionLoop
	workerPool *WorkerPool
	filter     *AccessFilter
	stopOnce   sync.Once
}

// NewServer creates a new server instance
func NewServer(config *Config, handler Handler, log logrus.FieldLogger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	strategy, err := NewIOStrategy(config.IOMode)
	if err != nil {
		return nil, err
	}

	server := &Server{
		config:  config,
		handler: handler,
		parser:  NewRequestParser(),
		io:      strategy,
		log:     log,
	}

	// Load filter rules
	if config.BlockedRulesFile != "" {
		server.filter = NewAccessFilter()
		if err := server.filter.LoadRules(config.BlockedRulesFile); err != nil {
			return nil, fmt.Errorf("failed to load filter rules: %w", err)
		}
		hosts, nets := server.filter.RuleCount()
		log.WithFields(logrus.Fields{"hosts": hosts, "addresses": nets}).Info("access rules loaded")
	}

	// Initialize worker pool if using thread pool model
	if config.ConcurrencyModel == modeThreadPool {
		server.workerPool, err = NewWorkerPool(config.Pool(), log)
		if err != nil {
			return nil, fmt.Errorf("failed to create worker pool: %w", err)
		}
	}

	return server, nil
}

// Listen binds the listening socket. Start calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(s.config.ListenAddress, strconv.Itoa(s.config.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln.(*net.TCPListener)

	var dispatch Dispatcher = inlineDispatcher{s}
	if s.workerPool != nil {
		dispatch = poolDispatcher{s}
	}
	s.loop, err = NewConnectionLoop(s.listener, s.io, dispatch, s.log)
	if err != nil {
		s.listener.Close()
		return err
	}
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start runs the connection loop until Shutdown or Stop
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	fmt.Printf("server is on %s (%s, io=%s)\n", s.Addr(), s.config.ConcurrencyModel, s.config.IOMode)
	return s.loop.Run()
}

// ReloadFilter re-reads the access rules file. It is a no-op when no rules
// file is configured.
func (s *Server) ReloadFilter() error {
	if s.filter == nil {
		return nil
	}
	if err := s.filter.LoadRules(s.config.BlockedRulesFile); err != nil {
		return fmt.Errorf("failed to reload filter rules: %w", err)
	}
	hosts, nets := s.filter.RuleCount()
	s.log.WithFields(logrus.Fields{"hosts": hosts, "addresses": nets}).Info("access rules reloaded")
	return nil
}

// Shutdown stops accepting, lets queued connections finish and waits for
// the workers to exit
func (s *Server) Shutdown() {
	s.stop(func(p *WorkerPool) { p.GracefulShutdown() })
}

// Stop stops accepting and drops queued connections
func (s *Server) Stop() {
	s.stop(func(p *WorkerPool) { p.Shutdown() })
}

func (s *Server) stop(shutdownPool func(*WorkerPool)) {
	s.stopOnce.Do(func() {
		s.log.Info("shutting down server")

		// The loop may be blocked in Push on a full pool; closing the pool
		// alongside lets that Push return.
		loopDone := make(chan struct{})
		go func() {
			defer close(loopDone)
			if s.loop != nil {
				s.loop.Stop()
			}
		}()
		if s.workerPool != nil {
			shutdownPool(s.workerPool)
		}
		<-loopDone

		if s.listener != nil {
			s.listener.Close()
		}
		s.log.Info("server shut down complete")
	})
}

// inlineDispatcher serves each connection on the loop goroutine
type inlineDispatcher struct {
	s *Server
}

func (d inlineDispatcher) Dispatch(conn net.Conn) {
	ctx := context.Background()
	if timeout := d.s.config.ReadTimeout.Duration; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var received []byte
	if err := d.s.serveConn(ctx, conn, -1, &received); err != nil {
		d.s.abortConn(conn, err)
	}
}

// poolDispatcher wraps each connection in a ConnJob for the worker pool.
// Push blocks the loop while the pool is at capacity.
type poolDispatcher struct {
	s *Server
}

func (d poolDispatcher) Dispatch(conn net.Conn) {
	if err := d.s.workerPool.Push(&ConnJob{Conn: conn, Server: d.s}); err != nil {
		d.s.log.WithError(err).Warn("connection not dispatched")
	}
}

// serveConn reads one request from conn, runs the handler and writes the
// response. Bytes read so far accumulate in received.
//
// When ctx ends before the request has been read completely, the connection
// is left open and the context error is returned so the caller may retry
// with the bytes already received. In every other case the connection is
// closed before serveConn returns nil.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, workerID int, received *[]byte) error {
	start := time.Now()
	client := conn.RemoteAddr().String()
	log := s.log.WithFields(logrus.Fields{"client": client, "worker": workerID})

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Expiry unblocks a pending read. Wait for a callback that already
	// started so it cannot cut short the next attempt.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	raw, err := readRequest(s.io, conn, *received, s.config.ChunkSize, s.config.MaxRequestBytes)
	*received = raw
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("reading request from %s: %w", client, ctxErr)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("reading request from %s: %w", client, context.DeadlineExceeded)
		}
		if errors.Is(err, ErrRequestTooLarge) {
			s.rejectConn(conn, err, log)
			return nil
		}
		log.WithError(err).Info("connection dropped while reading")
		conn.Close()
		return nil
	}
	if len(raw) == 0 {
		log.Info("connection closed by peer")
		conn.Close()
		return nil
	}
	defer conn.Close()

	req, err := s.parser.Parse(raw)
	var env Env
	if err == nil {
		env, err = BuildEnv(req, EnvOptions{
			Multithread: s.workerPool != nil,
			Errors:      os.Stderr,
			RemoteAddr:  client,
		})
	}
	if err == nil && s.filter != nil {
		err = s.filter.Check(env)
	}
	if err != nil {
		s.rejectConn(conn, err, log)
		return nil
	}
	log.WithFields(logrus.Fields{"method": req.Method, "target": req.Target}).Debug("request parsed")

	resp, err := s.callHandler(env)
	if err != nil {
		log.WithError(err).Error("handler failed")
		resp = errorResponse(500)
	}

	n, err := WriteResponse(conn, resp, req.Method == "HEAD")
	if err != nil {
		log.WithError(err).Warn("failed to write response")
	}

	logAccess(s.log, LogEntry{
		ClientAddr: client,
		Method:     req.Method,
		Target:     req.Target,
		Status:     resp.Status,
		BytesOut:   n,
		Duration:   time.Since(start),
		WorkerID:   workerID,
	})
	return nil
}

func (s *Server) callHandler(env Env) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	resp, err = s.handler.Call(env)
	if err == nil && resp == nil {
		err = errors.New("handler returned no response")
	}
	return resp, err
}

// rejectConn answers a request that cannot be served with an error status
// and closes the connection.
func (s *Server) rejectConn(conn net.Conn, err error, log logrus.FieldLogger) {
	status := statusForError(err)
	log.WithError(err).WithField("status", status).Warn("request rejected")
	s.sendErrorResponse(conn, status)
	conn.Close()
}

// abortConn closes a connection whose job will not run (again). A client
// turned away by a stopped pool is told so first.
func (s *Server) abortConn(conn net.Conn, err error) {
	log := s.log.WithField("client", conn.RemoteAddr().String())
	if errors.Is(err, ErrPoolClosed) {
		s.sendErrorResponse(conn, 503)
	}
	log.WithError(err).Warn("connection aborted")
	conn.Close()
}

// sendErrorResponse sends a best-effort plain text error response
func (s *Server) sendErrorResponse(conn net.Conn, status int) {
	conn.SetWriteDeadline(time.Now().Add(errorWriteTimeout))
	if _, err := WriteResponse(conn, errorResponse(status), false); err != nil {
		s.log.WithError(err).Debug("failed to send error response")
	}
}

func errorResponse(status int) *Response {
	body := statusText(status)
	return NewResponse(status, map[string]string{
		"Content-Type":   "text/plain",
		"Content-Length": strconv.Itoa(len(body)),
		"Connection":     "close",
	}, []byte(body))
}
