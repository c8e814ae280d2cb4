package main

import (
	"context"
	"net"
)

// Job is one unit of deferred work submitted to a WorkerPool.
//
// Run receives the id of the worker executing it and a context that expires
// after the pool's job timeout. A job that overruns should return an error
// wrapping context.DeadlineExceeded; the pool then runs it again.
type Job interface {
	Run(ctx context.Context, workerID int) error
}

// Discarder is implemented by jobs that own resources. The pool calls
// Discard on jobs it accepted or was offered but will never finish running:
// rejected by Push, dropped by a hard shutdown, or out of retries.
type Discarder interface {
	Discard(err error)
}

// JobFunc adapts an ordinary function to the Job interface.
type JobFunc func(ctx context.Context, workerID int) error

func (f JobFunc) Run(ctx context.Context, workerID int) error {
	return f(ctx, workerID)
}

// ConnJob hands one accepted connection to a pool worker. The job owns the
// connection until it is closed, either after the response is written or by
// Discard. Request bytes read by an attempt that timed out are kept for the
// next attempt.
type ConnJob struct {
	Conn   net.Conn
	Server *Server

	received []byte
}

func (j *ConnJob) Run(ctx context.Context, workerID int) error {
	return j.Server.serveConn(ctx, j.Conn, workerID, &j.received)
}

func (j *ConnJob) Discard(err error) {
	j.Server.abortConn(j.Conn, err)
}

func discardJob(job Job, err error) {
	if d, ok := job.(Discarder); ok {
		d.Discard(err)
	}
}
