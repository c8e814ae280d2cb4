package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	ioModeBlock    = "block"
	ioModeNonBlock = "nonblock"
)

// IOStrategy is how the server accepts sockets and pulls bytes off them.
type IOStrategy interface {
	// Accept takes the next pending connection off ln. It may return
	// errWouldBlock when none is pending any more.
	Accept(ln *net.TCPListener) (net.Conn, error)
	// ReadChunk reads at most len(buf) bytes. It returns io.EOF once the
	// peer has closed its side and nothing was read.
	ReadChunk(conn net.Conn, buf []byte) (int, error)
}

// NewIOStrategy returns the strategy named by mode ("block" or "nonblock").
func NewIOStrategy(mode string) (IOStrategy, error) {
	switch mode {
	case ioModeBlock, "":
		return blockingIO{}, nil
	case ioModeNonBlock:
		return nonBlockingIO{}, nil
	default:
		return nil, fmt.Errorf("unknown io mode %q", mode)
	}
}

// blockingIO goes through the net package, which parks the calling
// goroutine until the socket is ready.
type blockingIO struct{}

func (blockingIO) Accept(ln *net.TCPListener) (net.Conn, error) {
	return ln.Accept()
}

func (blockingIO) ReadChunk(conn net.Conn, buf []byte) (int, error) {
	return conn.Read(buf)
}

// errWouldBlock is returned by a non-blocking Accept when the pending
// connection went away between the readiness report and the call. The
// caller goes back to waiting for readiness.
var errWouldBlock = errors.New("accept would block")

// nonBlockingIO issues raw accept(2)/read(2) calls. Reads that report
// EAGAIN wait for readiness and retry; accepts leave the waiting to the
// connection loop.
type nonBlockingIO struct{}

func (nonBlockingIO) Accept(ln *net.TCPListener) (net.Conn, error) {
	lnFD, err := fdOf(ln)
	if err != nil {
		return nil, err
	}

	var nfd int
	for {
		nfd, _, err = unix.Accept4(lnFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if errors.Is(err, unix.EAGAIN) {
		return nil, errWouldBlock
	}
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}

	// FileConn dups the descriptor, so the file is closed either way.
	f := os.NewFile(uintptr(nfd), "fawn-conn")
	defer f.Close()
	return net.FileConn(f)
}

func (nonBlockingIO) ReadChunk(conn net.Conn, buf []byte) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return conn.Read(buf)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var n int
	var readErr error
	err = rc.Read(func(fd uintptr) bool {
		n, readErr = unix.Read(int(fd), buf)
		return !errors.Is(readErr, unix.EAGAIN)
	})
	if err != nil {
		return 0, err
	}
	if readErr != nil {
		return 0, readErr
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// readRequest pulls one request off conn in chunkSize reads, appending to
// raw. It stops once the head's blank line has arrived together with
// Content-Length bytes of body, or when the peer closes its side. The bytes
// read so far are returned even on error.
func readRequest(s IOStrategy, conn net.Conn, raw []byte, chunkSize, maxBytes int) ([]byte, error) {
	buf := make([]byte, chunkSize)
	need := -1
	for {
		if need < 0 {
			if end := headEnd(raw); end >= 0 {
				need = end + declaredContentLength(raw[:end])
			}
		}
		if need >= 0 && len(raw) >= need {
			return raw, nil
		}
		if maxBytes > 0 && len(raw) > maxBytes {
			return raw, ErrRequestTooLarge
		}

		n, err := s.ReadChunk(conn, buf)
		if n > 0 {
			raw = append(raw, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return raw, nil
			}
			return raw, err
		}
	}
}
