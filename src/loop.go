package main

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Accept failures back off between these bounds while the listener keeps
// reporting readiness.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Dispatcher takes ownership of a connection that has become readable. It
// is responsible for closing it.
type Dispatcher interface {
	Dispatch(conn net.Conn)
}

// ConnectionLoop watches the listening socket and every accepted connection
// with a single poll(2) call on one goroutine. A readable connection leaves
// the watched set and is handed to the Dispatcher.
type ConnectionLoop struct {
	ln       *net.TCPListener
	lnFD     int
	io       IOStrategy
	dispatch Dispatcher
	log      logrus.FieldLogger

	mu    sync.Mutex
	conns map[int]net.Conn

	acceptBackoff time.Duration

	// self-pipe used by Stop to interrupt poll
	wakeR, wakeW int
	started      bool
	stopped      bool
	stopOnce     sync.Once
	done         chan struct{}
}

// NewConnectionLoop prepares a loop over ln. Run must be called to start it.
func NewConnectionLoop(ln *net.TCPListener, strategy IOStrategy, dispatch Dispatcher, log logrus.FieldLogger) (*ConnectionLoop, error) {
	lnFD, err := fdOf(ln)
	if err != nil {
		return nil, fmt.Errorf("failed to get listener descriptor: %w", err)
	}

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("failed to create wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("failed to configure wake pipe: %w", err)
		}
	}

	return &ConnectionLoop{
		ln:       ln,
		lnFD:     lnFD,
		io:       strategy,
		dispatch: dispatch,
		log:      log.WithField("component", "loop"),
		conns:    make(map[int]net.Conn),
		wakeR:    p[0],
		wakeW:    p[1],
		done:     make(chan struct{}),
	}, nil
}

// Run services readiness events until Stop is called or poll fails.
// Connections still watched when it returns are closed.
func (l *ConnectionLoop) Run() error {
	l.mu.Lock()
	if l.stopped || l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()

	defer close(l.done)
	defer l.closeWatched()

	for {
		fds := l.pollSet()
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			switch fd := int(pfd.Fd); fd {
			case l.wakeR:
				return nil
			case l.lnFD:
				l.accept()
			default:
				l.service(fd)
			}
		}
	}
}

// Stop interrupts a running Run and waits for it to return. A loop that
// was never run will not start afterwards. The listener is left open.
func (l *ConnectionLoop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		started := l.started
		l.mu.Unlock()

		if started {
			unix.Write(l.wakeW, []byte{1})
			<-l.done
		}
		unix.Close(l.wakeR)
		unix.Close(l.wakeW)
	})
}

// Watched returns the number of connections waiting for readiness.
func (l *ConnectionLoop) Watched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (l *ConnectionLoop) pollSet() []unix.PollFd {
	l.mu.Lock()
	defer l.mu.Unlock()

	fds := make([]unix.PollFd, 0, len(l.conns)+2)
	fds = append(fds,
		unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(l.lnFD), Events: unix.POLLIN},
	)
	for fd := range l.conns {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return fds
}

func (l *ConnectionLoop) accept() {
	conn, err := l.io.Accept(l.ln)
	if errors.Is(err, errWouldBlock) {
		return
	}
	if err != nil {
		// The connection stays in the backlog, so the listener stays
		// readable. Wait before polling it again.
		if l.acceptBackoff == 0 {
			l.acceptBackoff = minAcceptBackoff
		} else {
			l.acceptBackoff *= 2
		}
		if l.acceptBackoff > maxAcceptBackoff {
			l.acceptBackoff = maxAcceptBackoff
		}
		l.log.WithError(err).WithField("retry_in", l.acceptBackoff.String()).Error("failed to accept connection")
		l.sleep(l.acceptBackoff)
		return
	}
	l.acceptBackoff = 0
	fd, err := fdOf(conn)
	if err != nil {
		l.log.WithError(err).Error("failed to get connection descriptor")
		conn.Close()
		return
	}

	l.mu.Lock()
	l.conns[fd] = conn
	l.mu.Unlock()
	l.log.WithField("client", conn.RemoteAddr().String()).Info("connection accepted")
}

// service removes a readable connection from the watched set and hands it
// off. From here on the dispatcher owns it.
func (l *ConnectionLoop) service(fd int) {
	l.mu.Lock()
	conn, ok := l.conns[fd]
	delete(l.conns, fd)
	l.mu.Unlock()
	if !ok {
		return
	}
	l.dispatch.Dispatch(conn)
}

// sleep waits for d or until Stop writes to the wake pipe, whichever comes
// first. The wake byte is left in the pipe for Run to see.
func (l *ConnectionLoop) sleep(d time.Duration) {
	fds := []unix.PollFd{{Fd: int32(l.wakeR), Events: unix.POLLIN}}
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		_, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

func (l *ConnectionLoop) closeWatched() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for fd, conn := range l.conns {
		conn.Close()
		delete(l.conns, fd)
	}
}

// fdOf returns the descriptor behind a net socket. It stays valid until the
// socket is closed.
func fdOf(v any) (int, error) {
	sc, ok := v.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%T does not expose its descriptor", v)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(u uintptr) { fd = int(u) }); err != nil {
		return -1, err
	}
	return fd, nil
}
