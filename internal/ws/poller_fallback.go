//go:build !linux

package ws

import (
	"net"
	"sync"
	"syscall"
	"time"
)

// rearmDelay paces readiness signals for a socket whose frame has not been
// drained yet. The fallback gets no completion feedback from the read path,
// so it waits briefly before checking readability again.
const rearmDelay = 10 * time.Millisecond

// Poller is the non-Linux fallback: one goroutine per connection parks in
// the runtime's network poller until its socket is readable, then reports
// it on a channel. No bytes are consumed while waiting, so the read path
// always sees complete frames. This is a development convenience; the epoll
// implementation is the production path.
type Poller struct {
	mu      sync.Mutex
	stops   map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewPoller creates a goroutine-backed poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		stops:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts a monitor goroutine for the connection.
func (p *Poller) Add(conn net.Conn) error {
	stop := make(chan struct{})
	p.mu.Lock()
	p.stops[conn] = stop
	p.mu.Unlock()

	go p.monitor(conn, stop)
	return nil
}

// monitor reports the connection on readyCh whenever it becomes readable.
// It exits when the socket errors or when the connection or poller is shut
// down. A parked wait is only interruptible by closing the socket, which
// every removal path in the server does.
func (p *Poller) monitor(conn net.Conn, stop chan struct{}) {
	for {
		if err := waitReadable(conn); err != nil {
			// Surface the closure to the read path once, then quit.
			select {
			case p.readyCh <- conn:
			case <-stop:
			case <-p.done:
			}
			return
		}

		select {
		case p.readyCh <- conn:
		case <-stop:
			return
		case <-p.done:
			return
		}

		select {
		case <-time.After(rearmDelay):
		case <-stop:
			return
		case <-p.done:
			return
		}
	}
}

// waitReadable parks in the runtime poller until conn has pending data,
// without reading any of it. The first callback invocation declines, which
// makes the runtime wait for readability before invoking it again.
func waitReadable(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return net.ErrClosed
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	armed := false
	return raw.Read(func(uintptr) bool {
		if armed {
			return true
		}
		armed = true
		return false
	})
}

// Remove stops the connection's monitor goroutine.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	stop, ok := p.stops[conn]
	if ok {
		delete(p.stops, conn)
	}
	p.mu.Unlock()

	if ok {
		close(stop)
	}
	return nil
}

// Wait blocks for the first ready connection, then drains any others that
// are ready without blocking.
func (p *Poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor and fails any Wait in progress.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.stops = nil
	p.mu.Unlock()
	return nil
}

// socketFD is only meaningful on Linux, where epoll needs raw descriptors.
func socketFD(conn net.Conn) int {
	return -1
}
