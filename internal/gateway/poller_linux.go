//go:build linux

package gateway

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller wraps Linux epoll. Connections are registered by file descriptor
// and handed to ready only when the kernel reports data, so idle clients
// cost no goroutine.
type poller struct {
	fd     int
	ready  func(net.Conn)
	events []unix.EpollEvent

	mu    sync.RWMutex
	conns map[int]net.Conn
}

func newPoller(ready func(net.Conn)) (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		ready:  ready,
		events: make([]unix.EpollEvent, 128),
		conns:  make(map[int]net.Conn),
	}, nil
}

// Add registers conn for read and hang-up readiness.
func (p *poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("gateway: connection has no file descriptor")
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}
	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove unregisters conn. Removing an unknown connection is a no-op.
func (p *poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	p.mu.Lock()
	_, ok := p.conns[fd]
	delete(p.conns, fd)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run waits for readiness until done is closed. It polls with a timeout so
// shutdown is noticed even when no client is talking.
func (p *poller) Run(done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}

		n, err := unix.EpollWait(p.fd, p.events, 500)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			select {
			case <-done:
				return nil
			default:
				return err
			}
		}

		p.mu.RLock()
		ready := make([]net.Conn, 0, n)
		for i := 0; i < n; i++ {
			if conn, ok := p.conns[int(p.events[i].Fd)]; ok {
				ready = append(ready, conn)
			}
		}
		p.mu.RUnlock()

		for _, conn := range ready {
			p.ready(conn)
		}
	}
}

// Close releases the epoll descriptor.
func (p *poller) Close() error {
	p.mu.Lock()
	p.conns = make(map[int]net.Conn)
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD extracts the descriptor through SyscallConn, which does not dup
// it the way File() would.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
