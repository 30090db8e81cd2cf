//go:build !linux

package gateway

import (
	"net"
	"sync"
)

// poller is the portable fallback: one goroutine per connection calls ready
// in a loop. ready returns after each frame or read timeout, and the loop
// ends once the connection is removed.
type poller struct {
	ready func(net.Conn)

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newPoller(ready func(net.Conn)) (*poller, error) {
	return &poller{ready: ready, conns: make(map[net.Conn]struct{})}, nil
}

func (p *poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go func() {
		for p.registered(conn) {
			p.ready(conn)
		}
	}()
	return nil
}

func (p *poller) registered(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[conn]
	return ok
}

func (p *poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

func (p *poller) Run(done <-chan struct{}) error {
	<-done
	return nil
}

func (p *poller) Close() error {
	p.mu.Lock()
	p.conns = make(map[net.Conn]struct{})
	p.mu.Unlock()
	return nil
}
