//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Poller is the portable fallback: one goroutine per connection peeks for
// the next byte through a buffered reader, so nothing is consumed before the
// frame reader runs. The goroutine then waits for Resume before peeking
// again.
type Poller struct {
	mu      sync.Mutex
	conns   map[*Connection]chan struct{}
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns:   make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring c.
func (p *Poller) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.rd = br
	resume := make(chan struct{}, 1)

	p.mu.Lock()
	p.conns[c] = resume
	p.mu.Unlock()

	go p.monitor(c, br, resume)
	return nil
}

func (p *Poller) monitor(c *Connection, br *bufio.Reader, resume chan struct{}) {
	for {
		_, err := br.Peek(1)
		select {
		case p.readyCh <- c:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Remove stops monitoring c.
func (p *Poller) Remove(c *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if resume, ok := p.conns[c]; ok {
		close(resume)
		delete(p.conns, c)
	}
	return nil
}

// Resume lets the monitor of c peek for the next frame.
func (p *Poller) Resume(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resume, ok := p.conns[c]
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready for reading.
func (p *Poller) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	ready := []*Connection{first}
	for {
		select {
		case c := <-p.readyCh:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

// Close shuts the poller down.
func (p *Poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
