// Package eventloop provides the single-threaded executor that owns a page
// session's state. Closures posted to a Loop run one at a time, in the order
// they were posted, on the loop goroutine. Blocking work runs on its own
// goroutine via Go and hands its result back to the loop as a continuation.
package eventloop

import (
	"log"
	"sync"
)

// Loop is a FIFO executor. The zero value is not usable; call New.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	pending int // queued closures + in-flight Go work
	wake    chan struct{}
	done    chan struct{}
	stopped bool

	afterEach func()
}

// New creates a loop. afterEach, if non-nil, runs on the loop goroutine after
// every posted closure (used to flush rendered views).
func New(afterEach func()) *Loop {
	l := &Loop{
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		afterEach: afterEach,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Run executes posted closures until Stop is called. It blocks.
func (l *Loop) Run() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			stopped := l.stopped
			l.mu.Unlock()
			if stopped {
				return
			}
			select {
			case <-l.wake:
			case <-l.done:
			}
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
		l.finish()
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() {
	go l.Run()
}

// Post schedules fn on the loop. It never blocks, so it is safe to call
// from network callbacks. Posts after Stop are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.pending++
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs work on a new goroutine. If work returns a non-nil continuation,
// the continuation is posted back to the loop.
func (l *Loop) Go(work func() func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.pending++
	l.mu.Unlock()

	go func() {
		defer l.finish()
		if cont := work(); cont != nil {
			l.Post(cont)
		}
	}()
}

// Idle blocks until nothing is queued and no Go work is in flight.
func (l *Loop) Idle() {
	l.mu.Lock()
	for l.pending > 0 {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

// Stop makes Run return after it drains already queued closures.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	close(l.done)
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[loop] recovered panic: %v", r)
		}
	}()
	fn()
	if l.afterEach != nil {
		l.afterEach()
	}
}

func (l *Loop) finish() {
	l.mu.Lock()
	l.pending--
	if l.pending == 0 {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}
