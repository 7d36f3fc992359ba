package spanstream

import (
	"sync"
	"time"
)

// eventLoop serializes all work on the consumer's state onto one goroutine.
// Helper goroutines (dialers, response readers, resolvers, timers) post their
// results to it rather than touching that state directly.
type eventLoop struct {
	events   chan func()
	done     chan struct{}
	stopOnce sync.Once
}

const eventQueueDepth = 256

func newEventLoop() *eventLoop {
	return &eventLoop{
		events: make(chan func(), eventQueueDepth),
		done:   make(chan struct{}),
	}
}

// post queues fn to run on the loop goroutine. It reports false, without
// running fn, once the loop has stopped.
func (l *eventLoop) post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// afterFunc posts fn to the loop after d. The returned timer can be stopped.
func (l *eventLoop) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.post(fn) })
}

// stop makes run return after the event in progress.
func (l *eventLoop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *eventLoop) stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// run executes posted events until stop is called. tick, if non-nil, runs
// every period.
func (l *eventLoop) run(period time.Duration, tick func()) {
	var tickCh <-chan time.Time
	if tick != nil && period > 0 {
		t := time.NewTicker(period)
		defer t.Stop()
		tickCh = t.C
	}
	for {
		select {
		case <-l.done:
			return
		case fn := <-l.events:
			fn()
		case <-tickCh:
			tick()
		}
	}
}
