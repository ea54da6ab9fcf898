// Package taskqueue provides a single-consumer serial task queue. All state
// owned by one monitoring context is mutated only from its queue goroutine,
// which removes the need for locks between the metric, aggregator and
// monitor layers.
package taskqueue

import (
	"sync/atomic"
	"time"

	"github.com/tunnelworks/underlay/pkg/logx"
)

// Queue executes posted tasks sequentially, in FIFO order, on a dedicated
// goroutine.
type Queue struct {
	name   string
	logger *logx.Logger

	tasks  chan func()
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// defaultDepth bounds how many tasks may be pending before Post blocks.
const defaultDepth = 1024

// New creates and starts a queue.
func New(name string, logger *logx.Logger) *Queue {
	q := &Queue{
		name:   name,
		logger: logger,
		tasks:  make(chan func(), defaultDepth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case fn := <-q.tasks:
			fn()
		case <-q.quit:
			// Drain whatever was already posted so callers that raced
			// with Close still get ordered execution.
			for {
				select {
				case fn := <-q.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn for execution. Tasks posted after Close are dropped.
func (q *Queue) Post(fn func()) {
	if q.closed.Load() {
		q.logger.Debug("task posted to closed queue, dropping", "queue", q.name)
		return
	}
	select {
	case q.tasks <- fn:
	case <-q.quit:
	}
}

// PostAndWait enqueues fn and blocks until it has run. Must not be called
// from the queue goroutine itself.
func (q *Queue) PostAndWait(fn func()) {
	ran := make(chan struct{})
	q.Post(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
	case <-q.done:
	}
}

// Close stops the queue after draining already-posted tasks.
func (q *Queue) Close() {
	if q.closed.Swap(true) {
		return
	}
	close(q.quit)
	<-q.done
}

// Scheduled is a handle to a deferred task. Cancelling it before the task
// runs guarantees the task never runs, even if the underlying timer already
// fired and the task is sitting in the queue.
type Scheduled struct {
	queue     *Queue
	timer     *time.Timer
	cancelled atomic.Bool
	fired     atomic.Bool
}

// Schedule runs fn on the queue after the given delay. A zero delay posts
// the task as soon as the queue gets to it while keeping it cancellable.
func (q *Queue) Schedule(delay time.Duration, fn func()) *Scheduled {
	s := &Scheduled{queue: q}
	s.timer = time.AfterFunc(delay, func() {
		q.Post(func() {
			if s.cancelled.Load() {
				return
			}
			s.fired.Store(true)
			fn()
		})
	})
	return s
}

// Cancel prevents the task from running if it has not run yet. Safe to call
// multiple times and after the task has run.
func (s *Scheduled) Cancel() {
	if s == nil {
		return
	}
	s.cancelled.Store(true)
	s.timer.Stop()
}

// Fired reports whether the task has executed.
func (s *Scheduled) Fired() bool {
	return s != nil && s.fired.Load()
}
