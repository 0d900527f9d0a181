// Package loop implements the single logical event loop of the console.
//
// Inbound frames, timer expirations, action completions and view reads are
// all posted as closures and executed one at a time in FIFO order on a
// dedicated worker goroutine. State owned by the loop needs no locking.
package loop

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when work is submitted to a loop that has stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop is a FIFO task worker.
type Loop struct {
	tasks chan func()
	stop  chan struct{}
	done  chan struct{}
	log   logrus.FieldLogger

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a loop whose queue holds depth pending tasks.
func New(depth int, log logrus.FieldLogger) *Loop {
	if depth <= 0 {
		depth = 256
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loop{
		tasks: make(chan func(), depth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   log.WithField("component", "loop"),
	}
}

// Start launches the worker goroutine. Calling Start more than once is a no-op.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		go l.worker()
	})
}

// Stop terminates the worker and waits for the current task to finish.
// Tasks still queued are discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	l.startOnce.Do(func() {
		// Never started; nothing to wait for.
		close(l.done)
	})
	<-l.done
}

// Post enqueues fn. It blocks while the queue is full and reports false if
// the loop stopped before fn could be enqueued.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.stop:
		return false
	}
}

// Do runs fn on the loop and waits for it to complete. It must not be called
// from a task already running on the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Done is closed once the worker has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) worker() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			l.run(fn)
		case <-l.stop:
			return
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).Error("Recovered panic in loop task")
		}
	}()
	fn()
}
