package krnl

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event is a reference to the completion of work submitted to a device queue.
//
// Usually users don't need it directly: transfers await their own events, and Device.Wait awaits every
// submitted dispatch.
type Event struct {
	done chan struct{}
	err  error
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// newDoneEvent returns an already completed event.
func newDoneEvent(err error) *Event {
	e := newEvent()
	e.complete(err)
	return e
}

func (e *Event) complete(err error) {
	e.err = err
	close(e.done)
}

// Await blocks the calling goroutine until the event is ready, then returns its error, if any.
func (e *Event) Await() error {
	if e == nil {
		return errors.New("Event is nil")
	}
	<-e.done
	return e.err
}

// Ready returns whether the event completed, without blocking.
func (e *Event) Ready() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

type taskKind int

const (
	taskTransfer taskKind = iota
	taskLaunch
	taskBarrier
)

type task struct {
	kind  taskKind
	name  string
	run   func() error
	event *Event
}

// queue executes the tasks of one device in submission order, in its own goroutine.
//
// Errors of launch tasks are kept until the next wait, since nobody awaits their events.
type queue struct {
	device *Device

	mu      sync.Mutex
	cond    *sync.Cond
	pending []task
	closed  bool
	execErr error // First launch failure since the last takeExecError. Protected by mu.

	stopped chan struct{}
}

func newQueue(device *Device) *queue {
	q := &queue{device: device, stopped: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// submit appends the task to the queue and returns immediately.
func (q *queue) submit(kind taskKind, name string, run func() error) *Event {
	t := task{kind: kind, name: name, run: run, event: newEvent()}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		t.event.complete(errors.WithStack(ErrDeviceClosed))
		return t.event
	}
	q.pending = append(q.pending, t)
	q.cond.Signal()
	return t.event
}

func (q *queue) loop() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			// Closed and drained.
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = task{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		var err error
		if t.run != nil {
			err = t.run()
		}
		if err != nil && t.kind == taskLaunch {
			klog.V(1).Infof("krnl: %s: kernel %q failed: %v", q.device, t.name, err)
			q.mu.Lock()
			if q.execErr == nil {
				q.execErr = err
			}
			q.mu.Unlock()
		}
		t.event.complete(err)
	}
}

// takeExecError returns and clears the first launch error.
func (q *queue) takeExecError() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.execErr
	q.execErr = nil
	return err
}

// close stops accepting tasks and blocks until the submitted ones are executed.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.stopped
}
