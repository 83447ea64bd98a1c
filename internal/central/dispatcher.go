package central

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/groutine"
)

// dispatchItem is either an event for the consumer channel or a callback
// to run on the dispatcher goroutine.
type dispatchItem struct {
	event Event
	call  func()
}

// dispatcher delivers consumer notifications from a single goroutine in
// the order they were posted. Posting never blocks, so the central can
// post while holding its own lock.
type dispatcher struct {
	logger *logrus.Logger

	mu     sync.Mutex
	queue  []dispatchItem
	closed bool

	// set while a callback runs on the dispatcher goroutine
	inCall atomic.Bool

	wake chan struct{}
	stop chan struct{}
	out  chan Event
	done <-chan struct{}
}

func newDispatcher(logger *logrus.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan Event),
	}
	d.done = groutine.Start(context.Background(), "central-dispatcher", d.run)
	return d
}

// Events is the ordered consumer channel. It is closed by close.
func (d *dispatcher) Events() <-chan Event {
	return d.out
}

func (d *dispatcher) post(ev Event) {
	d.enqueue(dispatchItem{event: ev})
}

// call schedules fn after every event posted before it.
func (d *dispatcher) call(fn func()) {
	d.enqueue(dispatchItem{call: fn})
}

func (d *dispatcher) enqueue(item dispatchItem) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, item)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) next() (dispatchItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return dispatchItem{}, false
	}
	item := d.queue[0]
	d.queue[0] = dispatchItem{}
	d.queue = d.queue[1:]
	return item, true
}

func (d *dispatcher) run(ctx context.Context) {
	defer close(d.out)
	defer d.logger.WithField("goroutine", groutine.Name(ctx)).Debug("Dispatcher stopped")

	for {
		item, ok := d.next()
		if !ok {
			select {
			case <-d.wake:
				continue
			case <-d.stop:
				return
			}
		}

		if item.call != nil {
			d.invoke(item.call)
			continue
		}

		select {
		case d.out <- item.event:
		case <-d.stop:
			return
		}
	}
}

func (d *dispatcher) invoke(fn func()) {
	d.inCall.Store(true)
	defer d.inCall.Store(false)
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", r).Error("Consumer callback panicked")
		}
	}()
	fn()
}

// close stops delivery. Items still queued are discarded. Called from a
// callback, it returns without waiting; the dispatcher exits once the
// callback returns.
func (d *dispatcher) close() {
	d.mu.Lock()
	first := !d.closed
	if first {
		d.closed = true
		d.queue = nil
	}
	d.mu.Unlock()

	if first {
		close(d.stop)
	}
	if d.inCall.Load() {
		return
	}
	<-d.done
}
