package engine

import "sync"

// eventQueue decouples event producers from the driver: push never waits for
// the consumer, and events are delivered in push order.
type eventQueue struct {
	mu     sync.Mutex
	closed bool
	in     chan Event
	out    chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		in:  make(chan Event),
		out: make(chan Event),
	}
	go q.run()
	return q
}

// push enqueues ev. It reports false once the queue is closed.
func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.in <- ev
	return true
}

// close stops intake; out is closed after the backlog has been delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.in)
}

func (q *eventQueue) run() {
	defer close(q.out)

	var backlog []Event
	in := q.in
	for in != nil || len(backlog) > 0 {
		var out chan Event
		var next Event
		if len(backlog) > 0 {
			out = q.out
			next = backlog[0]
		}
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			backlog = append(backlog, ev)
		case out <- next:
			backlog[0] = nil
			backlog = backlog[1:]
		}
	}
}
