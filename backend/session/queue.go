package session

import "sync"

// queue runs posted closures one at a time on its own goroutine. It is the
// only mutator of session state.
type queue struct {
	mx      sync.Mutex
	fns     []func()
	stopped bool
	notify  chan struct{}
	done    chan struct{}
}

func newQueue() *queue {
	q := &queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// post schedules fn. It returns false once the queue is stopped.
func (q *queue) post(fn func()) bool {
	q.mx.Lock()
	if q.stopped {
		q.mx.Unlock()
		return false
	}
	q.fns = append(q.fns, fn)
	q.mx.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// stop drops everything still queued. The closure calling it runs to the end.
func (q *queue) stop() {
	q.mx.Lock()
	q.stopped = true
	q.fns = nil
	q.mx.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) run() {
	defer close(q.done)
	for {
		q.mx.Lock()
		if q.stopped {
			q.mx.Unlock()
			return
		}
		if len(q.fns) == 0 {
			q.mx.Unlock()
			<-q.notify
			continue
		}
		fn := q.fns[0]
		q.fns[0] = nil
		q.fns = q.fns[1:]
		q.mx.Unlock()

		fn()
	}
}
