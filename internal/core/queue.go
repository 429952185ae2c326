package core

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Dispatcher runs callbacks on one designated sequence.
type Dispatcher interface {
	Post(fn func()) bool
}

// Queue is an unbounded serial executor: tasks run one at a time on a
// single goroutine in the order they were posted.
type Queue struct {
	name string

	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func NewQueue(name string) *Queue {
	q := &Queue{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Post schedules fn. It reports false once the queue is closed.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.signal()
	return true
}

// Sync waits until every task posted before it has run.
// Must not be called from a task on the same queue.
func (q *Queue) Sync() bool {
	ch := make(chan struct{})
	if !q.Post(func() { close(ch) }) {
		return false
	}
	<-ch
	return true
}

// Close stops accepting tasks; already posted tasks still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Done is closed after the last task ran following Close.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		tasks := q.tasks
		q.tasks = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range tasks {
			q.run(fn)
		}
		if len(tasks) == 0 {
			if closed {
				return
			}
			<-q.wake
		}
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "core.queue").Str("queue", q.name).Interface("panic", r).Msg("task panicked")
		}
	}()
	fn()
}
