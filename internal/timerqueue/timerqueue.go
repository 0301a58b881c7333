// Package timerqueue provides a priority-ordered queue of pending expiry
// callbacks. The key-exchange responder's cookie jar uses one to rotate its
// minute-keys on a schedule rather than checking lazily on every seal.
// Grounded on the katzenpost client/client2 TimerQueue: a priority heap of
// callbacks, fed by Push(priority, value), drained by a background worker
// goroutine.
package timerqueue

import (
	"container/heap"
	"sync"

	"github.com/sssproto/sss/internal/worker"
	"github.com/sssproto/sss/timer"
)

// Item is one pending callback, ordered by Priority (an absolute deadline
// in the engine's time base expressed as UnixNano; lower fires first).
type Item struct {
	Priority uint64
	Value    interface{}

	index int // heap bookkeeping
}

type itemHeap []*Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].Priority < h[j].Priority }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *itemHeap) Push(x interface{}) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// TimerQueue fires callback(item.Value) once item.Priority has passed,
// earliest first. Safe for concurrent Push from multiple goroutines; the
// callback runs on the queue's own worker goroutine, never inline in Push.
type TimerQueue struct {
	worker.Worker

	engine   timer.Engine
	callback func(interface{})

	mu      sync.Mutex
	h       itemHeap
	pending timer.Cancelable
	wake    chan struct{}
}

// NewTimerQueue constructs a queue that invokes callback for each item as
// its deadline passes, driven by engine's clock.
func NewTimerQueue(callback func(interface{}), engine timer.Engine) *TimerQueue {
	q := &TimerQueue{
		engine:   engine,
		callback: callback,
		wake:     make(chan struct{}, 1),
	}
	heap.Init(&q.h)
	return q
}

// Start launches the background dispatch loop. Must be called before any
// Push'd item can fire.
func (q *TimerQueue) Start() {
	q.Go(q.run)
}

func (q *TimerQueue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Push schedules value to fire at the given absolute priority (a UnixNano
// deadline).
func (q *TimerQueue) Push(priority uint64, value interface{}) {
	q.mu.Lock()
	heap.Push(&q.h, &Item{Priority: priority, Value: value})
	q.mu.Unlock()
	q.nudge()
}

// Peek returns the earliest-scheduled item without removing it, or nil.
func (q *TimerQueue) Peek() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// Pop removes and returns the earliest-scheduled item, or nil if empty.
func (q *TimerQueue) Pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Item)
}

// Remove deletes the first queued item whose Value equals value, if any.
func (q *TimerQueue) Remove(value interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.h {
		if it.Value == value {
			heap.Remove(&q.h, i)
			return true
		}
	}
	return false
}

func (q *TimerQueue) run() {
	defer q.Done()
	for {
		q.mu.Lock()
		if q.pending != nil {
			q.pending.Stop()
			q.pending = nil
		}
		var fireCh chan struct{}
		if len(q.h) > 0 {
			next := q.h[0]
			now := uint64(q.engine.Now().UnixNano())
			if next.Priority <= now {
				heap.Pop(&q.h)
				q.mu.Unlock()
				q.callback(next.Value)
				continue
			}
			delay := next.Priority - now
			fireCh = make(chan struct{}, 1)
			ch := fireCh
			q.pending = q.engine.AfterFunc(nsDuration(delay), func() {
				select {
				case ch <- struct{}{}:
				default:
				}
			})
		}
		q.mu.Unlock()

		select {
		case <-q.HaltCh():
			return
		case <-q.wake:
		case <-fireCh:
		}
	}
}
