package stream

import "container/heap"

// readyItem is one entry in the transmit-ready priority queue: higher
// Stream.priority is served first; among equal priorities, streams are
// served in the order they became ready.
type readyItem struct {
	s     *Stream
	seq   uint64
	index int
}

type readyQueue []*readyItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].s.priority != q[j].s.priority {
		return q[i].s.priority > q[j].s.priority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	it := x.(*readyItem)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// transmitScheduler is the priority-ordered ready-to-send stream set for
// one ChannelMux.
type transmitScheduler struct {
	q    readyQueue
	seq  uint64
	byStream map[*Stream]*readyItem
}

func newTransmitScheduler() *transmitScheduler {
	return &transmitScheduler{byStream: make(map[*Stream]*readyItem)}
}

// push enqueues s if it is not already present.
func (t *transmitScheduler) push(s *Stream) {
	if _, ok := t.byStream[s]; ok {
		return
	}
	t.seq++
	it := &readyItem{s: s, seq: t.seq}
	t.byStream[s] = it
	heap.Push(&t.q, it)
}

// fix re-orders s after its priority changed, if present.
func (t *transmitScheduler) fix(s *Stream) {
	it, ok := t.byStream[s]
	if !ok {
		return
	}
	heap.Fix(&t.q, it.index)
}

// pop removes and returns the highest-priority ready stream, or nil if
// empty.
func (t *transmitScheduler) pop() *Stream {
	if t.q.Len() == 0 {
		return nil
	}
	it := heap.Pop(&t.q).(*readyItem)
	delete(t.byStream, it.s)
	return it.s
}

func (t *transmitScheduler) len() int { return t.q.Len() }
