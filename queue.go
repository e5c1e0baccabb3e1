package matchkit

import "sync"

// queuedFrame is one wire frame awaiting a ready push transport, keyed by
// the message it belongs to so a REST acknowledgment can withdraw it.
type queuedFrame struct {
	msgID string
	data  []byte
}

// sendQueue is a bounded FIFO of outbound frames. On overflow the oldest
// entry is evicted: the optimistic MessageStore remains the user-visible
// source of truth, the queue only buffers wire frames.
type sendQueue struct {
	mu       sync.Mutex
	frames   []queuedFrame
	capacity int
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{capacity: capacity}
}

// push appends a frame, evicting the oldest entry when full. It reports
// whether an eviction happened.
func (q *sendQueue) push(msgID string, data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.frames) >= q.capacity {
		q.frames = q.frames[1:]
		evicted = true
	}
	q.frames = append(q.frames, queuedFrame{msgID: msgID, data: data})
	return evicted
}

// remove withdraws every frame queued for the given message id.
func (q *sendQueue) remove(msgID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.frames[:0]
	for _, f := range q.frames {
		if f.msgID != msgID {
			kept = append(kept, f)
		}
	}
	q.frames = kept
}

// drain empties the queue and returns the frames in FIFO order.
func (q *sendQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([][]byte, len(q.frames))
	for i, f := range q.frames {
		out[i] = f.data
	}
	q.frames = nil
	return out
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
