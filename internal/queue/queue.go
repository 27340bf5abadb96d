// Package queue buffers outbound control-plane envelopes until the peer
// acknowledges them. Nothing is written to disk.
package queue

import (
	"encoding/json"
	"sort"
	"sync"
)

type Message struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Queue struct {
	mu       sync.Mutex
	maxSize  int
	messages []Message
	dropped  int64
}

// New returns a buffer holding at most maxSize messages; the oldest is
// dropped when full.
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Queue{maxSize: maxSize}
}

func (q *Queue) Push(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) >= q.maxSize {
		q.messages = q.messages[1:]
		q.dropped++
	}
	q.messages = append(q.messages, msg)
}

// AckUpto removes every message with Seq <= seq and returns how many.
func (q *Queue) AckUpto(seq int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.messages[:0]
	removed := 0
	for _, msg := range q.messages {
		if msg.Seq > seq {
			kept = append(kept, msg)
		} else {
			removed++
		}
	}
	q.messages = kept
	return removed
}

// Unacked returns a copy of the buffered messages in sequence order.
func (q *Queue) Unacked() []Message {
	q.mu.Lock()
	result := make([]Message, len(q.messages))
	copy(result, q.messages)
	q.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Dropped counts messages evicted because the buffer was full.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
