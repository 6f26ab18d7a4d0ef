package tdma

import (
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
)

// QueueItem is a packet waiting for a reserved slot.
type QueueItem struct {
	Packet   *frame.Packet
	Dest     frame.Mac48
	Enqueued time.Time
}

// Queue is the MAC transmit FIFO. It is bounded in length and in how long a
// packet may wait.
type Queue struct {
	maxPackets int
	maxDelay   time.Duration
	items      []QueueItem
}

// NewQueue returns an empty queue.
func NewQueue(maxPackets int, maxDelay time.Duration) *Queue {
	return &Queue{maxPackets: maxPackets, maxDelay: maxDelay}
}

// Enqueue appends the packet. It reports false when the queue is full.
func (q *Queue) Enqueue(p *frame.Packet, dest frame.Mac48, now time.Time) bool {
	if len(q.items) >= q.maxPackets {
		return false
	}
	q.items = append(q.items, QueueItem{Packet: p, Dest: dest, Enqueued: now})
	return true
}

// Dequeue pops the oldest packet that has not outlived the queue delay.
// Expired packets found on the way are removed and returned as well.
func (q *Queue) Dequeue(now time.Time) (item QueueItem, expired []QueueItem, ok bool) {
	for len(q.items) > 0 {
		head := q.items[0]
		q.items[0] = QueueItem{}
		q.items = q.items[1:]
		if now.Sub(head.Enqueued) > q.maxDelay {
			expired = append(expired, head)
			continue
		}
		return head, expired, true
	}
	return QueueItem{}, expired, false
}

func (q *Queue) Len() int      { return len(q.items) }
func (q *Queue) IsEmpty() bool { return len(q.items) == 0 }
