package tdma

import (
	"testing"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
)

func TestQueueIsBoundedFifo(t *testing.T) {
	q := NewQueue(2, time.Second)
	a, b := frame.NewPacket([]byte{1}), frame.NewPacket([]byte{2})
	if !q.Enqueue(a, frame.Broadcast, epoch) || !q.Enqueue(b, frame.Broadcast, epoch) {
		t.Fatalf("enqueue into empty queue failed")
	}
	if q.Enqueue(frame.NewPacket(nil), frame.Broadcast, epoch) {
		t.Fatalf("third packet accepted by a queue of two")
	}
	item, expired, ok := q.Dequeue(epoch)
	if !ok || item.Packet != a || len(expired) != 0 {
		t.Fatalf("Dequeue = %+v %v %v", item, expired, ok)
	}
	if q.Len() != 1 || q.IsEmpty() {
		t.Fatalf("Len = %d", q.Len())
	}
}

func TestQueueExpiresStalePackets(t *testing.T) {
	q := NewQueue(10, 500*time.Millisecond)
	q.Enqueue(frame.NewPacket([]byte{1}), frame.Broadcast, epoch)
	q.Enqueue(frame.NewPacket([]byte{2}), frame.Broadcast, epoch.Add(100*time.Millisecond))
	fresh := frame.NewPacket([]byte{3})
	q.Enqueue(fresh, frame.Broadcast, epoch.Add(400*time.Millisecond))

	item, expired, ok := q.Dequeue(epoch.Add(700 * time.Millisecond))
	if !ok || item.Packet != fresh {
		t.Fatalf("Dequeue returned %+v ok=%v", item, ok)
	}
	if len(expired) != 2 {
		t.Fatalf("expired = %d, want 2", len(expired))
	}

	// Exactly maxDelay old is still deliverable.
	q.Enqueue(fresh, frame.Broadcast, epoch)
	if _, expired, ok := q.Dequeue(epoch.Add(500 * time.Millisecond)); !ok || len(expired) != 0 {
		t.Fatalf("packet at the delay bound was expired")
	}
	if _, _, ok := q.Dequeue(epoch); ok || !q.IsEmpty() {
		t.Fatalf("empty queue returned a packet")
	}
}
