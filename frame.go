package rfm69

import (
	"fmt"
	"sync"
)

// Frame is one radio packet.
//
// On air it is laid out as:
//
//	+--------+-------------+--------+---------+-------------+
//	| Length | Destination | Source | Service |   Payload   |
//	+--------+-------------+--------+---------+-------------+
//	| 1 byte |   1 byte    | 1 byte | 1 byte  | 0-62 bytes  |
//	+--------+-------------+--------+---------+-------------+
//
// Length counts everything after itself (3 + len(Payload)).
type Frame struct {
	Source      byte
	Destination byte
	Service     byte
	Payload     []byte
	// RSSI in dBm, sampled when the frame was received. Ignored on transmit.
	RSSI int16
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame(%d->%d, service=%d, len=%d, rssi=%d)",
		f.Source, f.Destination, f.Service, len(f.Payload), f.RSSI)
}

// QueueCapacity is the number of received frames the driver buffers before
// it starts dropping new ones.
const QueueCapacity = 10

// frameQueue is the bounded FIFO between the interrupt handler and the
// consumer. When full, new frames are dropped; queued ones are kept.
type frameQueue struct {
	mu    sync.Mutex
	items []Frame
	limit int
}

func newFrameQueue(limit int) *frameQueue {
	return &frameQueue{
		items: make([]Frame, 0, limit),
		limit: limit,
	}
}

// push appends f and reports whether there was room for it.
func (q *frameQueue) push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, f)
	return true
}

func (q *frameQueue) pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Frame{}, false
	}
	f := q.items[0]
	n := copy(q.items, q.items[1:])
	q.items[n] = Frame{}
	q.items = q.items[:n]
	return f, true
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
