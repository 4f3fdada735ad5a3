package netmgr

import "time"

// DrainOutcome reports what DrainOne did with the head of the queue.
type DrainOutcome int

const (
	// DrainEmpty means the queue had nothing to send.
	DrainEmpty DrainOutcome = iota
	// DrainSent means the head was delivered and removed.
	DrainSent
	// DrainRetry means the send failed; the head keeps its place with
	// its retry count incremented.
	DrainRetry
	// DrainDrop means the send failed and the head ran out of retries;
	// it was removed undelivered.
	DrainDrop
)

// queued is one held message plus its bookkeeping.
type queued struct {
	msg        Message
	enqueuedAt time.Time
	retries    int
}

// QueuedInfo describes one held message for snapshots and logs.
type QueuedInfo struct {
	Topic      string    `json:"topic"`
	Size       int       `json:"size"`
	Retries    int       `json:"retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue holds messages published while the session is down, oldest
// first. It is a plain bounded buffer; the Manager owns the locking
// and logging around it.
type Queue struct {
	capacity   int
	maxRetries int
	entries    []queued
}

// NewQueue returns a queue that holds at most capacity messages and
// gives each entry maxRetries failed sends before dropping it.
func NewQueue(capacity, maxRetries int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Queue{capacity: capacity, maxRetries: maxRetries}
}

// Enqueue appends msg. When the queue is already full the oldest entry
// is evicted to make room; the evicted message is returned so the
// caller can report the loss.
func (q *Queue) Enqueue(msg Message, now time.Time) (evicted Message, didEvict bool) {
	if len(q.entries) >= q.capacity {
		evicted = q.dropHead().msg
		didEvict = true
	}
	q.entries = append(q.entries, queued{msg: msg, enqueuedAt: now})
	return evicted, didEvict
}

// DrainOne tries to deliver the head of the queue through send. Only
// the head is ever attempted, so delivery order is preserved. A failed
// send leaves the head in place with one more retry charged against
// it, unless that failure exhausts its retries, in which case the
// message is dropped.
func (q *Queue) DrainOne(send func(Message) error) (DrainOutcome, Message) {
	if len(q.entries) == 0 {
		return DrainEmpty, Message{}
	}
	head := &q.entries[0]
	msg := head.msg
	if err := send(msg); err != nil {
		head.retries++
		if head.retries > q.maxRetries {
			q.dropHead()
			return DrainDrop, msg
		}
		return DrainRetry, msg
	}
	q.dropHead()
	return DrainSent, msg
}

// Len reports how many messages are held.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Clear discards everything and reports how many messages were thrown
// away.
func (q *Queue) Clear() int {
	n := len(q.entries)
	for i := range q.entries {
		q.entries[i] = queued{}
	}
	q.entries = q.entries[:0]
	return n
}

// Snapshot returns a copy of the queue contents, oldest first.
func (q *Queue) Snapshot() []QueuedInfo {
	out := make([]QueuedInfo, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, QueuedInfo{
			Topic:      e.msg.Topic,
			Size:       len(e.msg.Payload),
			Retries:    e.retries,
			EnqueuedAt: e.enqueuedAt,
		})
	}
	return out
}

func (q *Queue) dropHead() queued {
	head := q.entries[0]
	n := copy(q.entries, q.entries[1:])
	q.entries[n] = queued{}
	q.entries = q.entries[:n]
	return head
}
