package network

// SendWindow is the go-back-N sliding window over a materialized chunk list.
//
// Invariants: 0 <= base <= next <= len(chunks) and next-base <= size. base only
// moves forward, and only on a cumulative ACK above it.
type SendWindow struct {
	chunks []Chunk
	size   int

	base int
	next int

	retransmissions int
}

// NewSendWindow creates a window of the given size. Sizes below one are raised to one.
func NewSendWindow(chunks []Chunk, size int) *SendWindow {
	if size < 1 {
		size = 1
	}
	return &SendWindow{
		chunks: chunks,
		size:   size,
	}
}

// Due returns the chunks that may be put on the wire now, in sequence order,
// and marks them as sent.
func (w *SendWindow) Due() []Chunk {
	limit := min(w.base+w.size, len(w.chunks))
	if w.next >= limit {
		return nil
	}
	due := w.chunks[w.next:limit]
	w.next = limit
	return due
}

// Acknowledge applies a cumulative ACK naming the next sequence the receiver
// expects. Stale, duplicate and out-of-range ACKs are no-ops. It reports
// whether the window slid.
func (w *SendWindow) Acknowledge(ack int) bool {
	if ack <= w.base || ack > len(w.chunks) {
		return false
	}
	w.base = ack
	if w.next < w.base {
		w.next = w.base
	}
	return true
}

// Timeout rewinds to the oldest unacknowledged chunk so the whole window is re-sent.
func (w *SendWindow) Timeout() {
	if w.Done() {
		return
	}
	w.next = w.base
	w.retransmissions++
}

// Done reports whether every chunk has been acknowledged.
func (w *SendWindow) Done() bool {
	return w.base >= len(w.chunks)
}

func (w *SendWindow) Base() int            { return w.base }
func (w *SendWindow) Next() int            { return w.next }
func (w *SendWindow) Size() int            { return w.size }
func (w *SendWindow) Total() int           { return len(w.chunks) }
func (w *SendWindow) Retransmissions() int { return w.retransmissions }
