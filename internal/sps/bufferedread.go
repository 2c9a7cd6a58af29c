package sps

import "github.com/user/spsched/internal/message"

// bufferedRead is one held SAFE-read response. gate is the sp-handle the
// truncation point must reach before the response may leave: the read's own
// sp-handle for single-partition reads (the last write scheduled before it),
// or the transaction's first sp-handle for MP reads.
type bufferedRead struct {
	gate int64
	dest message.SiteID
	msg  message.Message
}

// BufferedReadLog holds SAFE-read responses on the leader until the writes
// scheduled before them are cluster-committed. Release order is FIFO.
type BufferedReadLog struct {
	reads []bufferedRead
}

// NewBufferedReadLog returns an empty buffered-read log.
func NewBufferedReadLog() *BufferedReadLog {
	return &BufferedReadLog{}
}

// Offer enqueues a read response gated on gate and immediately releases
// everything already satisfied by the current truncation handle.
func (b *BufferedReadLog) Offer(dest message.SiteID, m message.Message, gate, truncHandle int64,
	send func(message.SiteID, message.Message)) {
	b.reads = append(b.reads, bufferedRead{gate: gate, dest: dest, msg: m})
	b.Release(truncHandle, send)
}

// Release delivers held responses from the head of the queue, in FIFO order,
// until it reaches one whose gate is still ahead of the truncation handle;
// responses behind that one stay held even when their own gate is reached.
func (b *BufferedReadLog) Release(truncHandle int64, send func(message.SiteID, message.Message)) {
	for len(b.reads) > 0 {
		head := b.reads[0]
		if head.gate > truncHandle {
			return
		}
		b.reads = b.reads[1:]
		send(head.dest, head.msg)
	}
}

// Len reports the number of held responses.
func (b *BufferedReadLog) Len() int { return len(b.reads) }
