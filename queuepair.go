package xmm

import (
	"context"

	"github.com/behrlich/go-xmm/internal/queue"
)

// QueuePair is one bidirectional byte-stream channel backed by a send ring
// and a receive ring. The handle exists for the device's lifetime; Open and
// Close toggle the per-session state. It implements the stream contract the
// device-file layer exposes to user processes.
type QueuePair struct {
	dev *Device
	p   *queue.Pair
}

// Num returns the pair index (0..7).
func (q *QueuePair) Num() int { return q.p.Num() }

// IsOpen reports whether the pair is currently open.
func (q *QueuePair) IsOpen() bool { return q.p.IsOpen() }

// Open allocates and registers the pair's send and receive rings and
// pre-arms every receive buffer. Opening an already-open pair fails with
// ErrCodeAlreadyOpen and does not touch the device.
func (q *QueuePair) Open() error {
	if err := q.p.Open(); err != nil {
		return WrapError("qp_open", q.p.Num(), err)
	}
	q.dev.metrics.PairOpens.Add(1)
	return nil
}

// Close deregisters and frees both rings. Closing a pair that is not open
// fails with ErrCodeNotOpen and has no side effects.
func (q *QueuePair) Close() error {
	if err := q.p.Close(); err != nil {
		return WrapError("qp_close", q.p.Num(), err)
	}
	q.dev.metrics.PairCloses.Add(1)
	return nil
}

// Write queues data on the send ring and rings the data doorbell. A full
// send ring returns an ErrCodeRingFull error immediately; the caller
// decides when to retry. Data larger than one ring buffer is a caller bug
// and panics.
func (q *QueuePair) Write(data []byte) error {
	if err := q.p.Write(data); err != nil {
		return WrapError("qp_write", q.p.Num(), err)
	}
	q.dev.metrics.BytesSent.Add(uint64(len(data)))
	return nil
}

// Read blocks until the device delivers inbound data, then copies up to
// len(buf) bytes and returns the count. A delivery longer than buf is
// truncated; the excess is discarded, not buffered. Cancelling ctx
// surfaces ErrCodeCancelled.
func (q *QueuePair) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := q.p.Read(ctx, buf)
	if err != nil {
		return 0, WrapError("qp_read", q.p.Num(), err)
	}
	q.dev.metrics.BytesReceived.Add(uint64(n))
	return n, nil
}
