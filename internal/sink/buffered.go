package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/you/chatrelay/internal/core"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("sink: buffered writer closed")

// BatchWriter persists a group of messages.
type BatchWriter interface {
	WriteBatch(ctx context.Context, msgs []core.Message) error
}

type BufferedOptions struct {
	// BatchSize flushes as soon as this many messages are pending. Zero
	// means write-through.
	BatchSize int
	// FlushInterval bounds how long the first pending message waits.
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	// OnError observes every failed flush with the number of messages lost.
	OnError func(err error, n int)
}

// BufferedWriter coalesces adapter batches into fewer SQLite transactions.
// A flush started by the timer has no caller to report to, so its error is
// parked and handed to the next Write or Close.
type BufferedWriter struct {
	base BatchWriter
	opts BufferedOptions

	mu      sync.Mutex
	pending []core.Message
	timer   *time.Timer
	closed  bool
	parked  error
}

func NewBufferedWriter(base BatchWriter, opts BufferedOptions) *BufferedWriter {
	opts.BatchSize = max(opts.BatchSize, 1)
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &BufferedWriter{base: base, opts: opts}
}

func (b *BufferedWriter) Write(msg core.Message) error {
	return b.WriteAll([]core.Message{msg})
}

// WriteAll buffers msgs as a unit; they are never split across flushes.
func (b *BufferedWriter) WriteAll(msgs []core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrWriterClosed
	}
	parked := b.parked
	b.parked = nil
	if len(b.pending) == 0 && b.opts.FlushInterval > 0 {
		b.timer = time.AfterFunc(b.opts.FlushInterval, b.flushFromTimer)
	}
	b.pending = append(b.pending, msgs...)
	var batch []core.Message
	if len(b.pending) >= b.opts.BatchSize {
		batch = b.drainLocked()
	}
	b.mu.Unlock()

	return errors.Join(b.flush(batch), parked)
}

// Flush writes whatever is pending now.
func (b *BufferedWriter) Flush() error {
	b.mu.Lock()
	batch := b.drainLocked()
	b.mu.Unlock()
	return b.flush(batch)
}

// Close flushes the remainder. Later writes fail with ErrWriterClosed.
func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	batch := b.drainLocked()
	parked := b.parked
	b.parked = nil
	b.mu.Unlock()

	return errors.Join(b.flush(batch), parked)
}

func (b *BufferedWriter) flushFromTimer() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	batch := b.drainLocked()
	b.mu.Unlock()

	if err := b.flush(batch); err != nil {
		b.mu.Lock()
		b.parked = errors.Join(b.parked, err)
		b.mu.Unlock()
	}
}

// drainLocked hands back the pending messages and disarms the timer.
func (b *BufferedWriter) drainLocked() []core.Message {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}

func (b *BufferedWriter) flush(batch []core.Message) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.WriteTimeout)
	defer cancel()
	if err := b.base.WriteBatch(ctx, batch); err != nil {
		if b.opts.OnError != nil {
			b.opts.OnError(err, len(batch))
		}
		return err
	}
	return nil
}
