package archive

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
)

// Batcher accumulates archive entries and flushes them to the sink on a fixed
// interval. A failed flush puts the batch back at the head of the queue in
// its original order; entries are never silently dropped. The only
// unbounded-growth risk is a persistently unreachable sink, which is an
// accepted degradation.
type Batcher struct {
	sink Sink
	log  *zap.Logger
	ids  *sonyflake.Sonyflake

	mu      sync.Mutex
	pending []models.ArchiveEntry
}

// NewBatcher constructs a Batcher over the given sink.
func NewBatcher(sink Sink, log *zap.Logger) *Batcher {
	ids := sonyflake.NewSonyflake(sonyflake.Settings{})
	if ids == nil {
		// No derivable machine id (e.g. no private IP); a single-process
		// relay can fall back to the pid.
		ids = sonyflake.NewSonyflake(sonyflake.Settings{
			MachineID: func() (uint16, error) { return uint16(os.Getpid()), nil },
		})
	}
	return &Batcher{
		sink: sink,
		log:  log,
		ids:  ids,
	}
}

// Enqueue assigns the entry an id and appends it to the pending queue.
func (b *Batcher) Enqueue(entry models.ArchiveEntry) {
	if id, err := b.ids.NextID(); err == nil {
		entry.ID = int64(id)
	} else {
		b.log.Warn("archive id generation failed", zap.Error(err))
	}

	b.mu.Lock()
	b.pending = append(b.pending, entry)
	depth := len(b.pending)
	b.mu.Unlock()

	observability.SetArchivePending(depth)
}

// Flush takes the entire pending queue and writes it as one batch. On failure
// the batch is prepended back, preserving original order ahead of anything
// enqueued during the attempt.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := b.sink.WriteBatch(ctx, batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		depth := len(b.pending)
		b.mu.Unlock()

		observability.SetArchivePending(depth)
		observability.IncArchiveFlush("error")
		b.log.Warn("archive flush failed, batch requeued",
			zap.Int("entries", len(batch)), zap.Error(err))
		return err
	}

	observability.SetArchivePending(b.Pending())
	observability.IncArchiveFlush("ok")
	b.log.Debug("archive batch flushed", zap.Int("entries", len(batch)))
	return nil
}

// Pending reports the current queue depth.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// RunFlusher flushes on a fixed interval until ctx is done, then makes one
// final attempt to drain the queue on shutdown.
func (b *Batcher) RunFlusher(ctx context.Context, interval, timeout time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), timeout)
			_ = b.Flush(fctx)
			cancel()
			return
		case <-t.C:
			fctx, cancel := context.WithTimeout(ctx, timeout)
			_ = b.Flush(fctx)
			cancel()
		}
	}
}
