package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trustgate/trustgate/internal/domain/audit"
)

// AuditWriter provides async audit logging with a buffered channel and a
// background batch worker, keeping store latency off the tool-call hot path.
// Entries are dropped (and counted) only when the buffer stays full past the
// send timeout.
type AuditWriter struct {
	store         audit.Store
	entries       chan audit.Entry
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration
	dropCount   atomic.Int64
}

// AuditOption configures an AuditWriter.
type AuditOption func(*AuditWriter)

// WithBatchSize sets how many entries are batched per store write.
func WithBatchSize(n int) AuditOption {
	return func(w *AuditWriter) { w.batchSize = n }
}

// WithFlushInterval sets how often a partial batch is flushed.
func WithFlushInterval(d time.Duration) AuditOption {
	return func(w *AuditWriter) { w.flushInterval = d }
}

// WithChannelSize sets the entry buffer capacity.
func WithChannelSize(n int) AuditOption {
	return func(w *AuditWriter) {
		w.entries = make(chan audit.Entry, n)
		w.channelSize = n
	}
}

// WithSendTimeout sets how long Record blocks on a full buffer before
// dropping. Zero drops immediately.
func WithSendTimeout(d time.Duration) AuditOption {
	return func(w *AuditWriter) { w.sendTimeout = d }
}

// NewAuditWriter creates the writer. Call Start to launch the worker.
func NewAuditWriter(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditWriter {
	const defaultChannelSize = 1000
	w := &AuditWriter{
		store:         store,
		entries:       make(chan audit.Entry, defaultChannelSize),
		logger:        logger,
		batchSize:     100,
		flushInterval: time.Second,
		channelSize:   defaultChannelSize,
		sendTimeout:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the background worker.
func (w *AuditWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.worker(ctx)
}

// Record enqueues an entry. Non-blocking on the fast path; on a full buffer
// it waits up to the send timeout, then drops and counts.
func (w *AuditWriter) Record(e audit.Entry) {
	select {
	case w.entries <- e:
		return
	default:
	}

	if w.sendTimeout <= 0 {
		w.recordDrop(e)
		return
	}
	t := time.NewTimer(w.sendTimeout)
	defer t.Stop()
	select {
	case w.entries <- e:
	case <-t.C:
		w.recordDrop(e)
	}
}

func (w *AuditWriter) recordDrop(e audit.Entry) {
	drops := w.dropCount.Add(1)
	w.logger.Warn("audit entry dropped",
		"tool", e.ToolName, "agent", e.AgentName, "total_drops", drops)
}

// DroppedEntries returns the total dropped entry count.
func (w *AuditWriter) DroppedEntries() int64 {
	return w.dropCount.Load()
}

// Stop closes the buffer and waits for the final flush.
func (w *AuditWriter) Stop() {
	close(w.entries)
	w.wg.Wait()
}

// worker batches entries and writes them on size or interval.
func (w *AuditWriter) worker(ctx context.Context) {
	defer w.wg.Done()

	batch := make([]audit.Entry, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-w.entries:
			if !ok {
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					w.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes one batch. Failures are logged, never propagated: audit
// persistence must not take down tool dispatch.
func (w *AuditWriter) flush(ctx context.Context, batch []audit.Entry) {
	if err := w.store.Append(ctx, batch...); err != nil {
		w.logger.Error("audit batch write failed",
			"entries", len(batch), "error", err)
	}
}

// StartRetention launches a loop that deletes entries older than maxAge
// every interval. Returns immediately when maxAge is zero (retention off).
func (w *AuditWriter) StartRetention(ctx context.Context, maxAge, interval time.Duration) {
	if maxAge <= 0 {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-maxAge)
				n, err := w.store.Cleanup(ctx, cutoff)
				if err != nil {
					w.logger.Error("audit retention cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					w.logger.Info("audit retention cleanup", "removed", n)
				}
			}
		}
	}()
}
