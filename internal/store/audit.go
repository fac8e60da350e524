package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"imagevault/pkg/domain"
)

const (
	auditBatchMax      = 100
	auditFlushInterval = time.Second
	auditQueueSize     = 4096
)

// auditBatcher accumulates audit entries and writes them to the metadata
// store in batches of at most auditBatchMax, flushing at least once per
// second. Individual trail entries are cheap to produce but expensive to
// commit one row at a time during bulk de-identification runs.
type auditBatcher struct {
	store domain.MetadataStore
	log   *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan domain.AuditEntry
	done   chan struct{}
}

func newAuditBatcher(store domain.MetadataStore, log *slog.Logger) *auditBatcher {
	b := &auditBatcher{
		store: store,
		log:   log,
		ch:    make(chan domain.AuditEntry, auditQueueSize),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

// Record queues one entry. If the queue is saturated the entry is written
// synchronously so nothing is dropped.
func (b *auditBatcher) Record(e domain.AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- e:
	default:
		if err := b.store.LogAuditBatch(context.Background(), []domain.AuditEntry{e}); err != nil {
			b.log.Error("synchronous audit write failed", "err", err, "action", e.Action)
			return
		}
		auditEntriesTotal.Inc()
	}
}

// Close flushes everything still queued and stops the batcher.
func (b *auditBatcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()
	<-b.done
}

func (b *auditBatcher) run() {
	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()
	batch := make([]domain.AuditEntry, 0, auditBatchMax)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.store.LogAuditBatch(context.Background(), batch); err != nil {
			b.log.Error("audit batch write failed", "err", err, "entries", len(batch))
		} else {
			auditEntriesTotal.Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-b.ch:
			if !ok {
				flush()
				close(b.done)
				return
			}
			batch = append(batch, e)
			if len(batch) >= auditBatchMax {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
