package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"imagevault/pkg/domain"
)

type captureAuditStore struct {
	domain.MetadataStore

	mu      sync.Mutex
	batches [][]domain.AuditEntry
}

func (c *captureAuditStore) LogAuditBatch(_ context.Context, entries []domain.AuditEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]domain.AuditEntry, len(entries))
	copy(batch, entries)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *captureAuditStore) snapshot() (batches int, entries int, maxBatch int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.batches {
		entries += len(b)
		if len(b) > maxBatch {
			maxBatch = len(b)
		}
	}
	return len(c.batches), entries, maxBatch
}

func TestAuditBatcherBatchesUpToLimit(t *testing.T) {
	capture := &captureAuditStore{}
	b := newAuditBatcher(capture, discardLogger())

	for i := 0; i < 250; i++ {
		b.Record(domain.AuditEntry{Action: "redact", EntityUID: fmt.Sprintf("1.2.%d", i)})
	}
	b.Close()

	batches, entries, maxBatch := capture.snapshot()
	if entries != 250 {
		t.Fatalf("entries = %d, want 250", entries)
	}
	if maxBatch > auditBatchMax {
		t.Fatalf("batch of %d exceeds limit %d", maxBatch, auditBatchMax)
	}
	if batches < 3 {
		t.Fatalf("batches = %d, want at least 3 for 250 entries", batches)
	}
}

func TestAuditBatcherFillsTimestamps(t *testing.T) {
	capture := &captureAuditStore{}
	b := newAuditBatcher(capture, discardLogger())
	b.Record(domain.AuditEntry{Action: "import"})
	b.Close()

	_, entries, _ := capture.snapshot()
	if entries != 1 {
		t.Fatalf("entries = %d", entries)
	}
	if capture.batches[0][0].Timestamp.IsZero() {
		t.Fatalf("timestamp not filled on record")
	}
}

func TestAuditBatcherPeriodicFlush(t *testing.T) {
	capture := &captureAuditStore{}
	b := newAuditBatcher(capture, discardLogger())
	defer b.Close()

	b.Record(domain.AuditEntry{Action: "scan"})

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, entries, _ := capture.snapshot(); entries == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry not flushed within the periodic interval")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuditBatcherRecordAfterCloseIsDropped(t *testing.T) {
	capture := &captureAuditStore{}
	b := newAuditBatcher(capture, discardLogger())
	b.Close()
	b.Record(domain.AuditEntry{Action: "late"}) // must not panic
	if _, entries, _ := capture.snapshot(); entries != 0 {
		t.Fatalf("entries after close = %d", entries)
	}
}
