package sidecar

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"imagevault/pkg/domain"
)

// Oracle is the liveness view compaction runs against: the set of frames
// still reachable from the committed metadata graph, and the write-back path
// for relocated references. Implemented by the metadata store backends.
type Oracle interface {
	// LiveBlobRefs returns instance UID -> current sidecar reference for
	// every instance holding one.
	LiveBlobRefs(ctx context.Context) (map[string]domain.BlobRef, error)
	// UpdateBlobRefs rewrites the stored references for the given instances.
	UpdateBlobRefs(ctx context.Context, refs map[string]domain.BlobRef) error
}

// Compactor rewrites the log to contain only live frames. Callers must have
// flushed pending metadata saves first; otherwise frames referenced only by
// unflushed snapshots would be reclaimed.
type Compactor struct {
	log    *Log
	oracle Oracle
}

// NewCompactor pairs a log with its liveness oracle.
func NewCompactor(log *Log, oracle Oracle) *Compactor {
	return &Compactor{log: log, oracle: oracle}
}

type byteRange struct {
	offset uint64
	length uint64
}

// Run stream-copies every live frame into a fresh log file, updates the
// stored references, and atomically swaps the files. It returns the
// relocation map keyed by instance UID; any in-memory reference to the old
// layout is invalid until the caller applies the map (domain.Relocate).
func (c *Compactor) Run(ctx context.Context) (map[string]domain.BlobRef, error) {
	live, err := c.oracle.LiveBlobRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate live frames: %w", err)
	}

	// Writers are held off for the whole copy-update-swap sequence.
	c.log.mu.Lock()
	defer c.log.mu.Unlock()

	src, err := os.Open(c.log.path)
	if err != nil {
		return nil, fmt.Errorf("open sidecar log: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.CreateTemp(filepath.Dir(c.log.path), ".compact-*")
	if err != nil {
		return nil, fmt.Errorf("create compacted log: %w", err)
	}
	tmpName := dst.Name()
	defer func() {
		_ = dst.Close()
		_ = os.Remove(tmpName)
	}()

	// Stable order: instances sorted by UID. Frames shared by several
	// instances are copied once.
	uids := make([]string, 0, len(live))
	for uid := range live {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	moves := make(map[string]domain.BlobRef, len(live))
	copied := map[byteRange]uint64{}
	var written uint64
	for _, uid := range uids {
		ref := live[uid]
		rng := byteRange{offset: ref.Offset, length: ref.Length}
		newOffset, ok := copied[rng]
		if !ok {
			if _, err := src.Seek(int64(ref.Offset), io.SeekStart); err != nil {
				return nil, fmt.Errorf("seek frame for %s: %w", uid, err)
			}
			n, err := io.CopyN(dst, src, int64(ref.Length))
			if err != nil {
				return nil, fmt.Errorf("copy frame for %s: %w", uid, err)
			}
			if uint64(n) != ref.Length {
				return nil, ShortReadError{Offset: ref.Offset, Expected: int(ref.Length), Actual: int(n)}
			}
			newOffset = written
			copied[rng] = newOffset
			written += ref.Length
		}
		moved := ref
		moved.Offset = newOffset
		moves[uid] = moved
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("sync compacted log: %w", err)
	}
	if err := c.oracle.UpdateBlobRefs(ctx, moves); err != nil {
		return nil, fmt.Errorf("relocate stored references: %w", err)
	}
	if err := os.Rename(tmpName, c.log.path); err != nil {
		return nil, fmt.Errorf("swap compacted log: %w", err)
	}
	return moves, nil
}
