package domain

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Compression identifies the encoding of a sidecar frame.
type Compression string

// Supported frame compressions.
const (
	CompressionNone Compression = "none"
	CompressionZlib Compression = "zlib"
)

// BlobRef addresses one frame in the sidecar log. ContentHash is the
// lowercase hex SHA-256 of the uncompressed payload, so re-tuning the
// compression setting never invalidates stored hashes.
type BlobRef struct {
	Offset      uint64      `json:"offset"`
	Length      uint64      `json:"length"`
	Compression Compression `json:"compression"`
	ContentHash string      `json:"content_hash"`
}

// FrameReader reads a frame back from the sidecar log and verifies its
// content hash. Implemented by sidecar.Log.
type FrameReader interface {
	ReadFrame(ref BlobRef) ([]byte, error)
}

// PixelFetcher is a registered external pixel source, consulted after the
// in-memory buffer and before the sidecar log.
type PixelFetcher interface {
	FetchPixels(ctx context.Context, sopInstanceUID string) ([]byte, error)
}

// ErrNoPixels is returned by Instance.Pixels when no source can produce a
// payload for the instance.
type ErrNoPixels struct {
	SOPInstanceUID string
}

func (e ErrNoPixels) Error() string {
	return fmt.Sprintf("instance %s has no pixel source", e.SOPInstanceUID)
}

// Instance is a single image record. Pixel payloads are opaque bytes; the
// codec layer owns their interpretation.
type Instance struct {
	Revision
	Item
	SOPInstanceUID string
	SOPClassUID    string
	InstanceNumber int

	// FilePath points at the original imported file, the last-resort pixel
	// source.
	FilePath string

	// px guards the pixel state below. Savers read the buffer on a worker
	// goroutine while callers may replace it.
	px sync.Mutex

	buf []byte
	// bufRev counts buffer replacements; storedRev is the bufRev value at
	// the last durable write (sidecar frame or external store). The buffer
	// needs writing iff bufRev exceeds storedRev, which stays correct when
	// SetPixels races a save in flight, the same way Revision tracks
	// mod/saved counts instead of a dirty bit.
	bufRev    int64
	storedRev int64

	ref     *BlobRef
	frames  FrameReader
	fetcher PixelFetcher
}

// NewInstance constructs a dirty instance.
func NewInstance(sopInstanceUID, sopClassUID string, number int) *Instance {
	inst := &Instance{
		Item:           Item{Attributes: Attributes{}},
		SOPInstanceUID: sopInstanceUID,
		SOPClassUID:    sopClassUID,
		InstanceNumber: number,
	}
	inst.Touch()
	return inst
}

// SetPixels replaces the pixel payload, marks the instance dirty, and drops
// any stale sidecar reference so the old frame can no longer shadow the new
// bytes.
func (inst *Instance) SetPixels(b []byte) {
	inst.px.Lock()
	inst.buf = b
	inst.bufRev++
	inst.ref = nil
	inst.px.Unlock()
	inst.Touch()
}

// Pixels resolves the pixel payload. Sources are tried in a fixed priority
// order: materialized buffer, registered external fetcher, sidecar frame,
// original file. The first hit is cached in memory. Redaction and export
// depend on this order always yielding the most-recently-written payload.
func (inst *Instance) Pixels(ctx context.Context) ([]byte, error) {
	inst.px.Lock()
	defer inst.px.Unlock()
	if inst.buf != nil {
		return inst.buf, nil
	}
	if inst.fetcher != nil {
		b, err := inst.fetcher.FetchPixels(ctx, inst.SOPInstanceUID)
		if err == nil {
			inst.buf = b
			return b, nil
		}
	}
	if inst.ref != nil && inst.frames != nil {
		b, err := inst.frames.ReadFrame(*inst.ref)
		if err != nil {
			return nil, err
		}
		inst.buf = b
		return b, nil
	}
	if inst.FilePath != "" {
		b, err := os.ReadFile(inst.FilePath)
		if err != nil {
			return nil, fmt.Errorf("read original %s: %w", inst.FilePath, err)
		}
		inst.buf = b
		return b, nil
	}
	return nil, ErrNoPixels{SOPInstanceUID: inst.SOPInstanceUID}
}

// PendingPixels returns the in-memory buffer when it still needs a sidecar
// write: either it was rewritten since the last durable write, or it has
// never been written at all. The returned revision identifies the buffer
// snapshot; savers pass it back to SetBlobRef after the frame write.
func (inst *Instance) PendingPixels() ([]byte, int64, bool) {
	inst.px.Lock()
	defer inst.px.Unlock()
	if inst.buf != nil && (inst.bufRev > inst.storedRev || inst.ref == nil) {
		return inst.buf, inst.bufRev, true
	}
	return nil, 0, false
}

// PixelRevision returns the current buffer revision. Callers handing the
// buffer to an external store capture it before reading the payload and pass
// it to MarkPixelsStored afterwards.
func (inst *Instance) PixelRevision() int64 {
	inst.px.Lock()
	defer inst.px.Unlock()
	return inst.bufRev
}

// SetBlobRef installs the sidecar reference returned by a frame write of the
// buffer snapshot identified by rev. When the buffer was replaced while the
// write was in flight the reference is discarded: the written frame belongs
// to a superseded payload (an orphan for compaction to reclaim) and the
// replacement stays pending for the next save. The buffer stays cached.
func (inst *Instance) SetBlobRef(fr FrameReader, ref BlobRef, rev int64) bool {
	inst.px.Lock()
	defer inst.px.Unlock()
	if rev != inst.bufRev {
		return false
	}
	r := ref
	inst.ref = &r
	inst.frames = fr
	inst.storedRev = rev
	return true
}

// AttachFrames wires a lazily resolvable sidecar frame, used when hydrating
// an instance from the metadata store.
func (inst *Instance) AttachFrames(fr FrameReader, ref BlobRef) {
	inst.px.Lock()
	defer inst.px.Unlock()
	r := ref
	inst.ref = &r
	inst.frames = fr
}

// BlobRef returns a copy of the current sidecar reference, if any.
func (inst *Instance) BlobRef() (BlobRef, bool) {
	inst.px.Lock()
	defer inst.px.Unlock()
	if inst.ref == nil {
		return BlobRef{}, false
	}
	return *inst.ref, true
}

// SetPixelFetcher registers an external pixel source for this instance.
func (inst *Instance) SetPixelFetcher(f PixelFetcher) {
	inst.px.Lock()
	defer inst.px.Unlock()
	inst.fetcher = f
}

// MarkPixelsStored records that the buffer snapshot identified by rev has
// been handed to an external source, letting UnloadPixels release it. A
// buffer replaced since rev was captured stays pending.
func (inst *Instance) MarkPixelsStored(rev int64) bool {
	inst.px.Lock()
	defer inst.px.Unlock()
	if rev != inst.bufRev {
		return false
	}
	inst.storedRev = rev
	return true
}

// UnloadPixels drops the materialized buffer to relieve memory pressure. It
// refuses when the buffer is the only copy of the payload.
func (inst *Instance) UnloadPixels() bool {
	inst.px.Lock()
	defer inst.px.Unlock()
	if inst.buf == nil {
		return true
	}
	if inst.bufRev > inst.storedRev {
		return false
	}
	if inst.ref == nil && inst.fetcher == nil && inst.FilePath == "" {
		return false
	}
	inst.buf = nil
	return true
}

// Relocate patches the sidecar references of instances whose UID appears in
// moves, preserving compression and content hash. Callers must invoke this
// with the compaction relocation map before any further lazy read; the walk
// deliberately scans the whole graph rather than keeping a UID index.
func Relocate(patients []*Patient, moves map[string]BlobRef) int {
	if len(moves) == 0 {
		return 0
	}
	patched := 0
	WalkInstances(patients, func(_ *Patient, _ *Study, _ *Series, inst *Instance) {
		ref, ok := moves[inst.SOPInstanceUID]
		if !ok {
			return
		}
		inst.px.Lock()
		if inst.ref != nil {
			inst.ref.Offset = ref.Offset
			inst.ref.Length = ref.Length
			patched++
		}
		inst.px.Unlock()
	})
	return patched
}
