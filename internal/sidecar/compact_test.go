package sidecar

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"imagevault/pkg/domain"
)

type stubOracle struct {
	refs    map[string]domain.BlobRef
	updated map[string]domain.BlobRef
	liveErr error
}

func (o *stubOracle) LiveBlobRefs(context.Context) (map[string]domain.BlobRef, error) {
	if o.liveErr != nil {
		return nil, o.liveErr
	}
	out := make(map[string]domain.BlobRef, len(o.refs))
	for k, v := range o.refs {
		out[k] = v
	}
	return out, nil
}

func (o *stubOracle) UpdateBlobRefs(_ context.Context, refs map[string]domain.BlobRef) error {
	o.updated = refs
	for uid, ref := range refs {
		o.refs[uid] = ref
	}
	return nil
}

func TestCompactionReclaimsDeadFrames(t *testing.T) {
	log := openTestLog(t)
	live1, err := log.WriteFrame(bytes.Repeat([]byte{0x01}, 4096), domain.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := log.WriteFrame(bytes.Repeat([]byte{0x02}, 8192), domain.CompressionNone); err != nil {
		t.Fatal(err) // superseded frame, not referenced by the oracle
	}
	live2, err := log.WriteFrame(bytes.Repeat([]byte{0x03}, 2048), domain.CompressionZlib)
	if err != nil {
		t.Fatal(err)
	}

	before, err := log.Size()
	if err != nil {
		t.Fatal(err)
	}

	oracle := &stubOracle{refs: map[string]domain.BlobRef{
		"uid-1": live1,
		"uid-3": live2,
	}}
	moves, err := NewCompactor(log, oracle).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	after, err := log.Size()
	if err != nil {
		t.Fatal(err)
	}
	if after >= before {
		t.Fatalf("compaction did not shrink the log: %d -> %d", before, after)
	}
	if after != int64(live1.Length+live2.Length) {
		t.Fatalf("compacted size = %d, want %d", after, live1.Length+live2.Length)
	}
	if len(moves) != 2 {
		t.Fatalf("moves = %d, want 2", len(moves))
	}
	if oracle.updated == nil {
		t.Fatalf("stored references were not rewritten")
	}

	// Every surviving frame reads back intact at its new location.
	got1, err := log.ReadFrame(moves["uid-1"])
	if err != nil || !bytes.Equal(got1, bytes.Repeat([]byte{0x01}, 4096)) {
		t.Fatalf("uid-1 after compaction: %v", err)
	}
	got2, err := log.ReadFrame(moves["uid-3"])
	if err != nil || !bytes.Equal(got2, bytes.Repeat([]byte{0x03}, 2048)) {
		t.Fatalf("uid-3 after compaction: %v", err)
	}
	if moves["uid-1"].ContentHash != live1.ContentHash {
		t.Fatalf("compaction must not change content hashes")
	}
}

func TestCompactionCopiesSharedFrameOnce(t *testing.T) {
	log := openTestLog(t)
	shared, err := log.WriteFrame([]byte("shared payload"), domain.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := log.WriteFrame(bytes.Repeat([]byte{0xFF}, 1024), domain.CompressionNone); err != nil {
		t.Fatal(err)
	}

	oracle := &stubOracle{refs: map[string]domain.BlobRef{
		"uid-a": shared,
		"uid-b": shared,
	}}
	moves, err := NewCompactor(log, oracle).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if moves["uid-a"].Offset != moves["uid-b"].Offset {
		t.Fatalf("shared frame duplicated: %+v vs %+v", moves["uid-a"], moves["uid-b"])
	}
	size, err := log.Size()
	if err != nil || size != int64(shared.Length) {
		t.Fatalf("compacted size = %d, want %d", size, shared.Length)
	}
}

func TestCompactionEmptyLiveSetTruncates(t *testing.T) {
	log := openTestLog(t)
	if _, err := log.WriteFrame([]byte("doomed"), domain.CompressionNone); err != nil {
		t.Fatal(err)
	}
	oracle := &stubOracle{refs: map[string]domain.BlobRef{}}
	moves, err := NewCompactor(log, oracle).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(moves) != 0 {
		t.Fatalf("moves = %v", moves)
	}
	size, err := log.Size()
	if err != nil || size != 0 {
		t.Fatalf("log not truncated: %d, %v", size, err)
	}
}

func TestCompactionOracleFailureLeavesLogIntact(t *testing.T) {
	log := openTestLog(t)
	ref, err := log.WriteFrame([]byte("keep me"), domain.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	oracle := &stubOracle{liveErr: errors.New("backend down")}
	if _, err := NewCompactor(log, oracle).Run(context.Background()); err == nil {
		t.Fatalf("expected error from failing oracle")
	}
	got, err := log.ReadFrame(ref)
	if err != nil || !bytes.Equal(got, []byte("keep me")) {
		t.Fatalf("log damaged by failed compaction: %v", err)
	}
}
