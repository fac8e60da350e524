package sidecar

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"imagevault/internal/integrity"
	"imagevault/pkg/domain"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := Open(filepath.Join(t.TempDir(), "frames.sidecar"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return log
}

func TestWriteReadRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x12, 0x34, 0x56, 0x78}, 256)
	for _, comp := range []domain.Compression{domain.CompressionNone, domain.CompressionZlib} {
		t.Run(string(comp), func(t *testing.T) {
			log := openTestLog(t)
			ref, err := log.WriteFrame(payload, comp)
			if err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			if ref.Compression != comp {
				t.Errorf("ref.Compression = %s", ref.Compression)
			}
			if ref.ContentHash != integrity.Sum(payload) {
				t.Errorf("ref.ContentHash must cover the uncompressed payload")
			}
			got, err := log.ReadFrame(ref)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("round trip mismatch: %d bytes", len(got))
			}
		})
	}
}

func TestWriteFrameAppends(t *testing.T) {
	log := openTestLog(t)
	ref1, err := log.WriteFrame([]byte("first"), domain.CompressionNone)
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	ref2, err := log.WriteFrame([]byte("second"), domain.CompressionNone)
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if ref2.Offset != ref1.Offset+ref1.Length {
		t.Fatalf("frames must be appended contiguously: %+v then %+v", ref1, ref2)
	}
	// Superseding a frame grows the file; nothing is overwritten.
	got, err := log.ReadFrame(ref1)
	if err != nil || !bytes.Equal(got, []byte("first")) {
		t.Fatalf("old frame unreadable after append: %q, %v", got, err)
	}
}

func TestCorruptRawFrameYieldsIntegrityError(t *testing.T) {
	log := openTestLog(t)
	payload := bytes.Repeat([]byte{0xAA}, 1000)
	ref, err := log.WriteFrame(payload, domain.CompressionNone)
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	flipByteAt(t, log.Path(), int64(ref.Offset)+500)

	_, err = log.ReadFrame(ref)
	var mismatch integrity.Error
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want integrity.Error", err)
	}
}

func TestCorruptCompressedFrameFailsRead(t *testing.T) {
	log := openTestLog(t)
	payload := bytes.Repeat([]byte{0xAB, 0xCD}, 500)
	ref, err := log.WriteFrame(payload, domain.CompressionZlib)
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	flipByteAt(t, log.Path(), int64(ref.Offset+ref.Length/2))

	if _, err := log.ReadFrame(ref); err == nil {
		t.Fatalf("corrupted compressed frame must not read back cleanly")
	}
}

func TestShortReadIsTyped(t *testing.T) {
	log := openTestLog(t)
	ref, err := log.WriteFrame([]byte("short"), domain.CompressionNone)
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	// Claim more bytes than the file holds.
	ref.Length += 100
	_, err = log.ReadFrame(ref)
	var short ShortReadError
	if !errors.As(err, &short) {
		t.Fatalf("err = %v, want ShortReadError", err)
	}
	if short.Expected != 105 || short.Actual != 5 {
		t.Fatalf("short read detail = %+v", short)
	}
}

func TestOpenCreatesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.sidecar")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	size, err := log.Size()
	if err != nil || size != 0 {
		t.Fatalf("Size = %d, %v", size, err)
	}
}

func flipByteAt(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	defer func() { _ = f.Close() }()
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, offset); err != nil {
		t.Fatalf("read byte: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b, offset); err != nil {
		t.Fatalf("write byte: %v", err)
	}
}
