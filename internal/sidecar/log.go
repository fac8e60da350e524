// Package sidecar implements the append-only binary log holding large pixel
// payloads out-of-band from the metadata store, plus the compaction engine
// that reclaims space from unreachable frames.
package sidecar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zlib"

	"imagevault/internal/integrity"
	"imagevault/pkg/domain"
)

// ShortReadError reports a truncated frame read, which indicates log
// corruption and is never silently padded.
type ShortReadError struct {
	Offset   uint64
	Expected int
	Actual   int
}

func (e ShortReadError) Error() string {
	return fmt.Sprintf("incomplete read at offset %d: expected %d bytes, got %d", e.Offset, e.Expected, e.Actual)
}

// Log is an append-only frame store. Frames are opaque, optionally
// compressed byte ranges; offsets and lengths are tracked by the metadata
// store, not in the file itself. Writes are serialized under a process-local
// mutex; cross-process writers are out of scope.
type Log struct {
	path string
	mu   sync.Mutex
}

var _ domain.FrameReader = (*Log)(nil)

// Open returns a log backed by path, creating an empty file if needed.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sidecar log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("open sidecar log: %w", err)
	}
	return &Log{path: path}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Size returns the current log file size in bytes.
func (l *Log) Size() (int64, error) {
	fi, err := os.Stat(l.path)
	if err != nil {
		return 0, fmt.Errorf("stat sidecar log: %w", err)
	}
	return fi.Size(), nil
}

// WriteFrame hashes the uncompressed payload, encodes it with the requested
// compression, and appends it to the log under the write lock. The file only
// grows; superseded frames stay in place until compaction.
func (l *Log) WriteFrame(data []byte, comp domain.Compression) (domain.BlobRef, error) {
	hash := integrity.Sum(data)
	blob, err := encode(data, comp)
	if err != nil {
		return domain.BlobRef{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return domain.BlobRef{}, fmt.Errorf("open sidecar log: %w", err)
	}
	defer func() { _ = f.Close() }()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return domain.BlobRef{}, fmt.Errorf("seek sidecar log: %w", err)
	}
	if _, err := f.Write(blob); err != nil {
		return domain.BlobRef{}, fmt.Errorf("append frame: %w", err)
	}
	if err := f.Sync(); err != nil {
		return domain.BlobRef{}, fmt.Errorf("sync sidecar log: %w", err)
	}
	return domain.BlobRef{
		Offset:      uint64(offset),
		Length:      uint64(len(blob)),
		Compression: comp,
		ContentHash: hash,
	}, nil
}

// ReadFrame reads exactly ref.Length bytes at ref.Offset, decodes them, and
// verifies the content hash. A short read or hash mismatch surfaces as a
// typed error, never as silently wrong bytes.
func (l *Log) ReadFrame(ref domain.BlobRef) ([]byte, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open sidecar log: %w", err)
	}
	defer func() { _ = f.Close() }()

	blob := make([]byte, ref.Length)
	n, err := f.ReadAt(blob, int64(ref.Offset))
	if n < len(blob) {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, ShortReadError{Offset: ref.Offset, Expected: len(blob), Actual: n}
		}
		return nil, fmt.Errorf("read frame at %d: %w", ref.Offset, err)
	}

	data, err := decode(blob, ref.Compression)
	if err != nil {
		return nil, err
	}
	if err := integrity.Verify(data, ref.ContentHash); err != nil {
		return nil, err
	}
	return data, nil
}

func encode(data []byte, comp domain.Compression) ([]byte, error) {
	switch comp {
	case domain.CompressionNone:
		return data, nil
	case domain.CompressionZlib:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("compress frame: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress frame: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", comp)
	}
}

func decode(blob []byte, comp domain.Compression) ([]byte, error) {
	switch comp {
	case domain.CompressionNone:
		return blob, nil
	case domain.CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
		defer func() { _ = zr.Close() }()
		data, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", comp)
	}
}
