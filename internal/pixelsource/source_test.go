package pixelsource

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"imagevault/pkg/domain"
)

func testSourceRoundTrip(t *testing.T, src Source) {
	t.Helper()
	ctx := context.Background()

	_, err := src.FetchPixels(ctx, "1.2.3")
	var noPixels domain.ErrNoPixels
	if !errors.As(err, &noPixels) {
		t.Fatalf("missing payload: err = %v, want domain.ErrNoPixels", err)
	}

	payload := bytes.Repeat([]byte{0xCA, 0xFE}, 512)
	if err := src.StorePixels(ctx, "1.2.3", payload); err != nil {
		t.Fatalf("StorePixels: %v", err)
	}
	got, err := src.FetchPixels(ctx, "1.2.3")
	if err != nil {
		t.Fatalf("FetchPixels: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %d bytes", len(got))
	}

	// Overwrite wins.
	if err := src.StorePixels(ctx, "1.2.3", []byte("v2")); err != nil {
		t.Fatalf("StorePixels overwrite: %v", err)
	}
	got, err = src.FetchPixels(ctx, "1.2.3")
	if err != nil || !bytes.Equal(got, []byte("v2")) {
		t.Fatalf("overwrite not visible: %q, %v", got, err)
	}
}

func TestFilesystemSource(t *testing.T) {
	src, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	testSourceRoundTrip(t, src)
}

func TestMemorySource(t *testing.T) {
	testSourceRoundTrip(t, NewMemory())
}

func TestS3SourceWithMock(t *testing.T) {
	testSourceRoundTrip(t, NewMockS3ForTests())
}

func TestFilesystemRejectsTraversal(t *testing.T) {
	src, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, uid := range []string{"", "../escape", "a/b", `a\b`} {
		if err := src.StorePixels(context.Background(), uid, []byte("x")); err == nil {
			t.Errorf("uid %q accepted", uid)
		}
	}
}

func TestMemorySourceCopiesBuffers(t *testing.T) {
	src := NewMemory()
	ctx := context.Background()
	payload := []byte("mutable")
	if err := src.StorePixels(ctx, "1.2.3", payload); err != nil {
		t.Fatal(err)
	}
	payload[0] = 'X'
	got, err := src.FetchPixels(ctx, "1.2.3")
	if err != nil || string(got) != "mutable" {
		t.Fatalf("stored payload aliased caller buffer: %q", got)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	t.Setenv("IMAGEVAULT_PIXELSOURCE_DRIVER", "memory")
	src, err := Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if src.Driver() != DriverMemory {
		t.Fatalf("driver = %s", src.Driver())
	}

	t.Setenv("IMAGEVAULT_PIXELSOURCE_DRIVER", "fs")
	t.Setenv("IMAGEVAULT_PIXELSOURCE_FS_ROOT", t.TempDir())
	src, err = Open(context.Background())
	if err != nil || src.Driver() != DriverFilesystem {
		t.Fatalf("fs driver: %v, %v", src, err)
	}

	t.Setenv("IMAGEVAULT_PIXELSOURCE_DRIVER", "bogus")
	if _, err := Open(context.Background()); err == nil {
		t.Fatalf("unknown driver accepted")
	}

	t.Setenv("IMAGEVAULT_PIXELSOURCE_DRIVER", "s3")
	t.Setenv("IMAGEVAULT_PIXELSOURCE_S3_BUCKET", "")
	if _, err := Open(context.Background()); err == nil {
		t.Fatalf("s3 driver without bucket accepted")
	}
}
