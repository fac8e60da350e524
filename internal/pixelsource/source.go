// Package pixelsource provides external homes for bulk pixel data that is
// not stored inline in the sidecar log. A Source resolves pixels by
// SOPInstanceUID and can accept offloaded buffers, letting hot metadata stay
// local while large frames live on a filesystem share or an object store.
package pixelsource

import (
	"context"
	"fmt"
	"os"

	"imagevault/pkg/domain"
)

// Driver identifies a pixel source implementation.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// Source fetches and stores pixel payloads keyed by SOPInstanceUID. Fetch
// must return domain.ErrNoPixels when the instance has no stored payload so
// callers can fall through to other resolution steps.
type Source interface {
	domain.PixelFetcher
	StorePixels(ctx context.Context, sopInstanceUID string, data []byte) error
	Driver() Driver
}

// Open selects a Source implementation using environment variables.
//
//	IMAGEVAULT_PIXELSOURCE_DRIVER: fs|s3|memory (default fs)
//	IMAGEVAULT_PIXELSOURCE_FS_ROOT: directory root when driver=fs (default ./pixeldata)
//	(S3 specific variables documented in s3.go)
func Open(ctx context.Context) (Source, error) {
	driver := os.Getenv("IMAGEVAULT_PIXELSOURCE_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		root := os.Getenv("IMAGEVAULT_PIXELSOURCE_FS_ROOT")
		return NewFilesystem(root)
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown pixel source driver %s", driver)
	}
}
