package pixelsource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"imagevault/pkg/domain"
)

// Filesystem stores one payload file per instance under a root directory.
// Writes go through a temp file and rename so a crashed offload never leaves
// a truncated payload behind.
type Filesystem struct {
	root string
}

var _ Source = (*Filesystem)(nil)

// NewFilesystem returns a filesystem-backed pixel source rooted at path,
// creating it if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		root = "./pixeldata"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Filesystem{root: root}, nil
}

func (s *Filesystem) Driver() Driver { return DriverFilesystem }

// Root returns the backing directory.
func (s *Filesystem) Root() string { return s.root }

// pathFor maps a UID to a payload path, rejecting traversal attempts. UIDs
// are dotted digit strings in practice but we do not trust callers.
func (s *Filesystem) pathFor(uid string) (string, error) {
	if strings.TrimSpace(uid) == "" {
		return "", fmt.Errorf("empty sop instance uid")
	}
	if strings.Contains(uid, "..") || strings.ContainsAny(uid, "/\\") {
		return "", fmt.Errorf("invalid sop instance uid %q", uid)
	}
	return filepath.Join(s.root, uid+".pix"), nil
}

func (s *Filesystem) FetchPixels(ctx context.Context, sopInstanceUID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pathFor(sopInstanceUID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNoPixels{SOPInstanceUID: sopInstanceUID}
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Filesystem) StorePixels(ctx context.Context, sopInstanceUID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(sopInstanceUID)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
