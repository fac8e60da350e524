package pixelsource

import (
	"context"
	"sync"

	"imagevault/pkg/domain"
)

// Memory keeps payloads in a map. Useful for tests and single-process runs.
type Memory struct {
	mu      sync.RWMutex
	buffers map[string][]byte
}

var _ Source = (*Memory)(nil)

// NewMemory returns an empty in-memory pixel source.
func NewMemory() *Memory {
	return &Memory{buffers: make(map[string][]byte)}
}

func (s *Memory) Driver() Driver { return DriverMemory }

func (s *Memory) FetchPixels(ctx context.Context, sopInstanceUID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.buffers[sopInstanceUID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNoPixels{SOPInstanceUID: sopInstanceUID}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Memory) StorePixels(ctx context.Context, sopInstanceUID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	s.buffers[sopInstanceUID] = buf
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored payloads.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers)
}
