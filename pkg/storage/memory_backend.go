package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps objects in process memory. It is test support that
// stands in for object storage and can presign with a fixed base URL; no
// service configuration selects it.
type MemoryBackend struct {
	mu         sync.RWMutex
	objects    map[string]memoryObject
	kind       string
	presignURL string
}

type memoryObject struct {
	data    []byte
	modTime time.Time
}

// NewMemoryBackend returns an empty backend reporting kind. A non-empty
// presignBase makes PresignGet return presignBase + key.
func NewMemoryBackend(kind, presignBase string) *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]memoryObject), kind: kind, presignURL: presignBase}
}

func (m *MemoryBackend) Kind() string { return m.kind }

func (m *MemoryBackend) PutObject(ctx context.Context, key string, data []byte, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if key == "" {
		return false, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.objects[key]; ok {
		if !bytes.Equal(existing.data, data) {
			return false, ErrWriteConflict
		}
		return false, nil
	}
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), modTime: time.Now()}
	return true, nil
}

func (m *MemoryBackend) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, &MissingBlobError{Key: key}
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryBackend) GetObjectRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}
	data, err := m.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	size := int64(len(data))
	if start >= size {
		return []byte{}, nil
	}
	if end >= size {
		end = size - 1
	}
	return data[start : end+1], nil
}

func (m *MemoryBackend) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) StatObject(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, &MissingBlobError{Key: key}
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modTime}, nil
}

func (m *MemoryBackend) PresignGet(_ context.Context, key string) (string, bool, error) {
	if m.presignURL == "" {
		return "", false, nil
	}
	if _, err := m.StatObject(context.Background(), key); err != nil {
		return "", false, err
	}
	return m.presignURL + key, true, nil
}

// MovePrefix re-keys every object whose key starts with from, skipping
// existing destinations. A single key moves when from names it exactly.
func (m *MemoryBackend) MovePrefix(ctx context.Context, from, to string) (MoveResult, error) {
	if err := ctx.Err(); err != nil {
		return MoveResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var res MoveResult
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, from) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		obj := m.objects[k]
		dst := to + strings.TrimPrefix(k, from)
		if _, exists := m.objects[dst]; exists {
			res.Skipped++
			continue
		}
		m.objects[dst] = obj
		delete(m.objects, k)
		res.Moved++
	}
	return res, nil
}
