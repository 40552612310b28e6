package testutil

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/koushole/bookrag/internal/core"
)

var _ core.ObjectClient = (*MemObjects)(nil)

// MemObjects is an in-memory bucket.
type MemObjects struct {
	mu      sync.Mutex
	files   map[string][]byte
	deleted []string
}

func NewMemObjects() *MemObjects {
	return &MemObjects{files: map[string][]byte{}}
}

func (m *MemObjects) UploadFile(_ context.Context, key string, data io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.files[key] = b
	m.mu.Unlock()
	return "https://bucket.s3.ap-south-1.amazonaws.com/" + key, nil
}

func (m *MemObjects) DeleteFile(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	delete(m.files, key)
	return nil
}

func (m *MemObjects) GetFile(_ context.Context, _, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return b, nil
}

// File returns the stored object under key.
func (m *MemObjects) File(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[key]
	return b, ok
}

// Deleted lists the keys removed so far.
func (m *MemObjects) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}
