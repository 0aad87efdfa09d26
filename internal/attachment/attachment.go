// Package attachment stores binary files attached to clinical entries,
// such as radiology images.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
)

var ErrNotFound = errors.New("attachment not found")

// Object is an open attachment. Callers must Close it.
type Object struct {
	io.ReadCloser
	Filename    string
	ContentType string
	Size        int64
}

type Store interface {
	Put(ctx context.Context, filename, contentType string, r io.Reader) (string, error)
	Open(ctx context.Context, id string) (*Object, error)
	Delete(ctx context.Context, id string) error
}

type memoryFile struct {
	name        string
	contentType string
	data        []byte
}

// MemoryStore keeps attachments in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	next  int
	files map[string]memoryFile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]memoryFile)}
}

func (m *MemoryStore) Put(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := "mem-" + strconv.Itoa(m.next)
	m.files[id] = memoryFile{name: filename, contentType: contentType, data: data}
	return id, nil
}

func (m *MemoryStore) Open(ctx context.Context, id string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Object{
		ReadCloser:  io.NopCloser(bytes.NewReader(f.data)),
		Filename:    f.name,
		ContentType: f.contentType,
		Size:        int64(len(f.data)),
	}, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[id]; !ok {
		return ErrNotFound
	}
	delete(m.files, id)
	return nil
}
