// ABOUTME: In-memory discovery source for tests and ephemeral setups.

package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemorySource keeps artifacts in a map.
type MemorySource struct {
	mu        sync.Mutex
	artifacts map[string][]byte
	ListErr   error // returned from List when set
	deletes   []string
}

// NewMemorySource creates a source holding the given artifacts.
func NewMemorySource(artifacts map[string]string) *MemorySource {
	m := &MemorySource{artifacts: make(map[string][]byte)}
	for k, v := range artifacts {
		m.artifacts[k] = []byte(v)
	}
	return m
}

// Put adds or replaces an artifact.
func (m *MemorySource) Put(name, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[name] = []byte(body)
}

func (m *MemorySource) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var names []string
	for name := range m.artifacts {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemorySource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.artifacts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (m *MemorySource) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, name)
	if _, ok := m.artifacts[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(m.artifacts, name)
	return nil
}

// Deletes returns every name Delete was called with.
func (m *MemorySource) Deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}

// errListing is a convenience for tests that need a failing listing.
var errListing = errors.New("listing unavailable")

// FailListing makes subsequent List calls fail.
func (m *MemorySource) FailListing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListErr = errListing
}
