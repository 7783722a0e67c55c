// Package registry tracks live connections so operators can see who is
// mid-exchange.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrInvalidEntry = errors.New("registry: entry id required")

// Entry describes one live connection.
type Entry struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	Transport string    `json:"transport"`
	StartedAt time.Time `json:"started_at"`
}

type Registry interface {
	Register(ctx context.Context, e Entry) error
	Unregister(ctx context.Context, id string) error
	List(ctx context.Context) ([]Entry, error)
}

// Memory is a process-local Registry.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]Entry)}
}

func (m *Memory) Register(_ context.Context, e Entry) error {
	key := strings.TrimSpace(e.ID)
	if key == "" {
		return ErrInvalidEntry
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = e
	return nil
}

func (m *Memory) Unregister(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, strings.TrimSpace(id))
	return nil
}

func (m *Memory) List(context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.items))
	for _, e := range m.items {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(out []Entry) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
}

// Multi fans writes out to several registries and lists from the first.
type Multi []Registry

func (m Multi) Register(ctx context.Context, e Entry) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Register(ctx, e))
	}
	return errors.Join(errs...)
}

func (m Multi) Unregister(ctx context.Context, id string) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Unregister(ctx, id))
	}
	return errors.Join(errs...)
}

func (m Multi) List(ctx context.Context) ([]Entry, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return m[0].List(ctx)
}
