package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store. Batches are atomic under a single lock.
type Memory struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	closed bool
}

func NewMemory() *Memory {
	return &Memory{docs: map[string][]byte{}}
}

func (m *Memory) Get(ctx context.Context, p string, dst any) error {
	_ = ctx
	p, err := normalizePath(p)
	if err != nil {
		return err
	}
	m.mu.RLock()
	b, ok := m.docs[p]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(b, dst)
}

func (m *Memory) Set(ctx context.Context, p string, v any) error {
	return m.Batch(ctx, SetOp(p, v))
}

func (m *Memory) Update(ctx context.Context, p string, fields map[string]any) error {
	return m.Batch(ctx, UpdateOp(p, fields))
}

func (m *Memory) Delete(ctx context.Context, p string) error {
	return m.Batch(ctx, DeleteOp(p))
}

func (m *Memory) Query(ctx context.Context, collection string, where ...Where) ([]Document, error) {
	_ = ctx
	collection = strings.Trim(strings.TrimSpace(collection), "/")
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Document
	for p, b := range m.docs {
		if parentOf(p) != collection {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		ok, err := matches(doc, where)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Document{Path: p, Data: append(json.RawMessage(nil), b...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) Batch(ctx context.Context, ops ...Op) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	// Stage every write first so a failing op leaves the store untouched.
	staged := map[string][]byte{}
	deleted := map[string]bool{}
	current := func(p string) ([]byte, bool) {
		if deleted[p] {
			return nil, false
		}
		if b, ok := staged[p]; ok {
			return b, true
		}
		b, ok := m.docs[p]
		return b, ok
	}
	for _, op := range ops {
		p, err := normalizePath(op.Path)
		if err != nil {
			return err
		}
		switch op.Kind {
		case OpSet:
			obj, err := toObject(op.Value)
			if err != nil {
				return err
			}
			b, err := json.Marshal(obj)
			if err != nil {
				return err
			}
			staged[p] = b
			delete(deleted, p)
		case OpUpdate:
			b, ok := current(p)
			if !ok {
				return ErrNotFound
			}
			var doc map[string]any
			if err := json.Unmarshal(b, &doc); err != nil {
				return err
			}
			if err := mergeFields(doc, op.Fields); err != nil {
				return err
			}
			nb, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			staged[p] = nb
		case OpDelete:
			delete(staged, p)
			deleted[p] = true
		}
	}
	for p := range deleted {
		delete(m.docs, p)
	}
	for p, b := range staged {
		m.docs[p] = b
	}
	return nil
}

// Len reports the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
