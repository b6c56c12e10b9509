package messaging

import (
	"context"
	"sync"
)

// Memory records threads and messages. Set ThreadErr or PublishErr to simulate failures.
type Memory struct {
	mu       sync.Mutex
	threads  []Thread
	messages []Message
	closed   bool

	ThreadErr  error
	PublishErr error
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) CreateThread(_ context.Context, t Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.ThreadErr != nil {
		return m.ThreadErr
	}
	m.threads = append(m.threads, t)
	return nil
}

func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) SetThreadErr(err error) {
	m.mu.Lock()
	m.ThreadErr = err
	m.mu.Unlock()
}

func (m *Memory) Threads() []Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Thread(nil), m.threads...)
}

func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
