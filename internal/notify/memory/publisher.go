// Package memory records published reports for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// Message captures one publish call.
type Message struct {
	Payload    any
	Attributes map[string]string
}

// Publisher stores messages in order. Err, when set, fails every publish.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	Err      error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo id.
func (p *Publisher) Publish(_ context.Context, payload any, attrs map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	p.messages = append(p.messages, Message{Payload: payload, Attributes: maps.Clone(attrs)})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}
