// Package memory provides an in-process Publisher for tests and
// local development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is a recorded publication.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
}

// Publisher records every published message in memory.
type Publisher struct {
	mu       sync.Mutex
	next     int
	messages []Message
}

// New constructs an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish marshals the payload to JSON and records it.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := fmt.Sprintf("msg-%d", p.next)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: data})
	return id, nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
