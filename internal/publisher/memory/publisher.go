// Package memory contains an in-memory publisher for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher retains published swarm events for inspection. A bounded
// Publisher keeps only the newest messages.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	limit    int
	seq      uint64
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher that keeps every message.
func New() *Publisher {
	return &Publisher{}
}

// NewBounded returns a Publisher that keeps only the newest limit messages.
func NewBounded(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the message and returns its sequential ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := PublishedMessage{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Payload: payload}
	p.messages = append(p.messages, msg)
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append(p.messages[:0:0], p.messages[len(p.messages)-p.limit:]...)
	}
	return msg.ID, nil
}

// Messages returns the retained messages, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Published returns the number of messages ever published, including
// evicted ones.
func (p *Publisher) Published() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}

// Close implements io.Closer.
func (p *Publisher) Close() error {
	return nil
}
