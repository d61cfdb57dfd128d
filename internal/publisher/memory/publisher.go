// Package memory keeps batch notifications in process when no Pub/Sub topic is
// configured. It also backs worker tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/resilient-extractor/internal/jobs"
)

// DefaultTopic is the topic name workers use with the memory publisher.
const DefaultTopic = "extractor-local"

// DefaultCapacity bounds how many messages are retained.
const DefaultCapacity = 256

// Message is one recorded Publish call.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher retains the most recent messages up to its capacity.
type Publisher struct {
	mu       sync.Mutex
	capacity int
	seq      int
	messages []Message
	err      error
}

var _ jobs.Publisher = (*Publisher)(nil)

// New returns a Publisher holding DefaultCapacity messages.
func New() *Publisher {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity returns a Publisher that drops the oldest message once
// capacity is reached. Non-positive values fall back to DefaultCapacity.
func NewWithCapacity(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// FailWith makes subsequent Publish calls return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records payload under topic and returns an ID of the form
// <topic>-<sequence>.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.seq++
	msg := Message{ID: fmt.Sprintf("%s-%d", topic, p.seq), Topic: topic, Payload: payload}
	if len(p.messages) == p.capacity {
		copy(p.messages, p.messages[1:])
		p.messages = p.messages[:len(p.messages)-1]
	}
	p.messages = append(p.messages, msg)
	return msg.ID, nil
}

// Messages returns a copy of the retained messages, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

// Notifications returns the retained job notifications for a batch, oldest
// first. An empty batchID matches every batch.
func (p *Publisher) Notifications(batchID string) []jobs.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []jobs.Notification
	for _, msg := range p.messages {
		note, ok := msg.Payload.(jobs.Notification)
		if !ok || (batchID != "" && note.BatchID != batchID) {
			continue
		}
		out = append(out, note)
	}
	return out
}
