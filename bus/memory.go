package bus

import (
	"context"
	"strings"
	"sync"
)

// Message is a payload captured by MemoryPublisher.
type Message struct {
	Subject string
	Data    []byte
}

// MemoryPublisher records published messages. It is used by tests and by the CLI
// when no NATS URL is configured.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

// NewMemoryPublisher returns an empty publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailWith makes every further Publish return err.
func (p *MemoryPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, Message{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

// Messages returns published messages whose subject starts with prefix.
func (p *MemoryPublisher) Messages(prefix string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.messages {
		if strings.HasPrefix(m.Subject, prefix) {
			out = append(out, m)
		}
	}
	return out
}
