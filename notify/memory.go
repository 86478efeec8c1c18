package notify

import (
	"context"
	"sync"

	"github.com/opsrun/opsrun/runbook"
)

// Message is one recorded notification.
type Message struct {
	Channel string
	Text    string
}

// MemoryNotifier records messages instead of delivering them. Useful in
// tests and as a sink for channels that should be captured but not sent.
type MemoryNotifier struct {
	mu       sync.Mutex
	messages []Message
}

var _ runbook.Notifier = (*MemoryNotifier)(nil)

// NewMemoryNotifier returns an empty recorder.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

// Notify records the message and always succeeds.
func (m *MemoryNotifier) Notify(_ context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{Channel: channel, Text: message})
	return nil
}

// Messages returns a copy of everything recorded so far.
func (m *MemoryNotifier) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}
