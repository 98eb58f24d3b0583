// Package testutil provides fixtures and fakes shared by the package tests: measurement and pose
// builders and an in-memory publisher standing in for the NATS client.
package testutil

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// MockPublisher records published messages per subject. It satisfies the publishing side of
// natsclient.Client and is safe for concurrent use.
type MockPublisher struct {
	mu       sync.RWMutex
	messages map[string][][]byte

	// Err, when set, is returned by every publish.
	Err error
}

// NewMockPublisher creates an empty publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{messages: make(map[string][][]byte)}
}

// Publish records data under subject.
func (p *MockPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}
	p.messages[subject] = append(p.messages[subject], append([]byte(nil), data...))
	return nil
}

// PublishToStream records data like Publish; publish options are ignored.
func (p *MockPublisher) PublishToStream(ctx context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) error {
	return p.Publish(ctx, subject, data)
}

// Messages returns the payloads published to subject in order.
func (p *MockPublisher) Messages(subject string) [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([][]byte, len(p.messages[subject]))
	copy(out, p.messages[subject])
	return out
}

// Count returns how many messages were published to subject.
func (p *MockPublisher) Count(subject string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.messages[subject])
}
