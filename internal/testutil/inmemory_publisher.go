package testutil

import (
	"context"
	"sync"

	"github.com/petermetz/killbill/internal/domain/events"
	"github.com/petermetz/killbill/internal/publisher"
	"github.com/petermetz/killbill/internal/types"
	"github.com/samber/lo"
)

// InMemoryPublisherService records published invoice events
type InMemoryPublisherService struct {
	mu     sync.RWMutex
	events []*events.InvoiceEvent
	err    error
}

var _ publisher.EventPublisher = (*InMemoryPublisherService)(nil)

// NewInMemoryEventPublisher creates a new instance of InMemoryPublisherService
func NewInMemoryEventPublisher() *InMemoryPublisherService {
	return &InMemoryPublisherService{}
}

// Publish implements publisher.EventPublisher
func (p *InMemoryPublisherService) Publish(ctx context.Context, event *events.InvoiceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

// FailWith makes the following publishes fail with err, nil resets
func (p *InMemoryPublisherService) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// GetEvents returns all published events
func (p *InMemoryPublisherService) GetEvents() []*events.InvoiceEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*events.InvoiceEvent(nil), p.events...)
}

// EventsNamed returns the published events with the given name
func (p *InMemoryPublisherService) EventsNamed(name types.InvoiceEventName) []*events.InvoiceEvent {
	return lo.Filter(p.GetEvents(), func(e *events.InvoiceEvent, _ int) bool {
		return e.EventName == name
	})
}

// Clear removes all published events
func (p *InMemoryPublisherService) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
	p.err = nil
}
