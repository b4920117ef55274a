package audit

import (
	"context"
	"log/slog"
	"time"
)

// Sink receives events beyond the primary store, e.g. a Kafka topic for
// downstream compliance consumers.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// Publisher captures structured audit events. Persistence to the store is
// authoritative; sink delivery is asynchronous and best-effort, a slow broker
// must never stall a filing operation.
type Publisher struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	inbox  chan Event
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock sets the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPublisher(store Store, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: logger,
		now:    time.Now,
		inbox:  make(chan Event, 256),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit appends the event and enqueues it for sink delivery. A full inbox drops
// the sink copy rather than blocking; the store copy is already durable.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if err := p.store.Append(ctx, event); err != nil {
		return err
	}
	select {
	case p.inbox <- event:
	default:
		p.logger.WarnContext(ctx, "audit inbox full, sink copy dropped",
			"filing_id", event.FilingID, "action", event.Action)
	}
	return nil
}

// List returns the trail for one filing.
func (p *Publisher) List(ctx context.Context, filingID string) ([]Event, error) {
	return p.store.ListByFiling(ctx, filingID)
}

// Inbox exposes the queue for a Worker to drain.
func (p *Publisher) Inbox() <-chan Event {
	return p.inbox
}
