package audit

import (
	"context"
	"log/slog"
)

// Worker drains the publisher inbox into a sink. Delivery failures are logged
// and skipped; the store already holds the authoritative copy.
type Worker struct {
	sink   Sink
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(sink Sink, inbox <-chan Event, logger *slog.Logger) *Worker {
	return &Worker{sink: sink, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.sink.Send(ctx, event); err != nil {
				w.logger.WarnContext(ctx, "audit sink delivery failed",
					"filing_id", event.FilingID,
					"action", event.Action,
					"error", err,
				)
			}
		}
	}
}
