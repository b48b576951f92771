// Package outbox delivers committed state-change events downstream with
// at-least-once semantics. Delivery failures are retried on later passes and
// never touch the already-committed transition.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/aliasdir/aliasdir/internal/domain/event"
	"github.com/aliasdir/aliasdir/internal/metrics"
)

// Worker drains pending outbox records into the emitter.
type Worker struct {
	outbox   event.OutboxRepository
	emitter  event.Emitter
	interval time.Duration
	batch    int
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewWorker creates an outbox delivery worker.
func NewWorker(outbox event.OutboxRepository, emitter event.Emitter, interval time.Duration, batch int, m *metrics.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		outbox:   outbox,
		emitter:  emitter,
		interval: interval,
		batch:    batch,
		metrics:  m,
		logger:   logger.With().Str("service", "outbox").Logger(),
	}
}

// Run drains on a fixed interval until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessPending(ctx); err != nil {
				w.logger.Error().Err(err).Msg("outbox pass failed")
			}
		}
	}
}

// ProcessPending delivers up to one batch of pending records and returns the
// number delivered.
func (w *Worker) ProcessPending(ctx context.Context) (int, error) {
	records, err := w.outbox.ListPending(ctx, w.batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, r := range records {
		var evt event.Event
		if err := json.Unmarshal(r.Payload, &evt); err != nil {
			// Poison record; parking it as failed keeps the pass moving.
			w.logger.Error().Err(err).Int64("outbox_id", r.ID).Msg("undecodable outbox payload")
			if err := w.outbox.MarkFailed(ctx, r.ID, err.Error()); err != nil {
				return delivered, err
			}
			continue
		}
		if err := w.emitter.Emit(ctx, &evt); err != nil {
			w.metrics.OutboxFailed()
			w.logger.Warn().Err(err).
				Int64("outbox_id", r.ID).
				Str("event", r.Name).
				Msg("event emission failed, will retry")
			if err := w.outbox.MarkFailed(ctx, r.ID, err.Error()); err != nil {
				return delivered, err
			}
			continue
		}
		if err := w.outbox.MarkSent(ctx, r.ID); err != nil {
			return delivered, err
		}
		w.metrics.OutboxDelivered()
		delivered++
	}
	return delivered, nil
}
