/*
relay.go - Background publisher for the transactional outbox

PURPOSE:
  Record and settlement transactions write their domain events to the
  outbox table in the same commit as the state they describe. The relay
  polls committed, unsent rows and hands them to a Publisher, then marks
  them sent. A crash between publish and mark re-sends the batch on the
  next poll, so delivery is at-least-once; consumers dedupe on message id.

DESIGN:
  - One goroutine, ticker driven, flushes immediately on start
  - Batches are published in commit order
  - A failed publish marks the batch failed (attempts+1) and is retried on
    the next tick
  - Run returns when its context is cancelled, after which no flush is in
    flight

CONFIGURATION:
  - PollInterval: how often to poll (default: 2s)
  - BatchSize: max messages per flush (default: 100)

USAGE:
  relay := outbox.NewRelay(store, publisher)
  g.Go(func() error { return relay.Run(ctx) })

SEE ALSO:
  - kafka.go: Kafka publisher
  - store/sqlite/outbox.go: PendingMessages, MarkSent, MarkFailed
*/
package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/matchpay/payout-engine/metrics"
	"github.com/matchpay/payout-engine/pipeline"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultBatchSize    = 100
)

// Store is the relay's view of the outbox table.
type Store interface {
	PendingMessages(ctx context.Context, limit int) ([]pipeline.OutboxMessage, error)
	MarkSent(ctx context.Context, ids []string, at time.Time) error
	MarkFailed(ctx context.Context, ids []string, cause error) error
}

// Publisher delivers a batch to the broker. All or nothing from the relay's
// point of view.
type Publisher interface {
	Publish(ctx context.Context, msgs []pipeline.OutboxMessage) error
}

// Relay moves committed outbox rows to a Publisher.
type Relay struct {
	Store        Store
	Publisher    Publisher
	PollInterval time.Duration
	BatchSize    int
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	Now          func() time.Time
}

func NewRelay(store Store, publisher Publisher) *Relay {
	return &Relay{
		Store:        store,
		Publisher:    publisher,
		PollInterval: DefaultPollInterval,
		BatchSize:    DefaultBatchSize,
		Logger:       zerolog.Nop(),
		Now:          time.Now,
	}
}

// Run polls until ctx is cancelled. It always returns nil on cancellation.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Logger.Info().Dur("interval", interval).Msg("outbox relay started")
	defer r.Logger.Info().Msg("outbox relay stopped")

	for {
		r.drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// drain flushes full batches back to back so a backlog clears within one tick.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.FlushOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.Logger.Error().Err(err).Msg("outbox flush failed")
			}
			return
		}
		if n < r.batchSize() {
			return
		}
	}
}

func (r *Relay) batchSize() int {
	if r.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return r.BatchSize
}

// FlushOnce publishes at most one batch and returns how many messages were
// marked sent.
func (r *Relay) FlushOnce(ctx context.Context) (int, error) {
	msgs, err := r.Store.PendingMessages(ctx, r.batchSize())
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}

	if err := r.Publisher.Publish(ctx, msgs); err != nil {
		r.Metrics.ObserveOutbox(0, len(msgs))
		if markErr := r.Store.MarkFailed(ctx, ids, err); markErr != nil {
			r.Logger.Error().Err(markErr).Msg("outbox mark failed")
		}
		return 0, err
	}

	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	if err := r.Store.MarkSent(ctx, ids, now.UTC()); err != nil {
		return 0, err
	}
	r.Metrics.ObserveOutbox(len(msgs), 0)
	r.Logger.Debug().Int("count", len(msgs)).Msg("outbox batch published")
	return len(msgs), nil
}
