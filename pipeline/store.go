/*
store.go - Persistence contracts for the pipeline

PURPOSE:
  Defines the boundary between pipeline logic and the durable store. Every
  multi-row effect is a single Store call so the implementation can commit
  it in one transaction:

    RecordEvent:  event + pending conversion + outbox message
    Settle:       conversion valid + payout + wallet ensure + wallet credit + outbox
    Invalidate:   conversion invalid + outbox

FIRST WRITE WINS:
  RecordEvent is insert-if-absent keyed by the event's idempotency key. A
  conflicting key is not an error: the existing event (and its conversion)
  is returned with Created=false, and nothing new is written.

COMPARE-AND-SET:
  Settle and Invalidate only act on a conversion whose stored status is
  still pending. Otherwise they return ErrAlreadyProcessed (or
  ErrConversionNotFound) and write nothing. This is the serialization point
  for concurrent validations of the same conversion.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite store
  - pipeline/store/memory.go: in-memory store for tests

SEE ALSO:
  - events.go, conversion.go, settlement.go: callers
*/
package pipeline

import (
	"context"
	"time"
)

// Store persists events, conversions, payouts and wallets.
type Store interface {
	// RecordEvent inserts ev (and conv, when non-nil) unless an event with the
	// same idempotency key exists, in which case the existing rows are
	// returned with Created=false.
	RecordEvent(ctx context.Context, ev Event, conv *Conversion, msg *OutboxMessage) (RecordResult, error)

	// GetConversion returns ErrConversionNotFound if id is unknown.
	GetConversion(ctx context.Context, id string) (Conversion, error)

	// Settle applies a valid decision atomically.
	Settle(ctx context.Context, s Settlement) error

	// Invalidate applies an invalid decision atomically.
	Invalidate(ctx context.Context, inv Invalidation) error

	// GetWallet reports found=false when the partner has no wallet row.
	GetWallet(ctx context.Context, partnerID string) (WalletBalance, bool, error)

	// ListPayouts returns the partner's payouts, newest first, at most limit.
	ListPayouts(ctx context.Context, partnerID string, limit int) ([]Payout, error)
}

// Directory resolves attribution keys. Returns ErrInvalidAttributionKey for
// unknown keys; status filtering is the caller's job.
type Directory interface {
	LookupAttribution(ctx context.Context, key string) (AttributionRecord, error)
}

// Catalog supplies offer payout terms. Returns ErrOfferNotFound.
type Catalog interface {
	OfferTerms(ctx context.Context, offerID string) (OfferTerms, error)
}

// RecordResult is the outcome of RecordEvent.
type RecordResult struct {
	Event      Event
	Conversion *Conversion
	Created    bool
}

// Settlement is everything Settle writes.
type Settlement struct {
	ConversionID string
	PartnerID    string
	BrandID      string
	PayoutID     string
	Amount       int64
	Currency     string
	At           time.Time
	Outbox       *OutboxMessage
}

// Invalidation is everything Invalidate writes.
type Invalidation struct {
	ConversionID string
	Reason       string
	At           time.Time
	Outbox       *OutboxMessage
}

// OutboxMessage is a domain event committed alongside the state change it
// describes and published later by the outbox relay.
type OutboxMessage struct {
	ID        string
	Type      string
	Key       string
	Payload   []byte
	CreatedAt time.Time
	SentAt    *time.Time
}

// Outbox message types.
const (
	MessageOccurrenceRecorded    = "occurrence.recorded"
	MessageConversionValidated   = "conversion.validated"
	MessageConversionInvalidated = "conversion.invalidated"
)
