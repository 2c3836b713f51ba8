/*
Package pipeline provides the event-to-ledger core of the payout engine.

PURPOSE:
  Turns attributed occurrences (clicks, leads, conversions) into an
  append-only event log, tracks each revenue-bearing event through a
  pending -> valid|invalid lifecycle, and settles valid conversions into
  payouts and wallet credits.

KEY CONCEPTS IN THIS FILE (types.go):
  - AttributionRecord: (offer, partner, join status) behind an attribution key
  - OfferTerms: payout terms the catalog supplies for an offer
  - Event: one recorded occurrence, unique by idempotency key
  - Conversion: a revenue-bearing event awaiting a decision
  - Payout / WalletBalance: the money side of a settlement

MONEY:
  All amounts are int64 minor units (cents for USD). Formatting for display
  lives in money.go.

SEE ALSO:
  - store.go: persistence contracts
  - events.go: recording occurrences
  - conversion.go: the validation state machine
  - settlement.go: payout computation and settlement
*/
package pipeline

import "time"

// =============================================================================
// ENUMERATIONS
// =============================================================================

// EventType is the kind of occurrence recorded in the event log.
type EventType string

const (
	EventClick      EventType = "click"
	EventLead       EventType = "lead"
	EventConversion EventType = "conversion"
)

func (t EventType) Valid() bool {
	switch t {
	case EventClick, EventLead, EventConversion:
		return true
	}
	return false
}

// CreatesConversion reports whether recording this event type also opens a
// pending conversion. Clicks never do.
func (t EventType) CreatesConversion() bool {
	return t == EventLead || t == EventConversion
}

// Source identifies the channel an occurrence arrived through.
type Source string

const (
	SourceTracking Source = "tracking"
	SourceAPI      Source = "api"
	SourceWebhook  Source = "webhook"
)

func (s Source) Valid() bool {
	switch s {
	case SourceTracking, SourceAPI, SourceWebhook:
		return true
	}
	return false
}

// JoinStatus is the state of a partner's membership in an offer.
type JoinStatus string

const (
	JoinPending JoinStatus = "pending"
	JoinActive  JoinStatus = "active"
	JoinRevoked JoinStatus = "revoked"
)

// Attributable reports whether occurrences may be recorded against a join in
// this status.
func (s JoinStatus) Attributable() bool {
	return s == JoinPending || s == JoinActive
}

// PayoutType is how an offer pays partners.
type PayoutType string

const (
	PayoutPercent  PayoutType = "percent"
	PayoutFixed    PayoutType = "fixed"
	PayoutPerEvent PayoutType = "per_event"
)

func (p PayoutType) Valid() bool {
	switch p {
	case PayoutPercent, PayoutFixed, PayoutPerEvent:
		return true
	}
	return false
}

// ConversionStatus is a conversion's position in the validation lifecycle.
type ConversionStatus string

const (
	ConversionPending ConversionStatus = "pending"
	ConversionValid   ConversionStatus = "valid"
	ConversionInvalid ConversionStatus = "invalid"
)

// Terminal reports whether no further transition is permitted.
func (s ConversionStatus) Terminal() bool {
	return s == ConversionValid || s == ConversionInvalid
}

// Decision is the verdict supplied to Validate.
type Decision string

const (
	DecisionValid   Decision = "valid"
	DecisionInvalid Decision = "invalid"
)

func (d Decision) Valid() bool {
	return d == DecisionValid || d == DecisionInvalid
}

// PayoutStatus is the state of a payout record. The core only ever creates
// approved payouts.
type PayoutStatus string

const (
	PayoutApproved PayoutStatus = "approved"
)

// DefaultCurrency is reported for wallets that have never been touched.
const DefaultCurrency = "USD"

// DefaultInvalidReason is recorded when an invalid decision carries no reason.
const DefaultInvalidReason = "invalid"

// =============================================================================
// RECORDS
// =============================================================================

// AttributionRecord is what the directory knows about an attribution key.
type AttributionRecord struct {
	Key       string
	JoinID    string
	OfferID   string
	PartnerID string
	Status    JoinStatus
}

// OfferTerms are the payout terms of an offer.
type OfferTerms struct {
	OfferID      string
	BrandID      string
	PayoutType   PayoutType
	PayoutAmount int64
	Currency     string
	LandingURL   string
}

// Event is a single recorded occurrence. Append-only.
type Event struct {
	ID             string
	Type           EventType
	OfferID        string
	PartnerID      string
	AttributionKey string
	IdempotencyKey string
	Payload        Value
	Source         Source
	CreatedAt      time.Time
}

// Conversion is a revenue-bearing event awaiting (or past) a decision.
// Amount is set only when valid; Reason only when invalid.
type Conversion struct {
	ID        string
	EventID   string
	OfferID   string
	PartnerID string
	Status    ConversionStatus
	Amount    *int64
	Currency  string
	Reason    string
	CreatedAt time.Time
	DecidedAt *time.Time
}

// Payout is the immutable record of a settled conversion.
type Payout struct {
	ID           string
	PartnerID    string
	BrandID      string
	ConversionID string
	Amount       int64
	Currency     string
	Status       PayoutStatus
	CreatedAt    time.Time
}

// WalletBalance is a partner's running balance.
type WalletBalance struct {
	PartnerID string
	Available int64
	Pending   int64
	Currency  string
	UpdatedAt time.Time
}

// ZeroWallet is the balance reported for a partner with no wallet row.
func ZeroWallet(partnerID string) WalletBalance {
	return WalletBalance{PartnerID: partnerID, Currency: DefaultCurrency}
}
