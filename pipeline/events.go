/*
events.go - Recording occurrences in the event log

PURPOSE:
  Ingest is the single entry point for every inbound occurrence, whatever
  channel it arrived through:

    ┌──────────┐    ┌──────────┐    ┌─────────────┐    ┌──────────────────┐
    │ validate │──▶ │ resolve  │──▶ │ derive key  │──▶ │ RecordEvent      │
    │ input    │    │ attrib.  │    │ (if absent) │    │ event+conversion │
    └──────────┘    └──────────┘    └─────────────┘    └──────────────────┘

  Leads and conversions open a pending conversion in the same store call.
  Clicks never do.

DUPLICATES:
  A duplicate idempotency key is a success. The result carries the original
  event and conversion ids with Duplicate=true, and nothing is written.

PAYLOADS:
  The payload stored with each event is opaque to the pipeline. Its shape
  depends on the source:

    click (tracking):  {ip, ua}
    lead (api):        {ip, email, phone, external_id, meta}
    conversion (api):  {ip, external_id, value, currency, meta}
    webhook:           {external_id, value, currency, meta}

SEE ALSO:
  - idempotency.go: key derivation
  - directory.go: key resolution and the webhook brand check
*/
package pipeline

import (
	"context"
	"net/mail"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Occurrence is an inbound click, lead or conversion, as reported by the
// caller.
type Occurrence struct {
	Kind           EventType
	Source         Source
	AttributionKey string

	// BrandID is the brand asserted by a webhook caller.
	BrandID string

	// IdempotencyKey is the caller-supplied key, if any.
	IdempotencyKey string

	ClientIP  string
	UserAgent string

	ExternalID string
	Email      string
	Phone      string
	Value      *decimal.Decimal
	Currency   string
	Meta       Value
}

// IngestResult identifies the event (and conversion) an occurrence resolved
// to. On a duplicate these are the original ids.
type IngestResult struct {
	EventID      string
	ConversionID string
	OfferID      string
	PartnerID    string
	Duplicate    bool
}

// Validate checks the occurrence is well formed before anything is resolved.
func (o Occurrence) Validate() error {
	if !o.Kind.Valid() {
		return Invalid("event_type", "must be one of click, lead, conversion")
	}
	if !o.Source.Valid() {
		return Invalid("source", "must be one of tracking, api, webhook")
	}
	if o.AttributionKey == "" {
		return Invalid("attribution_key", "is required")
	}
	if o.Source == SourceWebhook {
		if o.BrandID == "" {
			return Invalid("brand_id", "is required")
		}
		if o.Kind == EventClick {
			return Invalid("event_type", "must be lead or conversion")
		}
	}
	if o.Email != "" {
		if _, err := mail.ParseAddress(o.Email); err != nil {
			return Invalid("email", "must be a valid email address")
		}
	}
	if o.Currency != "" && len(o.Currency) != 3 {
		return Invalid("currency", "must be a 3-letter ISO 4217 code")
	}
	if !o.Meta.IsNull() && o.Meta.Kind() != ValueObject {
		return Invalid("meta", "must be an object")
	}
	return nil
}

// payload renders the opaque event payload for the occurrence's source.
func (o Occurrence) payload() Value {
	switch {
	case o.Source == SourceWebhook:
		return ObjectValue(map[string]Value{
			"external_id": OptString(o.ExternalID),
			"value":       OptNumber(o.Value),
			"currency":    OptString(o.Currency),
			"meta":        o.Meta,
		})
	case o.Kind == EventClick:
		return ObjectValue(map[string]Value{
			"ip": StringValue(clientAddr(o.ClientIP)),
			"ua": OptString(o.UserAgent),
		})
	case o.Kind == EventLead:
		return ObjectValue(map[string]Value{
			"ip":          StringValue(clientAddr(o.ClientIP)),
			"email":       OptString(o.Email),
			"phone":       OptString(o.Phone),
			"external_id": OptString(o.ExternalID),
			"meta":        o.Meta,
		})
	default:
		return ObjectValue(map[string]Value{
			"ip":          StringValue(clientAddr(o.ClientIP)),
			"external_id": OptString(o.ExternalID),
			"value":       OptNumber(o.Value),
			"currency":    OptString(o.Currency),
			"meta":        o.Meta,
		})
	}
}

type occurrenceMessage struct {
	EventID        string    `json:"event_id"`
	ConversionID   string    `json:"conversion_id,omitempty"`
	EventType      EventType `json:"event_type"`
	Source         Source    `json:"source"`
	OfferID        string    `json:"offer_id"`
	PartnerID      string    `json:"partner_id"`
	AttributionKey string    `json:"attribution_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// Ingest records an occurrence exactly once per idempotency key.
func (s *Service) Ingest(ctx context.Context, occ Occurrence) (IngestResult, error) {
	logger := zerolog.Ctx(ctx)

	if err := occ.Validate(); err != nil {
		return IngestResult{}, err
	}

	var (
		rec AttributionRecord
		err error
	)
	if occ.Source == SourceWebhook {
		rec, err = s.ResolveForBrand(ctx, occ.AttributionKey, occ.BrandID)
	} else {
		rec, err = s.Resolve(ctx, occ.AttributionKey)
	}
	if err != nil {
		return IngestResult{}, err
	}

	now := s.now()
	ev := Event{
		ID:             s.newID(),
		Type:           occ.Kind,
		OfferID:        rec.OfferID,
		PartnerID:      rec.PartnerID,
		AttributionKey: occ.AttributionKey,
		IdempotencyKey: IdempotencyKey(occ, now),
		Payload:        occ.payload(),
		Source:         occ.Source,
		CreatedAt:      now,
	}

	var conv *Conversion
	if occ.Kind.CreatesConversion() {
		conv = &Conversion{
			ID:        s.newID(),
			EventID:   ev.ID,
			OfferID:   rec.OfferID,
			PartnerID: rec.PartnerID,
			Status:    ConversionPending,
			CreatedAt: now,
		}
	}

	body := occurrenceMessage{
		EventID:        ev.ID,
		EventType:      ev.Type,
		Source:         ev.Source,
		OfferID:        ev.OfferID,
		PartnerID:      ev.PartnerID,
		AttributionKey: ev.AttributionKey,
		CreatedAt:      now,
	}
	if conv != nil {
		body.ConversionID = conv.ID
	}
	msg, err := s.message(MessageOccurrenceRecorded, rec.PartnerID, body, now)
	if err != nil {
		return IngestResult{}, err
	}

	res, err := s.Store.RecordEvent(ctx, ev, conv, msg)
	if err != nil {
		logger.Error().Err(err).
			Str("event_type", string(occ.Kind)).
			Str("offer_id", rec.OfferID).
			Msg("record event failed")
		return IngestResult{}, err
	}

	out := IngestResult{
		EventID:   res.Event.ID,
		OfferID:   res.Event.OfferID,
		PartnerID: res.Event.PartnerID,
		Duplicate: !res.Created,
	}
	if res.Conversion != nil {
		out.ConversionID = res.Conversion.ID
	}

	if out.Duplicate {
		logger.Debug().
			Str("event_id", out.EventID).
			Str("idempotency_key", ev.IdempotencyKey).
			Msg("duplicate occurrence")
	} else {
		logger.Info().
			Str("event_id", out.EventID).
			Str("conversion_id", out.ConversionID).
			Str("event_type", string(occ.Kind)).
			Str("source", string(occ.Source)).
			Msg("occurrence recorded")
	}
	return out, nil
}
