/*
conversion.go - Conversion validation state machine

PURPOSE:
  A conversion is born pending and is decided exactly once:

           ┌─────────┐  valid    ┌───────┐
           │ pending │─────────▶ │ valid │──▶ payout + wallet credit
           └─────────┘           └───────┘
                │      invalid   ┌─────────┐
                └──────────────▶ │ invalid │   (no money moves)
                                 └─────────┘

  Both end states are terminal. Any decision on a terminal conversion fails
  with ErrAlreadyProcessed and has no effect.

CONCURRENCY:
  The status read below is only a fast path for a friendly error. The real
  guard is the store's compare-and-set on status='pending' inside the same
  transaction that writes the decision, so of N concurrent Validate calls
  for one conversion exactly one commits.

FAILURE:
  A failed settlement leaves the conversion pending. A percent offer fails
  with ErrUnsupportedPayoutType before anything is written.

SEE ALSO:
  - settlement.go: payout amount and the settlement unit
*/
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ValidateInput is an authorized decision on a conversion.
type ValidateInput struct {
	ConversionID string
	Decision     Decision
	Reason       string

	// ActorID is the verified identity making the decision, for the audit
	// trail only.
	ActorID string
}

// ValidationResult is the outcome of a successful decision.
type ValidationResult struct {
	ConversionID string
	Status       ConversionStatus
	Amount       int64
	Currency     string
	PayoutID     string
	Reason       string
}

type decisionMessage struct {
	ConversionID  string           `json:"conversion_id"`
	Status        ConversionStatus `json:"status"`
	OfferID       string           `json:"offer_id"`
	PartnerID     string           `json:"partner_id"`
	BrandID       string           `json:"brand_id,omitempty"`
	PayoutID      string           `json:"payout_id,omitempty"`
	Amount        int64            `json:"amount,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	DisplayAmount string           `json:"display_amount,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	ActorID       string           `json:"actor_id,omitempty"`
	DecidedAt     time.Time        `json:"decided_at"`
}

// Validate moves a pending conversion to valid or invalid.
func (s *Service) Validate(ctx context.Context, in ValidateInput) (ValidationResult, error) {
	logger := zerolog.Ctx(ctx)

	if in.ConversionID == "" {
		return ValidationResult{}, Invalid("conversion_id", "is required")
	}
	if !in.Decision.Valid() {
		return ValidationResult{}, Invalid("status", "must be valid or invalid")
	}

	conv, err := s.Store.GetConversion(ctx, in.ConversionID)
	if err != nil {
		return ValidationResult{}, err
	}
	if conv.Status != ConversionPending {
		return ValidationResult{}, ErrAlreadyProcessed
	}

	var res ValidationResult
	if in.Decision == DecisionInvalid {
		res, err = s.invalidate(ctx, conv, in)
	} else {
		res, err = s.settle(ctx, conv, in)
	}
	if err != nil {
		ev := logger.Warn()
		if !IsClientError(err) {
			ev = logger.Error()
		}
		ev.Err(err).
			Str("conversion_id", in.ConversionID).
			Str("decision", string(in.Decision)).
			Msg("validate conversion failed")
		return ValidationResult{}, err
	}

	logger.Info().
		Str("conversion_id", res.ConversionID).
		Str("status", string(res.Status)).
		Int64("amount", res.Amount).
		Str("currency", res.Currency).
		Str("actor_id", in.ActorID).
		Msg("conversion decided")
	return res, nil
}

func (s *Service) invalidate(ctx context.Context, conv Conversion, in ValidateInput) (ValidationResult, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = DefaultInvalidReason
	}
	now := s.now()

	msg, err := s.message(MessageConversionInvalidated, conv.PartnerID, decisionMessage{
		ConversionID: conv.ID,
		Status:       ConversionInvalid,
		OfferID:      conv.OfferID,
		PartnerID:    conv.PartnerID,
		Reason:       reason,
		ActorID:      in.ActorID,
		DecidedAt:    now,
	}, now)
	if err != nil {
		return ValidationResult{}, err
	}

	err = s.Store.Invalidate(ctx, Invalidation{
		ConversionID: conv.ID,
		Reason:       reason,
		At:           now,
		Outbox:       msg,
	})
	if err != nil {
		return ValidationResult{}, err
	}
	return ValidationResult{
		ConversionID: conv.ID,
		Status:       ConversionInvalid,
		Reason:       reason,
	}, nil
}
