/*
settlement.go - Payout computation and the settlement unit

PURPOSE:
  On a valid decision the payout amount is computed from the offer's terms
  and the store applies, as one atomic unit:

    (a) conversion -> valid, with amount and currency
    (b) insert an approved payout (one per conversion)
    (c) ensure the partner's wallet row (zero balances, offer currency)
    (d) available = available + amount

  A reader never observes a valid conversion without its payout and credit,
  nor the reverse.

PAYOUT TYPES:
  fixed, per_event  the offer's payout_amount, verbatim
  percent           ErrUnsupportedPayoutType: a percentage needs a
                    transaction value the model does not carry
*/
package pipeline

import (
	"context"
	"fmt"
)

// PayoutAmount computes the payout for one valid conversion under terms.
func PayoutAmount(terms OfferTerms) (int64, error) {
	switch terms.PayoutType {
	case PayoutFixed, PayoutPerEvent:
		if terms.PayoutAmount < 0 {
			return 0, Invalid("payout_amount", "must not be negative")
		}
		return terms.PayoutAmount, nil
	case PayoutPercent:
		return 0, fmt.Errorf("offer %s: %w: percent payouts need a transaction value", terms.OfferID, ErrUnsupportedPayoutType)
	default:
		return 0, fmt.Errorf("offer %s: %w: %q", terms.OfferID, ErrUnsupportedPayoutType, terms.PayoutType)
	}
}

func (s *Service) settle(ctx context.Context, conv Conversion, in ValidateInput) (ValidationResult, error) {
	terms, err := s.Catalog.OfferTerms(ctx, conv.OfferID)
	if err != nil {
		return ValidationResult{}, err
	}
	amount, err := PayoutAmount(terms)
	if err != nil {
		return ValidationResult{}, err
	}
	currency := NormalizeCurrency(terms.Currency)
	payoutID := s.newID()
	now := s.now()

	msg, err := s.message(MessageConversionValidated, conv.PartnerID, decisionMessage{
		ConversionID:  conv.ID,
		Status:        ConversionValid,
		OfferID:       conv.OfferID,
		PartnerID:     conv.PartnerID,
		BrandID:       terms.BrandID,
		PayoutID:      payoutID,
		Amount:        amount,
		Currency:      currency,
		DisplayAmount: FormatMinor(amount, currency),
		ActorID:       in.ActorID,
		DecidedAt:     now,
	}, now)
	if err != nil {
		return ValidationResult{}, err
	}

	err = s.Store.Settle(ctx, Settlement{
		ConversionID: conv.ID,
		PartnerID:    conv.PartnerID,
		BrandID:      terms.BrandID,
		PayoutID:     payoutID,
		Amount:       amount,
		Currency:     currency,
		At:           now,
		Outbox:       msg,
	})
	if err != nil {
		return ValidationResult{}, err
	}
	return ValidationResult{
		ConversionID: conv.ID,
		Status:       ConversionValid,
		Amount:       amount,
		Currency:     currency,
		PayoutID:     payoutID,
	}, nil
}
