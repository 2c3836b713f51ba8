/*
scenarios.go - Demo scenario loaders

PURPOSE:
  Pre-built catalogs for demos and manual testing. Each scenario wipes the
  database and creates brands, partners, offers and joins through the
  Service, so every record passes the same validation as API input.

AVAILABLE SCENARIOS:
  single-brand:    one brand, one fixed-payout offer, one joined partner
  approval-offer:  approval-mode offer with a pending and an approved join
  multi-partner:   fixed, per-event and percent offers shared by three partners

HOW SCENARIOS WORK:
  1. Reset the store
  2. Create brands and partners
  3. Create offers
  4. Join partners (and approve where the scenario says so)

USAGE VIA API:
  POST /app/scenarios/load
  {"scenario_id": "multi-partner"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.
*/
package catalog

import (
	"context"
	"fmt"

	"github.com/matchpay/payout-engine/pipeline"
)

// Resetter wipes all stored data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Scenario describes a loadable demo catalog.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	load func(ctx context.Context, s *Service, out *ScenarioResult) error
}

// ScenarioResult lists what a scenario created.
type ScenarioResult struct {
	ScenarioID string
	Brands     []Brand
	Partners   []Partner
	Offers     []Offer
	Joins      []JoinResult
}

var scenarios = []Scenario{
	{
		ID:          "single-brand",
		Name:        "Single Brand",
		Description: "One brand, one $25 fixed-payout sale offer, one partner already joined",
		load:        loadSingleBrand,
	},
	{
		ID:          "approval-offer",
		Name:        "Approval Offer",
		Description: "Approval-mode demo offer: one pending join, one approved join",
		load:        loadApprovalOffer,
	},
	{
		ID:          "multi-partner",
		Name:        "Multi Partner",
		Description: "Fixed, per-event and percent offers joined by three partners",
		load:        loadMultiPartner,
	},
}

// Scenarios returns the available scenarios.
func Scenarios() []Scenario {
	return append([]Scenario(nil), scenarios...)
}

// LoadScenario resets the store and loads scenario id.
func (s *Service) LoadScenario(ctx context.Context, r Resetter, id string) (ScenarioResult, error) {
	var sc *Scenario
	for i := range scenarios {
		if scenarios[i].ID == id {
			sc = &scenarios[i]
		}
	}
	if sc == nil {
		return ScenarioResult{}, pipeline.Invalid("scenario_id", fmt.Sprintf("unknown scenario %q", id))
	}

	if err := r.Reset(ctx); err != nil {
		return ScenarioResult{}, err
	}
	out := ScenarioResult{ScenarioID: id}
	if err := sc.load(ctx, s, &out); err != nil {
		return ScenarioResult{}, fmt.Errorf("load scenario %s: %w", id, err)
	}
	return out, nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (out *ScenarioResult) brand(ctx context.Context, s *Service, in BrandInput) (Brand, error) {
	b, err := s.CreateBrand(ctx, in)
	if err == nil {
		out.Brands = append(out.Brands, b)
	}
	return b, err
}

func (out *ScenarioResult) partner(ctx context.Context, s *Service, in PartnerInput) (Partner, error) {
	p, err := s.CreatePartner(ctx, in)
	if err == nil {
		out.Partners = append(out.Partners, p)
	}
	return p, err
}

func (out *ScenarioResult) offer(ctx context.Context, s *Service, in OfferInput) (Offer, error) {
	o, err := s.CreateOffer(ctx, in)
	if err == nil {
		out.Offers = append(out.Offers, o)
	}
	return o, err
}

func (out *ScenarioResult) join(ctx context.Context, s *Service, offerID, partnerID string) (JoinResult, error) {
	j, err := s.JoinOffer(ctx, JoinInput{OfferID: offerID, PartnerID: partnerID})
	if err == nil {
		out.Joins = append(out.Joins, j)
	}
	return j, err
}

func loadSingleBrand(ctx context.Context, s *Service, out *ScenarioResult) error {
	brand, err := out.brand(ctx, s, BrandInput{OwnerUserID: "demo-brand-owner", Name: "Acme Outdoor", Website: "https://acme-outdoor.example.com"})
	if err != nil {
		return err
	}
	partner, err := out.partner(ctx, s, PartnerInput{
		OwnerUserID: "demo-partner-1",
		DisplayName: "Trail Reviews",
		NicheTags:   []string{"outdoor", "camping"},
		Channels:    []string{"blog", "newsletter"},
		Country:     "US",
		Language:    "en",
	})
	if err != nil {
		return err
	}
	offer, err := out.offer(ctx, s, OfferInput{
		BrandID:         brand.ID,
		Name:            "Tent Sale",
		ConversionType:  ConversionSale,
		PayoutType:      pipeline.PayoutFixed,
		PayoutAmount:    2500,
		Currency:        "USD",
		ValidationRules: pipeline.ObjectValue(map[string]pipeline.Value{"min_order_usd": pipeline.StringValue("50")}),
		LandingURL:      "https://acme-outdoor.example.com/tents",
	})
	if err != nil {
		return err
	}
	_, err = out.join(ctx, s, offer.ID, partner.ID)
	return err
}

func loadApprovalOffer(ctx context.Context, s *Service, out *ScenarioResult) error {
	brand, err := out.brand(ctx, s, BrandInput{OwnerUserID: "demo-brand-owner", Name: "Ledgerly", Website: "https://ledgerly.example.com", PayoutSLADays: 30})
	if err != nil {
		return err
	}
	offer, err := out.offer(ctx, s, OfferInput{
		BrandID:         brand.ID,
		Name:            "Book a Demo",
		ConversionType:  ConversionDemo,
		PayoutType:      pipeline.PayoutPerEvent,
		PayoutAmount:    7500,
		Currency:        "EUR",
		ValidationRules: pipeline.ObjectValue(map[string]pipeline.Value{"company_size_min": pipeline.StringValue("10")}),
		LandingURL:      "https://ledgerly.example.com/demo",
		JoinMode:        JoinApproval,
	})
	if err != nil {
		return err
	}

	for i, name := range []string{"SaaS Weekly", "Finance Stack"} {
		p, err := out.partner(ctx, s, PartnerInput{OwnerUserID: fmt.Sprintf("demo-partner-%d", i+1), DisplayName: name, Channels: []string{"newsletter"}})
		if err != nil {
			return err
		}
		j, err := out.join(ctx, s, offer.ID, p.ID)
		if err != nil {
			return err
		}
		if i == 1 {
			approved, err := s.ApproveJoin(ctx, j.Join.ID)
			if err != nil {
				return err
			}
			out.Joins[len(out.Joins)-1].Join = approved
		}
	}
	return nil
}

func loadMultiPartner(ctx context.Context, s *Service, out *ScenarioResult) error {
	brand, err := out.brand(ctx, s, BrandInput{OwnerUserID: "demo-brand-owner", Name: "Brightside Insurance"})
	if err != nil {
		return err
	}

	offers := []OfferInput{
		{Name: "Quote Request", ConversionType: ConversionValidLead, PayoutType: pipeline.PayoutPerEvent, PayoutAmount: 800},
		{Name: "Policy Signup", ConversionType: ConversionSale, PayoutType: pipeline.PayoutFixed, PayoutAmount: 4000},
		{Name: "Premium Share", ConversionType: ConversionSale, PayoutType: pipeline.PayoutPercent, PayoutAmount: 10},
	}
	var offerIDs []string
	for _, in := range offers {
		in.BrandID = brand.ID
		in.ValidationRules = pipeline.ObjectValue(nil)
		in.LandingURL = "https://brightside.example.com/quote"
		o, err := out.offer(ctx, s, in)
		if err != nil {
			return err
		}
		offerIDs = append(offerIDs, o.ID)
	}

	for i, name := range []string{"Money Matters", "Family Budget", "Coupon Hub"} {
		p, err := out.partner(ctx, s, PartnerInput{OwnerUserID: fmt.Sprintf("demo-partner-%d", i+1), DisplayName: name})
		if err != nil {
			return err
		}
		for _, offerID := range offerIDs {
			if _, err := out.join(ctx, s, offerID, p.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
