/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Request and response shapes. DTOs decouple the wire format from domain
  types: field names are snake_case, money is int64 minor units plus a
  formatted display string, times are RFC 3339.

NAMING CONVENTIONS:
  - *Request:  incoming request body
  - *Response: outgoing response body
  - *DTO:      a record embedded in responses

SEE ALSO:
  - handlers.go: uses these DTOs
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/matchpay/payout-engine/catalog"
	"github.com/matchpay/payout-engine/pipeline"
)

// =============================================================================
// INGESTION
// =============================================================================

type LeadRequest struct {
	AttributionKey string         `json:"attribution_key"`
	ExternalID     string         `json:"external_id"`
	Email          string         `json:"email"`
	Phone          string         `json:"phone"`
	Meta           pipeline.Value `json:"meta"`
}

type ConversionRequest struct {
	AttributionKey string           `json:"attribution_key"`
	ExternalID     string           `json:"external_id"`
	Value          *decimal.Decimal `json:"value"`
	Currency       string           `json:"currency"`
	Meta           pipeline.Value   `json:"meta"`
}

// WebhookRequest is a brand-reported lead or conversion.
type WebhookRequest struct {
	EventType      string           `json:"event_type"`
	AttributionKey string           `json:"attribution_key"`
	ExternalID     string           `json:"external_id"`
	Value          *decimal.Decimal `json:"value"`
	Currency       string           `json:"currency"`
	Meta           pipeline.Value   `json:"meta"`
}

type IngestResponse struct {
	OK           bool   `json:"ok"`
	EventID      string `json:"event_id"`
	ConversionID string `json:"conversion_id,omitempty"`
	Duplicate    bool   `json:"duplicate"`
}

// =============================================================================
// VALIDATION & WALLETS
// =============================================================================

type ValidateRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type ValidateResponse struct {
	OK            bool   `json:"ok"`
	ConversionID  string `json:"conversion_id"`
	Status        string `json:"status"`
	PayoutID      string `json:"payout_id,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	DisplayAmount string `json:"display_amount,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type BalanceResponse struct {
	PartnerID        string     `json:"partner_id"`
	Available        int64      `json:"available"`
	Pending          int64      `json:"pending"`
	Currency         string     `json:"currency"`
	DisplayAvailable string     `json:"display_available"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

type PayoutDTO struct {
	ID            string    `json:"payout_id"`
	ConversionID  string    `json:"conversion_id"`
	BrandID       string    `json:"brand_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	DisplayAmount string    `json:"display_amount"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type PayoutListResponse struct {
	Payouts []PayoutDTO `json:"payouts"`
}

// =============================================================================
// CATALOG
// =============================================================================

type CreateBrandRequest struct {
	Name          string `json:"name"`
	Website       string `json:"website"`
	PayoutSLADays int    `json:"payout_sla_days"`
}

type BrandDTO struct {
	ID            string    `json:"brand_id"`
	OwnerUserID   string    `json:"owner_user_id"`
	Name          string    `json:"name"`
	Website       string    `json:"website,omitempty"`
	PayoutSLADays int       `json:"payout_sla_days"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type CreatePartnerRequest struct {
	DisplayName string   `json:"display_name"`
	NicheTags   []string `json:"niche_tags"`
	Channels    []string `json:"channels"`
	Country     string   `json:"country"`
	Language    string   `json:"language"`
	Methods     []string `json:"methods"`
	Portfolio   []string `json:"portfolio"`
}

type PartnerDTO struct {
	ID          string    `json:"partner_id"`
	OwnerUserID string    `json:"owner_user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	NicheTags   []string  `json:"niche_tags"`
	Channels    []string  `json:"channels"`
	Country     string    `json:"country,omitempty"`
	Language    string    `json:"language,omitempty"`
	Methods     []string  `json:"methods"`
	Portfolio   []string  `json:"portfolio"`
	CreatedAt   time.Time `json:"created_at"`
}

type CreateOfferRequest struct {
	BrandID               string         `json:"brand_id"`
	Name                  string         `json:"name"`
	ConversionType        string         `json:"conversion_type"`
	PayoutType            string         `json:"payout_type"`
	PayoutAmount          int64          `json:"payout_amount"`
	Currency              string         `json:"currency"`
	ValidationRules       pipeline.Value `json:"validation_rules"`
	Assets                []string       `json:"assets"`
	LandingURL            string         `json:"landing_url"`
	AllowedChannels       []string       `json:"allowed_channels"`
	Geo                   []string       `json:"geo"`
	AttributionWindowDays int            `json:"attribution_window_days"`
	JoinMode              string         `json:"join_mode"`
}

type OfferDTO struct {
	ID                    string         `json:"offer_id"`
	BrandID               string         `json:"brand_id"`
	Name                  string         `json:"name"`
	ConversionType        string         `json:"conversion_type"`
	PayoutType            string         `json:"payout_type"`
	PayoutAmount          int64          `json:"payout_amount"`
	Currency              string         `json:"currency"`
	DisplayPayout         string         `json:"display_payout,omitempty"`
	ValidationRules       pipeline.Value `json:"validation_rules"`
	Assets                []string       `json:"assets,omitempty"`
	LandingURL            string         `json:"landing_url,omitempty"`
	AllowedChannels       []string       `json:"allowed_channels,omitempty"`
	Geo                   []string       `json:"geo,omitempty"`
	AttributionWindowDays int            `json:"attribution_window_days"`
	JoinMode              string         `json:"join_mode"`
	Status                string         `json:"status"`
	CreatedAt             time.Time      `json:"created_at"`
}

type OfferListResponse struct {
	Offers []OfferDTO `json:"offers"`
}

type JoinRequest struct {
	OfferID    string `json:"offer_id"`
	PartnerID  string `json:"partner_id"`
	CouponCode string `json:"coupon_code"`
}

type JoinDTO struct {
	ID             string    `json:"join_id"`
	OfferID        string    `json:"offer_id"`
	PartnerID      string    `json:"partner_id"`
	Status         string    `json:"status"`
	AttributionKey string    `json:"attribution_key"`
	CouponCode     string    `json:"coupon_code,omitempty"`
	TrackingLink   string    `json:"tracking_link,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// =============================================================================
// MISC
// =============================================================================

type HealthResponse struct {
	OK   bool   `json:"ok"`
	Name string `json:"name"`
	TS   int64  `json:"ts"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ScenarioResponse struct {
	ScenarioID string     `json:"scenario_id"`
	Brands     []BrandDTO `json:"brands"`
	Offers     []OfferDTO `json:"offers"`
	Joins      []JoinDTO  `json:"joins"`
}

// ErrorResponse is the body of every non-2xx response. Error is a stable
// machine-readable kind.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBrandDTO(b catalog.Brand) BrandDTO {
	return BrandDTO{
		ID:            b.ID,
		OwnerUserID:   b.OwnerUserID,
		Name:          b.Name,
		Website:       b.Website,
		PayoutSLADays: b.PayoutSLADays,
		Status:        string(b.Status),
		CreatedAt:     b.CreatedAt,
	}
}

func toPartnerDTO(p catalog.Partner) PartnerDTO {
	return PartnerDTO{
		ID:          p.ID,
		OwnerUserID: p.OwnerUserID,
		DisplayName: p.DisplayName,
		NicheTags:   p.NicheTags,
		Channels:    p.Channels,
		Country:     p.Country,
		Language:    p.Language,
		Methods:     p.Methods,
		Portfolio:   p.Portfolio,
		CreatedAt:   p.CreatedAt,
	}
}

func toOfferDTO(o catalog.Offer) OfferDTO {
	dto := OfferDTO{
		ID:                    o.ID,
		BrandID:               o.BrandID,
		Name:                  o.Name,
		ConversionType:        string(o.ConversionType),
		PayoutType:            string(o.PayoutType),
		PayoutAmount:          o.PayoutAmount,
		Currency:              o.Currency,
		ValidationRules:       o.ValidationRules,
		Assets:                o.Assets,
		LandingURL:            o.LandingURL,
		AllowedChannels:       o.AllowedChannels,
		Geo:                   o.Geo,
		AttributionWindowDays: o.AttributionWindowDays,
		JoinMode:              string(o.JoinMode),
		Status:                string(o.Status),
		CreatedAt:             o.CreatedAt,
	}
	if o.PayoutType != pipeline.PayoutPercent {
		dto.DisplayPayout = pipeline.FormatMinor(o.PayoutAmount, o.Currency)
	}
	return dto
}

func toOfferDTOs(offers []catalog.Offer) []OfferDTO {
	dtos := make([]OfferDTO, len(offers))
	for i, o := range offers {
		dtos[i] = toOfferDTO(o)
	}
	return dtos
}

func toJoinDTO(j catalog.Join, link string) JoinDTO {
	return JoinDTO{
		ID:             j.ID,
		OfferID:        j.OfferID,
		PartnerID:      j.PartnerID,
		Status:         string(j.Status),
		AttributionKey: j.AttributionKey,
		CouponCode:     j.CouponCode,
		TrackingLink:   link,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func toPayoutDTOs(payouts []pipeline.Payout) []PayoutDTO {
	dtos := make([]PayoutDTO, len(payouts))
	for i, p := range payouts {
		dtos[i] = PayoutDTO{
			ID:            p.ID,
			ConversionID:  p.ConversionID,
			BrandID:       p.BrandID,
			Amount:        p.Amount,
			Currency:      p.Currency,
			DisplayAmount: pipeline.FormatMinor(p.Amount, p.Currency),
			Status:        string(p.Status),
			CreatedAt:     p.CreatedAt,
		}
	}
	return dtos
}
