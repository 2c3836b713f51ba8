package catalog

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matchpay/payout-engine/pipeline"
)

// Service validates catalog input and runs the join workflow.
type Service struct {
	Store Store

	// PublicBaseURL prefixes tracking links, e.g. https://go.matchpay.io.
	PublicBaseURL string

	Now    func() time.Time
	NewID  func() string
	NewKey func() (string, error)
}

func NewService(store Store, publicBaseURL string) *Service {
	return &Service{
		Store:         store,
		PublicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		Now:           time.Now,
		NewID:         uuid.NewString,
		NewKey:        NewAttributionKey,
	}
}

// NewAttributionKey returns AttributionKeyBytes of crypto randomness,
// base64url encoded without padding.
func NewAttributionKey() (string, error) {
	buf := make([]byte, AttributionKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate attribution key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID == nil {
		return uuid.NewString()
	}
	return s.NewID()
}

// TrackingLink is the public redirect URL for an attribution key.
func (s *Service) TrackingLink(key string) string {
	return s.PublicBaseURL + "/t/" + key
}

// =============================================================================
// BRANDS & PARTNERS
// =============================================================================

type BrandInput struct {
	OwnerUserID   string
	Name          string
	Website       string
	PayoutSLADays int
}

func (s *Service) CreateBrand(ctx context.Context, in BrandInput) (Brand, error) {
	if strings.TrimSpace(in.OwnerUserID) == "" {
		return Brand{}, pipeline.Invalid("owner_user_id", "is required")
	}
	name := strings.TrimSpace(in.Name)
	if len(name) < 2 {
		return Brand{}, pipeline.Invalid("name", "must be at least 2 characters")
	}
	if in.Website != "" {
		if err := checkURL("website", in.Website); err != nil {
			return Brand{}, err
		}
	}
	sla := in.PayoutSLADays
	switch {
	case sla == 0:
		sla = DefaultPayoutSLADays
	case sla < 0:
		return Brand{}, pipeline.Invalid("payout_sla_days", "must be positive")
	}

	b := Brand{
		ID:            s.newID(),
		OwnerUserID:   in.OwnerUserID,
		Name:          name,
		Website:       in.Website,
		PayoutSLADays: sla,
		Status:        BrandActive,
		CreatedAt:     s.now(),
	}
	if err := s.Store.CreateBrand(ctx, b); err != nil {
		return Brand{}, err
	}
	zerolog.Ctx(ctx).Info().Str("brand_id", b.ID).Msg("brand created")
	return b, nil
}

func (s *Service) GetBrand(ctx context.Context, id string) (Brand, error) {
	return s.Store.GetBrand(ctx, id)
}

type PartnerInput struct {
	OwnerUserID string
	DisplayName string
	NicheTags   []string
	Channels    []string
	Country     string
	Language    string
	Methods     []string
	Portfolio   []string
}

// CreatePartner registers a partner and opens a zero USD wallet for it.
func (s *Service) CreatePartner(ctx context.Context, in PartnerInput) (Partner, error) {
	if strings.TrimSpace(in.OwnerUserID) == "" {
		return Partner{}, pipeline.Invalid("owner_user_id", "is required")
	}
	p := Partner{
		ID:          s.newID(),
		OwnerUserID: in.OwnerUserID,
		DisplayName: in.DisplayName,
		NicheTags:   orEmpty(in.NicheTags),
		Channels:    orEmpty(in.Channels),
		Country:     in.Country,
		Language:    in.Language,
		Methods:     orEmpty(in.Methods),
		Portfolio:   orEmpty(in.Portfolio),
		CreatedAt:   s.now(),
	}
	if err := s.Store.CreatePartner(ctx, p, pipeline.DefaultCurrency); err != nil {
		return Partner{}, err
	}
	zerolog.Ctx(ctx).Info().Str("partner_id", p.ID).Msg("partner created")
	return p, nil
}

// =============================================================================
// OFFERS
// =============================================================================

type OfferInput struct {
	BrandID               string
	Name                  string
	ConversionType        ConversionType
	PayoutType            pipeline.PayoutType
	PayoutAmount          int64
	Currency              string
	ValidationRules       pipeline.Value
	Assets                []string
	LandingURL            string
	AllowedChannels       []string
	Geo                   []string
	AttributionWindowDays int
	JoinMode              JoinMode
}

func (in OfferInput) validate() error {
	if in.BrandID == "" {
		return pipeline.Invalid("brand_id", "is required")
	}
	if len(strings.TrimSpace(in.Name)) < 2 {
		return pipeline.Invalid("name", "must be at least 2 characters")
	}
	if !in.ConversionType.Valid() {
		return pipeline.Invalid("conversion_type", "must be one of sale, valid_lead, appointment, demo")
	}
	if !in.PayoutType.Valid() {
		return pipeline.Invalid("payout_type", "must be one of percent, fixed, per_event")
	}
	if in.PayoutAmount <= 0 {
		return pipeline.Invalid("payout_amount", "must be a positive integer")
	}
	if in.Currency != "" && len(strings.TrimSpace(in.Currency)) != 3 {
		return pipeline.Invalid("currency", "must be a 3-letter ISO 4217 code")
	}
	if in.ValidationRules.Kind() != pipeline.ValueObject {
		return pipeline.Invalid("validation_rules", "must be an object")
	}
	if in.LandingURL != "" {
		if err := checkURL("landing_url", in.LandingURL); err != nil {
			return err
		}
	}
	if in.AttributionWindowDays < 0 {
		return pipeline.Invalid("attribution_window_days", "must be positive")
	}
	if in.JoinMode != "" && !in.JoinMode.Valid() {
		return pipeline.Invalid("join_mode", "must be auto or approval")
	}
	return nil
}

func (s *Service) CreateOffer(ctx context.Context, in OfferInput) (Offer, error) {
	if err := in.validate(); err != nil {
		return Offer{}, err
	}
	if _, err := s.Store.GetBrand(ctx, in.BrandID); err != nil {
		return Offer{}, err
	}

	o := Offer{
		ID:                    s.newID(),
		BrandID:               in.BrandID,
		Name:                  strings.TrimSpace(in.Name),
		ConversionType:        in.ConversionType,
		PayoutType:            in.PayoutType,
		PayoutAmount:          in.PayoutAmount,
		Currency:              pipeline.NormalizeCurrency(in.Currency),
		ValidationRules:       in.ValidationRules,
		Assets:                in.Assets,
		LandingURL:            in.LandingURL,
		AllowedChannels:       in.AllowedChannels,
		Geo:                   in.Geo,
		AttributionWindowDays: in.AttributionWindowDays,
		JoinMode:              in.JoinMode,
		Status:                OfferActive,
		CreatedAt:             s.now(),
	}
	if o.AttributionWindowDays == 0 {
		o.AttributionWindowDays = DefaultAttributionWindowDays
	}
	if o.JoinMode == "" {
		o.JoinMode = JoinAuto
	}

	if err := s.Store.CreateOffer(ctx, o); err != nil {
		return Offer{}, err
	}
	zerolog.Ctx(ctx).Info().
		Str("offer_id", o.ID).
		Str("brand_id", o.BrandID).
		Str("payout_type", string(o.PayoutType)).
		Msg("offer created")
	return o, nil
}

// GetOffer returns an active offer. Paused offers are not found.
func (s *Service) GetOffer(ctx context.Context, id string) (Offer, error) {
	o, err := s.Store.GetOffer(ctx, id)
	if err != nil {
		return Offer{}, err
	}
	if o.Status != OfferActive {
		return Offer{}, pipeline.ErrOfferNotFound
	}
	return o, nil
}

// ListActiveOffers returns active offers, newest first.
func (s *Service) ListActiveOffers(ctx context.Context) ([]Offer, error) {
	return s.Store.ListOffersByStatus(ctx, OfferActive, MaxActiveOffers)
}

// =============================================================================
// JOINS
// =============================================================================

type JoinInput struct {
	OfferID    string
	PartnerID  string
	CouponCode string
}

type JoinResult struct {
	Join         Join
	TrackingLink string
}

// JoinOffer issues a partner an attribution key for an active offer.
func (s *Service) JoinOffer(ctx context.Context, in JoinInput) (JoinResult, error) {
	if in.OfferID == "" {
		return JoinResult{}, pipeline.Invalid("offer_id", "is required")
	}
	if in.PartnerID == "" {
		return JoinResult{}, pipeline.Invalid("partner_id", "is required")
	}

	offer, err := s.GetOffer(ctx, in.OfferID)
	if err != nil {
		return JoinResult{}, err
	}
	if _, err := s.Store.GetPartner(ctx, in.PartnerID); err != nil {
		return JoinResult{}, err
	}

	newKey := s.NewKey
	if newKey == nil {
		newKey = NewAttributionKey
	}
	key, err := newKey()
	if err != nil {
		return JoinResult{}, err
	}

	status := pipeline.JoinActive
	if offer.JoinMode == JoinApproval {
		status = pipeline.JoinPending
	}
	now := s.now()
	j := Join{
		ID:             s.newID(),
		OfferID:        offer.ID,
		PartnerID:      in.PartnerID,
		Status:         status,
		AttributionKey: key,
		CouponCode:     in.CouponCode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.CreateJoin(ctx, j); err != nil {
		return JoinResult{}, err
	}

	zerolog.Ctx(ctx).Info().
		Str("join_id", j.ID).
		Str("offer_id", j.OfferID).
		Str("partner_id", j.PartnerID).
		Str("status", string(j.Status)).
		Msg("partner joined offer")
	return JoinResult{Join: j, TrackingLink: s.TrackingLink(key)}, nil
}

// ApproveJoin moves a pending join to active.
func (s *Service) ApproveJoin(ctx context.Context, joinID string) (Join, error) {
	return s.transition(ctx, joinID, []pipeline.JoinStatus{pipeline.JoinPending}, pipeline.JoinActive)
}

// RevokeJoin revokes a pending or active join. Its key stops attributing.
func (s *Service) RevokeJoin(ctx context.Context, joinID string) (Join, error) {
	return s.transition(ctx, joinID, []pipeline.JoinStatus{pipeline.JoinPending, pipeline.JoinActive}, pipeline.JoinRevoked)
}

func (s *Service) transition(ctx context.Context, joinID string, from []pipeline.JoinStatus, to pipeline.JoinStatus) (Join, error) {
	if joinID == "" {
		return Join{}, pipeline.Invalid("join_id", "is required")
	}
	j, err := s.Store.TransitionJoin(ctx, joinID, from, to, s.now())
	if err != nil {
		return Join{}, err
	}
	zerolog.Ctx(ctx).Info().
		Str("join_id", j.ID).
		Str("status", string(j.Status)).
		Msg("join status changed")
	return j, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func checkURL(field, raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return pipeline.Invalid(field, "must be an absolute http(s) URL")
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
