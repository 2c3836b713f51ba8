/*
Package catalog owns brands, partners, offers and offer joins.

PURPOSE:
  The catalog is the sole writer of the attribution directory. A partner
  joining an offer receives an unguessable attribution key; approving or
  revoking the join is the only way the key's status changes afterwards.

JOIN LIFECYCLE:
  ┌─────────┐  approve   ┌────────┐
  │ pending │──────────▶ │ active │
  └─────────┘            └────────┘
       │                     │
       └──── revoke ─────────┴──────▶ revoked (terminal)

  Offers in "auto" join mode create joins directly in active. Offers in
  "approval" mode create them pending; pending keys still attribute.

SEE ALSO:
  - service.go: validation and workflow
  - store/sqlite/catalog.go: persistence
  - pipeline/directory.go: how keys are resolved
*/
package catalog

import (
	"context"
	"time"

	"github.com/matchpay/payout-engine/pipeline"
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

// ConversionType is what a brand counts as a conversion for an offer.
type ConversionType string

const (
	ConversionSale        ConversionType = "sale"
	ConversionValidLead   ConversionType = "valid_lead"
	ConversionAppointment ConversionType = "appointment"
	ConversionDemo        ConversionType = "demo"
)

func (c ConversionType) Valid() bool {
	switch c {
	case ConversionSale, ConversionValidLead, ConversionAppointment, ConversionDemo:
		return true
	}
	return false
}

// JoinMode controls whether a join needs brand approval.
type JoinMode string

const (
	JoinAuto     JoinMode = "auto"
	JoinApproval JoinMode = "approval"
)

func (m JoinMode) Valid() bool {
	return m == JoinAuto || m == JoinApproval
}

// OfferStatus is whether an offer is visible and joinable.
type OfferStatus string

const (
	OfferActive OfferStatus = "active"
	OfferPaused OfferStatus = "paused"
)

// BrandStatus is the account state of a brand.
type BrandStatus string

const BrandActive BrandStatus = "active"

// Defaults applied when the caller leaves a field unset.
const (
	DefaultPayoutSLADays         = 14
	DefaultAttributionWindowDays = 7
	MaxActiveOffers              = 500
	AttributionKeyBytes          = 20
)

// =============================================================================
// RECORDS
// =============================================================================

type Brand struct {
	ID            string
	OwnerUserID   string
	Name          string
	Website       string
	PayoutSLADays int
	Status        BrandStatus
	CreatedAt     time.Time
}

type Partner struct {
	ID          string
	OwnerUserID string
	DisplayName string
	NicheTags   []string
	Channels    []string
	Country     string
	Language    string
	Methods     []string
	Portfolio   []string
	CreatedAt   time.Time
}

type Offer struct {
	ID                    string
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
	Status                OfferStatus
	CreatedAt             time.Time
}

// Terms projects the offer onto what the pipeline needs for settlement.
func (o Offer) Terms() pipeline.OfferTerms {
	return pipeline.OfferTerms{
		OfferID:      o.ID,
		BrandID:      o.BrandID,
		PayoutType:   o.PayoutType,
		PayoutAmount: o.PayoutAmount,
		Currency:     o.Currency,
		LandingURL:   o.LandingURL,
	}
}

type Join struct {
	ID             string
	OfferID        string
	PartnerID      string
	Status         pipeline.JoinStatus
	AttributionKey string
	CouponCode     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store persists catalog records. Lookups return the pipeline's not-found
// sentinels (ErrBrandNotFound, ErrPartnerNotFound, ErrOfferNotFound,
// ErrJoinNotFound).
type Store interface {
	CreateBrand(ctx context.Context, b Brand) error
	GetBrand(ctx context.Context, id string) (Brand, error)

	// CreatePartner inserts the partner and a zero wallet in walletCurrency
	// in one transaction.
	CreatePartner(ctx context.Context, p Partner, walletCurrency string) error
	GetPartner(ctx context.Context, id string) (Partner, error)

	CreateOffer(ctx context.Context, o Offer) error
	GetOffer(ctx context.Context, id string) (Offer, error)
	ListOffersByStatus(ctx context.Context, status OfferStatus, limit int) ([]Offer, error)

	CreateJoin(ctx context.Context, j Join) error
	GetJoin(ctx context.Context, id string) (Join, error)

	// TransitionJoin moves a join to `to` only if its current status is one
	// of `from`. Otherwise it returns pipeline.ErrConflict (or
	// ErrJoinNotFound) and changes nothing.
	TransitionJoin(ctx context.Context, id string, from []pipeline.JoinStatus, to pipeline.JoinStatus, at time.Time) (Join, error)
}
