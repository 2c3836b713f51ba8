package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matchpay/payout-engine/catalog"
	"github.com/matchpay/payout-engine/pipeline"
)

// =============================================================================
// ATTRIBUTION DIRECTORY (pipeline.Directory)
// =============================================================================

// LookupAttribution returns the join behind an attribution key, whatever its
// status.
func (s *Store) LookupAttribution(ctx context.Context, key string) (pipeline.AttributionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec pipeline.AttributionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT attribution_key, join_id, offer_id, partner_id, status
		FROM offer_joins WHERE attribution_key = ?
	`, key).Scan(&rec.Key, &rec.JoinID, &rec.OfferID, &rec.PartnerID, &rec.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.AttributionRecord{}, pipeline.ErrInvalidAttributionKey
	}
	if err != nil {
		return pipeline.AttributionRecord{}, pipeline.Storage("lookup attribution", err)
	}
	return rec, nil
}

// OfferTerms implements pipeline.Catalog. Paused offers still settle.
func (s *Store) OfferTerms(ctx context.Context, offerID string) (pipeline.OfferTerms, error) {
	o, err := s.GetOffer(ctx, offerID)
	if err != nil {
		return pipeline.OfferTerms{}, err
	}
	return o.Terms(), nil
}

// =============================================================================
// BRANDS
// =============================================================================

func (s *Store) CreateBrand(ctx context.Context, b catalog.Brand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO brands (brand_id, owner_user_id, name, website, payout_sla_days, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.OwnerUserID, b.Name, nullString(b.Website), b.PayoutSLADays, b.Status, formatTime(b.CreatedAt))
	return storageErr("create brand", err)
}

func (s *Store) GetBrand(ctx context.Context, id string) (catalog.Brand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		b         catalog.Brand
		website   sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT brand_id, owner_user_id, name, website, payout_sla_days, status, created_at
		FROM brands WHERE brand_id = ?
	`, id).Scan(&b.ID, &b.OwnerUserID, &b.Name, &website, &b.PayoutSLADays, &b.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Brand{}, pipeline.ErrBrandNotFound
	}
	if err != nil {
		return catalog.Brand{}, pipeline.Storage("get brand", err)
	}
	b.Website = website.String
	b.CreatedAt = parseTime(createdAt)
	return b, nil
}

// =============================================================================
// PARTNERS
// =============================================================================

// CreatePartner inserts the partner and its zero wallet together.
func (s *Store) CreatePartner(ctx context.Context, p catalog.Partner, walletCurrency string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lists := make([]string, 4)
	for i, items := range [][]string{p.NicheTags, p.Channels, p.Methods, p.Portfolio} {
		enc, err := encodeList(items)
		if err != nil {
			return fmt.Errorf("encode partner lists: %w", err)
		}
		lists[i] = enc
	}

	return s.withTx(ctx, "create partner", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO partners
			(partner_id, owner_user_id, display_name, niche_tags, channels, country, language, methods, portfolio, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.OwnerUserID, nullString(p.DisplayName), lists[0], lists[1],
			nullString(p.Country), nullString(p.Language), lists[2], lists[3], formatTime(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert partner: %w", err)
		}
		return ensureWallet(ctx, tx, p.ID, walletCurrency, p.CreatedAt)
	})
}

func (s *Store) GetPartner(ctx context.Context, id string) (catalog.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p                                    catalog.Partner
		displayName, country, language       sql.NullString
		nicheTags, channels, methods, portfo sql.NullString
		createdAt                            string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT partner_id, owner_user_id, display_name, niche_tags, channels,
		       country, language, methods, portfolio, created_at
		FROM partners WHERE partner_id = ?
	`, id).Scan(&p.ID, &p.OwnerUserID, &displayName, &nicheTags, &channels,
		&country, &language, &methods, &portfo, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Partner{}, pipeline.ErrPartnerNotFound
	}
	if err != nil {
		return catalog.Partner{}, pipeline.Storage("get partner", err)
	}
	p.DisplayName = displayName.String
	p.Country = country.String
	p.Language = language.String
	p.NicheTags = decodeList(nicheTags)
	p.Channels = decodeList(channels)
	p.Methods = decodeList(methods)
	p.Portfolio = decodeList(portfo)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// =============================================================================
// OFFERS
// =============================================================================

func (s *Store) CreateOffer(ctx context.Context, o catalog.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := json.Marshal(o.ValidationRules)
	if err != nil {
		return fmt.Errorf("encode validation rules: %w", err)
	}
	assets, err := encodeOptionalList(o.Assets)
	if err != nil {
		return err
	}
	channels, err := encodeOptionalList(o.AllowedChannels)
	if err != nil {
		return err
	}
	geo, err := encodeOptionalList(o.Geo)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offers (
			offer_id, brand_id, name, conversion_type, payout_type, payout_amount, currency,
			validation_rules, assets, landing_url, allowed_channels, geo,
			attribution_window_days, join_mode, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.BrandID, o.Name, o.ConversionType, o.PayoutType, o.PayoutAmount, o.Currency,
		string(rules), assets, nullString(o.LandingURL), channels, geo,
		o.AttributionWindowDays, o.JoinMode, o.Status, formatTime(o.CreatedAt),
	)
	if isForeignKeyError(err) {
		return pipeline.ErrBrandNotFound
	}
	return storageErr("create offer", err)
}

const selectOffer = `
	SELECT offer_id, brand_id, name, conversion_type, payout_type, payout_amount, currency,
	       validation_rules, assets, landing_url, allowed_channels, geo,
	       attribution_window_days, join_mode, status, created_at
	FROM offers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (catalog.Offer, error) {
	var (
		o                     catalog.Offer
		rules                 string
		assets, channels, geo sql.NullString
		landingURL            sql.NullString
		createdAt             string
	)
	err := row.Scan(&o.ID, &o.BrandID, &o.Name, &o.ConversionType, &o.PayoutType, &o.PayoutAmount, &o.Currency,
		&rules, &assets, &landingURL, &channels, &geo,
		&o.AttributionWindowDays, &o.JoinMode, &o.Status, &createdAt)
	if err != nil {
		return catalog.Offer{}, err
	}
	o.ValidationRules, err = pipeline.ParseValue([]byte(rules))
	if err != nil {
		return catalog.Offer{}, fmt.Errorf("decode validation rules of offer %s: %w", o.ID, err)
	}
	o.Assets = decodeList(assets)
	o.LandingURL = landingURL.String
	o.AllowedChannels = decodeList(channels)
	o.Geo = decodeList(geo)
	o.CreatedAt = parseTime(createdAt)
	return o, nil
}

func (s *Store) GetOffer(ctx context.Context, id string) (catalog.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, err := scanOffer(s.db.QueryRowContext(ctx, selectOffer+" WHERE offer_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Offer{}, pipeline.ErrOfferNotFound
	}
	if err != nil {
		return catalog.Offer{}, pipeline.Storage("get offer", err)
	}
	return o, nil
}

// ListOffersByStatus returns offers in a status, newest first.
func (s *Store) ListOffersByStatus(ctx context.Context, status catalog.OfferStatus, limit int) ([]catalog.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		selectOffer+" WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ?", status, limit)
	if err != nil {
		return nil, pipeline.Storage("list offers", err)
	}
	defer rows.Close()

	var offers []catalog.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, pipeline.Storage("list offers", err)
		}
		offers = append(offers, o)
	}
	return offers, storageErr("list offers", rows.Err())
}

// SetOfferStatus pauses or reactivates an offer.
func (s *Store) SetOfferStatus(ctx context.Context, id string, status catalog.OfferStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE offers SET status = ? WHERE offer_id = ?", status, id)
	if err != nil {
		return pipeline.Storage("set offer status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeline.ErrOfferNotFound
	}
	return nil
}

// =============================================================================
// JOINS
// =============================================================================

func (s *Store) CreateJoin(ctx context.Context, j catalog.Join) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offer_joins (join_id, offer_id, partner_id, status, attribution_key, coupon_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.OfferID, j.PartnerID, j.Status, j.AttributionKey, nullString(j.CouponCode),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	return storageErr("create join", err)
}

const selectJoin = `
	SELECT join_id, offer_id, partner_id, status, attribution_key, coupon_code, created_at, updated_at
	FROM offer_joins`

func scanJoin(row rowScanner) (catalog.Join, error) {
	var (
		j                    catalog.Join
		coupon               sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&j.ID, &j.OfferID, &j.PartnerID, &j.Status, &j.AttributionKey, &coupon, &createdAt, &updatedAt)
	if err != nil {
		return catalog.Join{}, err
	}
	j.CouponCode = coupon.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return j, nil
}

func (s *Store) GetJoin(ctx context.Context, id string) (catalog.Join, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, err := scanJoin(s.db.QueryRowContext(ctx, selectJoin+" WHERE join_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Join{}, pipeline.ErrJoinNotFound
	}
	if err != nil {
		return catalog.Join{}, pipeline.Storage("get join", err)
	}
	return j, nil
}

// TransitionJoin is a compare-and-set on the join's status.
func (s *Store) TransitionJoin(ctx context.Context, id string, from []pipeline.JoinStatus, to pipeline.JoinStatus, at time.Time) (catalog.Join, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(from) == 0 {
		return catalog.Join{}, pipeline.Invalid("from", "at least one source status is required")
	}

	var out catalog.Join
	err := s.withTx(ctx, "transition join", func(tx *sql.Tx) error {
		args := []any{to, formatTime(at), id}
		for _, st := range from {
			args = append(args, st)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

		res, err := tx.ExecContext(ctx,
			"UPDATE offer_joins SET status = ?, updated_at = ? WHERE join_id = ? AND status IN ("+placeholders+")",
			args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		j, err := scanJoin(tx.QueryRowContext(ctx, selectJoin+" WHERE join_id = ?", id))
		if errors.Is(err, sql.ErrNoRows) {
			return pipeline.ErrJoinNotFound
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("join %s is %s: %w", id, j.Status, pipeline.ErrConflict)
		}
		out = j
		return nil
	})
	if err != nil {
		return catalog.Join{}, err
	}
	return out, nil
}

var (
	_ pipeline.Directory = (*Store)(nil)
	_ pipeline.Catalog   = (*Store)(nil)
	_ catalog.Store      = (*Store)(nil)
)
