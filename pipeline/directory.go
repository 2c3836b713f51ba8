/*
directory.go - Attribution key resolution

PURPOSE:
  Maps an opaque attribution key to the (offer, partner) pairing it was
  issued for. Keys whose join has been revoked resolve exactly like unknown
  keys, so a revoked partner learns nothing from probing.

WEBHOOK CROSS-CHECK:
  A brand posting a webhook asserts its own brand id. The resolved offer
  must belong to that brand, otherwise ErrBrandMismatch. This stops a brand
  from recording events against another brand's offer with a guessed key.
*/
package pipeline

import (
	"context"
	"errors"
	"strings"
)

// Resolve returns the attribution behind key. Unknown and revoked keys both
// fail with ErrInvalidAttributionKey.
func (s *Service) Resolve(ctx context.Context, key string) (AttributionRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return AttributionRecord{}, Invalid("attribution_key", "is required")
	}

	rec, err := s.Directory.LookupAttribution(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AttributionRecord{}, ErrInvalidAttributionKey
		}
		return AttributionRecord{}, err
	}
	if !rec.Status.Attributable() {
		return AttributionRecord{}, ErrInvalidAttributionKey
	}
	return rec, nil
}

// ResolveForBrand is Resolve plus the brand ownership check used by webhooks.
func (s *Service) ResolveForBrand(ctx context.Context, key, brandID string) (AttributionRecord, error) {
	if strings.TrimSpace(brandID) == "" {
		return AttributionRecord{}, Invalid("brand_id", "is required")
	}
	rec, err := s.Resolve(ctx, key)
	if err != nil {
		return AttributionRecord{}, err
	}

	terms, err := s.Catalog.OfferTerms(ctx, rec.OfferID)
	if err != nil {
		// An offer that vanished cannot be owned by the caller.
		if errors.Is(err, ErrNotFound) {
			return AttributionRecord{}, ErrBrandMismatch
		}
		return AttributionRecord{}, err
	}
	if terms.BrandID != brandID {
		return AttributionRecord{}, ErrBrandMismatch
	}
	return rec, nil
}
