package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SERVICE - Orchestrates ingest, validation and settlement
// =============================================================================

// Service is the boundary of the event-to-ledger pipeline. It holds no
// mutable state of its own: every coordination point is a Store call.
type Service struct {
	Store     Store
	Directory Directory
	Catalog   Catalog

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string
}

// NewService wires a Service with the wall clock and random UUIDs.
func NewService(store Store, directory Directory, catalog Catalog) *Service {
	return &Service{
		Store:     store,
		Directory: directory,
		Catalog:   catalog,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
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

// message builds an outbox row for a committed state change.
func (s *Service) message(typ, key string, body any, at time.Time) (*OutboxMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", typ, err)
	}
	return &OutboxMessage{
		ID:        s.newID(),
		Type:      typ,
		Key:       key,
		Payload:   payload,
		CreatedAt: at,
	}, nil
}

// =============================================================================
// READ PROJECTIONS
// =============================================================================

// MaxPayoutPage bounds ListPayouts.
const MaxPayoutPage = 200

// GetWalletBalance returns the partner's wallet, or a zero USD balance when
// the partner has never been credited. Never creates a row.
func (s *Service) GetWalletBalance(ctx context.Context, partnerID string) (WalletBalance, error) {
	if partnerID == "" {
		return WalletBalance{}, Invalid("partner_id", "is required")
	}
	w, found, err := s.Store.GetWallet(ctx, partnerID)
	if err != nil {
		return WalletBalance{}, err
	}
	if !found {
		return ZeroWallet(partnerID), nil
	}
	return w, nil
}

// ListPayouts returns the partner's payouts, newest first. limit is clamped
// to [1, MaxPayoutPage]; zero or negative means MaxPayoutPage.
func (s *Service) ListPayouts(ctx context.Context, partnerID string, limit int) ([]Payout, error) {
	if partnerID == "" {
		return nil, Invalid("partner_id", "is required")
	}
	if limit <= 0 || limit > MaxPayoutPage {
		limit = MaxPayoutPage
	}
	return s.Store.ListPayouts(ctx, partnerID, limit)
}
