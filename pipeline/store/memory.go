// Package store provides in-process pipeline stores.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/matchpay/payout-engine/pipeline"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements pipeline.Store, pipeline.Directory and pipeline.Catalog.
// A single mutex makes every call one atomic unit.
type Memory struct {
	mu sync.RWMutex

	events      map[string]pipeline.Event // by event id
	idempotency map[string]string         // idempotency key -> event id
	conversions map[string]pipeline.Conversion
	byEvent     map[string]string // event id -> conversion id
	payouts     []pipeline.Payout
	paid        map[string]bool // conversion ids with a payout
	wallets     map[string]pipeline.WalletBalance
	outbox      []pipeline.OutboxMessage

	attributions map[string]pipeline.AttributionRecord
	offers       map[string]pipeline.OfferTerms
}

func NewMemory() *Memory {
	return &Memory{
		events:       make(map[string]pipeline.Event),
		idempotency:  make(map[string]string),
		conversions:  make(map[string]pipeline.Conversion),
		byEvent:      make(map[string]string),
		paid:         make(map[string]bool),
		wallets:      make(map[string]pipeline.WalletBalance),
		attributions: make(map[string]pipeline.AttributionRecord),
		offers:       make(map[string]pipeline.OfferTerms),
	}
}

// PutAttribution registers or replaces an attribution key.
func (m *Memory) PutAttribution(rec pipeline.AttributionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attributions[rec.Key] = rec
}

// PutOffer registers or replaces an offer's terms.
func (m *Memory) PutOffer(terms pipeline.OfferTerms) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[terms.OfferID] = terms
}

// LookupAttribution implements pipeline.Directory.
func (m *Memory) LookupAttribution(_ context.Context, key string) (pipeline.AttributionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.attributions[key]
	if !ok {
		return pipeline.AttributionRecord{}, pipeline.ErrInvalidAttributionKey
	}
	return rec, nil
}

// OfferTerms implements pipeline.Catalog.
func (m *Memory) OfferTerms(_ context.Context, offerID string) (pipeline.OfferTerms, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.offers[offerID]
	if !ok {
		return pipeline.OfferTerms{}, pipeline.ErrOfferNotFound
	}
	return t, nil
}

// =============================================================================
// EVENT LOG
// =============================================================================

func (m *Memory) RecordEvent(_ context.Context, ev pipeline.Event, conv *pipeline.Conversion, msg *pipeline.OutboxMessage) (pipeline.RecordResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.idempotency[ev.IdempotencyKey]; ok {
		existing := m.events[id]
		res := pipeline.RecordResult{Event: existing}
		if cid, ok := m.byEvent[id]; ok {
			c := m.conversions[cid]
			res.Conversion = &c
		}
		return res, nil
	}

	m.events[ev.ID] = ev
	m.idempotency[ev.IdempotencyKey] = ev.ID
	res := pipeline.RecordResult{Event: ev, Created: true}
	if conv != nil {
		m.conversions[conv.ID] = *conv
		m.byEvent[ev.ID] = conv.ID
		c := *conv
		res.Conversion = &c
	}
	if msg != nil {
		m.outbox = append(m.outbox, *msg)
	}
	return res, nil
}

func (m *Memory) GetConversion(_ context.Context, id string) (pipeline.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversions[id]
	if !ok {
		return pipeline.Conversion{}, pipeline.ErrConversionNotFound
	}
	return c, nil
}

// =============================================================================
// DECISIONS
// =============================================================================

func (m *Memory) Settle(_ context.Context, s pipeline.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.pendingLocked(s.ConversionID)
	if err != nil {
		return err
	}
	if m.paid[s.ConversionID] {
		return pipeline.ErrAlreadyProcessed
	}

	amount := s.Amount
	at := s.At
	c.Status = pipeline.ConversionValid
	c.Amount = &amount
	c.Currency = s.Currency
	c.DecidedAt = &at
	m.conversions[c.ID] = c

	m.payouts = append(m.payouts, pipeline.Payout{
		ID:           s.PayoutID,
		PartnerID:    s.PartnerID,
		BrandID:      s.BrandID,
		ConversionID: s.ConversionID,
		Amount:       s.Amount,
		Currency:     s.Currency,
		Status:       pipeline.PayoutApproved,
		CreatedAt:    s.At,
	})
	m.paid[s.ConversionID] = true

	w, ok := m.wallets[s.PartnerID]
	if !ok {
		w = pipeline.WalletBalance{PartnerID: s.PartnerID, Currency: s.Currency}
	}
	w.Available += s.Amount
	w.UpdatedAt = s.At
	m.wallets[s.PartnerID] = w

	if s.Outbox != nil {
		m.outbox = append(m.outbox, *s.Outbox)
	}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, inv pipeline.Invalidation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.pendingLocked(inv.ConversionID)
	if err != nil {
		return err
	}
	at := inv.At
	c.Status = pipeline.ConversionInvalid
	c.Reason = inv.Reason
	c.DecidedAt = &at
	m.conversions[c.ID] = c

	if inv.Outbox != nil {
		m.outbox = append(m.outbox, *inv.Outbox)
	}
	return nil
}

// pendingLocked is the compare half of compare-and-set.
func (m *Memory) pendingLocked(id string) (pipeline.Conversion, error) {
	c, ok := m.conversions[id]
	if !ok {
		return pipeline.Conversion{}, pipeline.ErrConversionNotFound
	}
	if c.Status != pipeline.ConversionPending {
		return pipeline.Conversion{}, pipeline.ErrAlreadyProcessed
	}
	return c, nil
}

// =============================================================================
// WALLET & PAYOUTS
// =============================================================================

func (m *Memory) GetWallet(_ context.Context, partnerID string) (pipeline.WalletBalance, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[partnerID]
	return w, ok, nil
}

func (m *Memory) ListPayouts(_ context.Context, partnerID string, limit int) ([]pipeline.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []pipeline.Payout
	// Walk backwards so equal timestamps keep newest-inserted first.
	for i := len(m.payouts) - 1; i >= 0; i-- {
		if m.payouts[i].PartnerID == partnerID {
			out = append(out, m.payouts[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// INSPECTION (tests)
// =============================================================================

// EventCount returns the number of recorded events.
func (m *Memory) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// ConversionCount returns the number of conversions.
func (m *Memory) ConversionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversions)
}

// PayoutCount returns the number of payouts for a conversion.
func (m *Memory) PayoutCount(conversionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.payouts {
		if p.ConversionID == conversionID {
			n++
		}
	}
	return n
}

// Outbox returns a copy of every outbox message in commit order.
func (m *Memory) Outbox() []pipeline.OutboxMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]pipeline.OutboxMessage(nil), m.outbox...)
}

var (
	_ pipeline.Store     = (*Memory)(nil)
	_ pipeline.Directory = (*Memory)(nil)
	_ pipeline.Catalog   = (*Memory)(nil)
)
