package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matchpay/payout-engine/pipeline"
)

// =============================================================================
// EVENT LOG (pipeline.Store)
// =============================================================================

// RecordEvent inserts the event, its conversion and its outbox message in one
// transaction, unless the idempotency key is taken. Then it returns the rows
// the key already points at.
func (s *Store) RecordEvent(ctx context.Context, ev pipeline.Event, conv *pipeline.Conversion, msg *pipeline.OutboxMessage) (pipeline.RecordResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return pipeline.RecordResult{}, fmt.Errorf("encode event payload: %w", err)
	}

	var out pipeline.RecordResult
	err = s.withTx(ctx, "record event", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events
			(event_id, event_type, offer_id, partner_id, attribution_key, idempotency_key, payload, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(idempotency_key) DO NOTHING
		`,
			ev.ID, ev.Type, ev.OfferID, ev.PartnerID, ev.AttributionKey,
			ev.IdempotencyKey, string(payload), ev.Source, formatTime(ev.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n == 0 {
			existing, err := loadEventByKey(ctx, tx, ev.IdempotencyKey)
			if err != nil {
				return err
			}
			out.Event = existing
			out.Conversion, err = loadConversionByEvent(ctx, tx, existing.ID)
			return err
		}

		out.Event = ev
		out.Created = true
		if conv != nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO conversions (conversion_id, event_id, offer_id, partner_id, status, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, conv.ID, ev.ID, conv.OfferID, conv.PartnerID, pipeline.ConversionPending, formatTime(conv.CreatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert conversion: %w", err)
			}
			c := *conv
			c.EventID = ev.ID
			c.Status = pipeline.ConversionPending
			out.Conversion = &c
		}
		return insertOutbox(ctx, tx, msg)
	})
	if err != nil {
		return pipeline.RecordResult{}, err
	}
	return out, nil
}

// GetEvent returns an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (pipeline.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, err := scanEvent(s.db.QueryRowContext(ctx, selectEvent+" WHERE event_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Event{}, fmt.Errorf("event %s: %w", id, pipeline.ErrNotFound)
	}
	return ev, storageErr("get event", err)
}

// CountEvents returns the number of events recorded for an attribution key.
func (s *Store) CountEvents(ctx context.Context, attributionKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE attribution_key = ?", attributionKey,
	).Scan(&n)
	return n, storageErr("count events", err)
}

const selectEvent = `
	SELECT event_id, event_type, offer_id, partner_id, attribution_key,
	       idempotency_key, payload, source, created_at
	FROM events`

func loadEventByKey(ctx context.Context, q queryer, key string) (pipeline.Event, error) {
	return scanEvent(q.QueryRowContext(ctx, selectEvent+" WHERE idempotency_key = ?", key))
}

func scanEvent(row *sql.Row) (pipeline.Event, error) {
	var (
		ev        pipeline.Event
		payload   string
		createdAt string
	)
	err := row.Scan(&ev.ID, &ev.Type, &ev.OfferID, &ev.PartnerID, &ev.AttributionKey,
		&ev.IdempotencyKey, &payload, &ev.Source, &createdAt)
	if err != nil {
		return pipeline.Event{}, err
	}
	ev.CreatedAt = parseTime(createdAt)
	ev.Payload, err = pipeline.ParseValue([]byte(payload))
	if err != nil {
		return pipeline.Event{}, fmt.Errorf("decode payload of event %s: %w", ev.ID, err)
	}
	return ev, nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const selectConversion = `
	SELECT conversion_id, event_id, offer_id, partner_id, status,
	       amount, currency, reason, created_at, decided_at
	FROM conversions`

func (s *Store) GetConversion(ctx context.Context, id string) (pipeline.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanConversion(s.db.QueryRowContext(ctx, selectConversion+" WHERE conversion_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Conversion{}, pipeline.ErrConversionNotFound
	}
	if err != nil {
		return pipeline.Conversion{}, pipeline.Storage("get conversion", err)
	}
	return c, nil
}

func loadConversionByEvent(ctx context.Context, q queryer, eventID string) (*pipeline.Conversion, error) {
	c, err := scanConversion(q.QueryRowContext(ctx, selectConversion+" WHERE event_id = ?", eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanConversion(row *sql.Row) (pipeline.Conversion, error) {
	var (
		c         pipeline.Conversion
		amount    sql.NullInt64
		currency  sql.NullString
		reason    sql.NullString
		createdAt string
		decidedAt sql.NullString
	)
	err := row.Scan(&c.ID, &c.EventID, &c.OfferID, &c.PartnerID, &c.Status,
		&amount, &currency, &reason, &createdAt, &decidedAt)
	if err != nil {
		return pipeline.Conversion{}, err
	}
	if amount.Valid {
		a := amount.Int64
		c.Amount = &a
	}
	c.Currency = currency.String
	c.Reason = reason.String
	c.CreatedAt = parseTime(createdAt)
	c.DecidedAt = parseNullTime(decidedAt)
	return c, nil
}

// =============================================================================
// DECISIONS
// =============================================================================

// Settle applies a valid decision: conversion, payout, wallet and outbox in
// one transaction.
func (s *Store) Settle(ctx context.Context, st pipeline.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, "settle", func(tx *sql.Tx) error {
		at := formatTime(st.At)

		// (a) compare-and-set pending -> valid
		res, err := tx.ExecContext(ctx, `
			UPDATE conversions SET status = ?, amount = ?, currency = ?, decided_at = ?
			WHERE conversion_id = ? AND status = ?
		`, pipeline.ConversionValid, st.Amount, st.Currency, at, st.ConversionID, pipeline.ConversionPending)
		if err != nil {
			return fmt.Errorf("failed to update conversion: %w", err)
		}
		if err := expectPending(ctx, tx, res, st.ConversionID); err != nil {
			return err
		}

		// (b) payout
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payouts (payout_id, partner_id, brand_id, conversion_id, amount, currency, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, st.PayoutID, st.PartnerID, st.BrandID, st.ConversionID, st.Amount, st.Currency, pipeline.PayoutApproved, at)
		if err != nil {
			if isUniqueConstraintError(err) {
				return pipeline.ErrAlreadyProcessed
			}
			return fmt.Errorf("failed to insert payout: %w", err)
		}

		// (c) ensure wallet
		if err := ensureWallet(ctx, tx, st.PartnerID, st.Currency, st.At); err != nil {
			return err
		}

		// (d) atomic credit
		_, err = tx.ExecContext(ctx, `
			UPDATE wallet_balances SET available = available + ?, updated_at = ?
			WHERE partner_id = ?
		`, st.Amount, at, st.PartnerID)
		if err != nil {
			return fmt.Errorf("failed to credit wallet: %w", err)
		}

		return insertOutbox(ctx, tx, st.Outbox)
	})
}

// Invalidate applies an invalid decision.
func (s *Store) Invalidate(ctx context.Context, inv pipeline.Invalidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, "invalidate", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversions SET status = ?, reason = ?, decided_at = ?
			WHERE conversion_id = ? AND status = ?
		`, pipeline.ConversionInvalid, inv.Reason, formatTime(inv.At), inv.ConversionID, pipeline.ConversionPending)
		if err != nil {
			return fmt.Errorf("failed to update conversion: %w", err)
		}
		if err := expectPending(ctx, tx, res, inv.ConversionID); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, inv.Outbox)
	})
}

// expectPending turns a zero-row compare-and-set into the right error.
func expectPending(ctx context.Context, tx *sql.Tx, res sql.Result, conversionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM conversions WHERE conversion_id = ?", conversionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.ErrConversionNotFound
	}
	if err != nil {
		return err
	}
	return pipeline.ErrAlreadyProcessed
}

// =============================================================================
// WALLETS & PAYOUTS
// =============================================================================

func ensureWallet(ctx context.Context, db execer, partnerID, currency string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO wallet_balances (partner_id, available, pending, currency, updated_at)
		VALUES (?, 0, 0, ?, ?)
		ON CONFLICT(partner_id) DO NOTHING
	`, partnerID, currency, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to ensure wallet: %w", err)
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, partnerID string) (pipeline.WalletBalance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		w         pipeline.WalletBalance
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT partner_id, available, pending, currency, updated_at
		FROM wallet_balances WHERE partner_id = ?
	`, partnerID).Scan(&w.PartnerID, &w.Available, &w.Pending, &w.Currency, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.WalletBalance{}, false, nil
	}
	if err != nil {
		return pipeline.WalletBalance{}, false, pipeline.Storage("get wallet", err)
	}
	w.UpdatedAt = parseTime(updatedAt)
	return w, true, nil
}

func (s *Store) ListPayouts(ctx context.Context, partnerID string, limit int) ([]pipeline.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT payout_id, partner_id, brand_id, conversion_id, amount, currency, status, created_at
		FROM payouts
		WHERE partner_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, partnerID, limit)
	if err != nil {
		return nil, pipeline.Storage("list payouts", err)
	}
	defer rows.Close()

	var payouts []pipeline.Payout
	for rows.Next() {
		var (
			p         pipeline.Payout
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.PartnerID, &p.BrandID, &p.ConversionID,
			&p.Amount, &p.Currency, &p.Status, &createdAt); err != nil {
			return nil, pipeline.Storage("list payouts", err)
		}
		p.CreatedAt = parseTime(createdAt)
		payouts = append(payouts, p)
	}
	return payouts, storageErr("list payouts", rows.Err())
}

var _ pipeline.Store = (*Store)(nil)
