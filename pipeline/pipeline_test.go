package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchpay/payout-engine/pipeline"
	"github.com/matchpay/payout-engine/pipeline/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	svc *pipeline.Service
	mem *store.Memory
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()

	mem.PutOffer(pipeline.OfferTerms{
		OfferID:      "offer-fixed",
		BrandID:      "brand-1",
		PayoutType:   pipeline.PayoutFixed,
		PayoutAmount: 500,
		Currency:     "USD",
		LandingURL:   "https://shop.example.com/landing",
	})
	mem.PutOffer(pipeline.OfferTerms{
		OfferID:      "offer-percent",
		BrandID:      "brand-1",
		PayoutType:   pipeline.PayoutPercent,
		PayoutAmount: 10,
		Currency:     "USD",
	})

	mem.PutAttribution(pipeline.AttributionRecord{Key: "key-active", JoinID: "join-1", OfferID: "offer-fixed", PartnerID: "partner-1", Status: pipeline.JoinActive})
	mem.PutAttribution(pipeline.AttributionRecord{Key: "key-pending", JoinID: "join-2", OfferID: "offer-fixed", PartnerID: "partner-2", Status: pipeline.JoinPending})
	mem.PutAttribution(pipeline.AttributionRecord{Key: "key-revoked", JoinID: "join-3", OfferID: "offer-fixed", PartnerID: "partner-3", Status: pipeline.JoinRevoked})
	mem.PutAttribution(pipeline.AttributionRecord{Key: "key-percent", JoinID: "join-4", OfferID: "offer-percent", PartnerID: "partner-1", Status: pipeline.JoinActive})

	f := &fixture{
		mem: mem,
		now: time.Date(2025, time.March, 10, 12, 0, 30, 0, time.UTC),
	}
	f.svc = pipeline.NewService(mem, mem, mem)
	f.svc.Now = func() time.Time { return f.now }
	return f
}

func lead(key string) pipeline.Occurrence {
	return pipeline.Occurrence{
		Kind:           pipeline.EventLead,
		Source:         pipeline.SourceAPI,
		AttributionKey: key,
		ClientIP:       "203.0.113.7",
		ExternalID:     "crm-42",
		Email:          "jane@example.com",
	}
}

func click(key, ip string) pipeline.Occurrence {
	return pipeline.Occurrence{
		Kind:           pipeline.EventClick,
		Source:         pipeline.SourceTracking,
		AttributionKey: key,
		ClientIP:       ip,
		UserAgent:      "test-agent",
	}
}

func (f *fixture) pendingConversion(t *testing.T) string {
	t.Helper()
	res, err := f.svc.Ingest(context.Background(), lead("key-active"))
	require.NoError(t, err)
	require.NotEmpty(t, res.ConversionID)
	return res.ConversionID
}

// =============================================================================
// IDEMPOTENT INGESTION
// =============================================================================

func TestIngest_SameLeadRepeated_OneEventOneConversion(t *testing.T) {
	// GIVEN: A lead payload with no caller-supplied idempotency key
	// WHEN: Submitted five times
	// THEN: One event, one conversion, every call returns the same conversion id

	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, lead("key-active"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "offer-fixed", first.OfferID)
	assert.Equal(t, "partner-1", first.PartnerID)

	for i := 0; i < 4; i++ {
		again, err := f.svc.Ingest(ctx, lead("key-active"))
		require.NoError(t, err, "duplicate must be a success")
		assert.True(t, again.Duplicate)
		assert.Equal(t, first.EventID, again.EventID)
		assert.Equal(t, first.ConversionID, again.ConversionID)
	}

	assert.Equal(t, 1, f.mem.EventCount())
	assert.Equal(t, 1, f.mem.ConversionCount())
	assert.Len(t, f.mem.Outbox(), 1, "duplicates publish nothing")
}

func TestIngest_ConcurrentDuplicates_OneEvent(t *testing.T) {
	// GIVEN: The same conversion submitted by 20 concurrent retries
	// THEN: Exactly one is new and all agree on the conversion id

	f := newFixture(t)
	ctx := context.Background()
	value := decimal.RequireFromString("49.90")
	occ := pipeline.Occurrence{
		Kind:           pipeline.EventConversion,
		Source:         pipeline.SourceAPI,
		AttributionKey: "key-active",
		ExternalID:     "order-7",
		Value:          &value,
		Currency:       "USD",
	}

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Ingest(ctx, occ)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !res.Duplicate {
				created++
			}
			ids[res.ConversionID] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, f.mem.EventCount())
	assert.Equal(t, 1, f.mem.ConversionCount())
}

func TestIngest_SuppliedKeyWins(t *testing.T) {
	// GIVEN: Two different leads carrying the same Idempotency-Key
	// THEN: The second is a duplicate of the first

	f := newFixture(t)
	ctx := context.Background()

	a := lead("key-active")
	a.IdempotencyKey = "client-key-1"
	b := lead("key-active")
	b.IdempotencyKey = "client-key-1"
	b.Email = "someone-else@example.com"

	first, err := f.svc.Ingest(ctx, a)
	require.NoError(t, err)
	second, err := f.svc.Ingest(ctx, b)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ConversionID, second.ConversionID)
}

func TestIngest_SuppliedWebhookKey_ScopedToBrand(t *testing.T) {
	// GIVEN: Two brands whose webhooks send the same Idempotency-Key
	// WHEN: Each reports a conversion on its own offer
	// THEN: Two conversions; a retry by the first brand is still a duplicate

	f := newFixture(t)
	ctx := context.Background()
	f.mem.PutOffer(pipeline.OfferTerms{OfferID: "offer-b2", BrandID: "brand-2", PayoutType: pipeline.PayoutFixed, PayoutAmount: 300, Currency: "USD"})
	f.mem.PutAttribution(pipeline.AttributionRecord{Key: "key-b2", JoinID: "join-9", OfferID: "offer-b2", PartnerID: "partner-9", Status: pipeline.JoinActive})

	a := pipeline.Occurrence{Kind: pipeline.EventConversion, Source: pipeline.SourceWebhook, AttributionKey: "key-active", BrandID: "brand-1", ExternalID: "a-1", IdempotencyKey: "order-1"}
	b := pipeline.Occurrence{Kind: pipeline.EventConversion, Source: pipeline.SourceWebhook, AttributionKey: "key-b2", BrandID: "brand-2", ExternalID: "b-1", IdempotencyKey: "order-1"}

	first, err := f.svc.Ingest(ctx, a)
	require.NoError(t, err)
	other, err := f.svc.Ingest(ctx, b)
	require.NoError(t, err)
	assert.False(t, other.Duplicate)
	assert.NotEqual(t, first.ConversionID, other.ConversionID)
	assert.Equal(t, "partner-9", other.PartnerID)

	retry, err := f.svc.Ingest(ctx, a)
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.ConversionID, retry.ConversionID)
	assert.Equal(t, 2, f.mem.ConversionCount())
}

func TestIngest_Click_IgnoresSuppliedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := click("key-active", "198.51.100.1")
	a.IdempotencyKey = "fixed"
	b := click("key-active", "198.51.100.2")
	b.IdempotencyKey = "fixed"

	_, err := f.svc.Ingest(ctx, a)
	require.NoError(t, err)
	res, err := f.svc.Ingest(ctx, b)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 2, f.mem.EventCount())
}

func TestIngest_Click_NoConversion(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Ingest(context.Background(), click("key-active", "198.51.100.1"))
	require.NoError(t, err)

	assert.NotEmpty(t, res.EventID)
	assert.Empty(t, res.ConversionID)
	assert.Equal(t, 0, f.mem.ConversionCount())
}

// =============================================================================
// CLICK DE-DUPLICATION WINDOW
// =============================================================================

func TestIngest_ClickWindow(t *testing.T) {
	// GIVEN: Clicks on one key from one address
	// WHEN: Two arrive inside the same minute, one in the next minute
	// THEN: Two events; a different address in the same minute adds a third

	f := newFixture(t)
	ctx := context.Background()

	f.now = time.Date(2025, time.March, 10, 12, 0, 5, 0, time.UTC)
	first, err := f.svc.Ingest(ctx, click("key-active", "198.51.100.1"))
	require.NoError(t, err)

	f.now = time.Date(2025, time.March, 10, 12, 0, 59, 0, time.UTC)
	same, err := f.svc.Ingest(ctx, click("key-active", "198.51.100.1"))
	require.NoError(t, err)
	assert.True(t, same.Duplicate)
	assert.Equal(t, first.EventID, same.EventID)
	assert.Equal(t, 1, f.mem.EventCount())

	f.now = time.Date(2025, time.March, 10, 12, 1, 0, 0, time.UTC)
	next, err := f.svc.Ingest(ctx, click("key-active", "198.51.100.1"))
	require.NoError(t, err)
	assert.False(t, next.Duplicate)
	assert.Equal(t, 2, f.mem.EventCount())

	other, err := f.svc.Ingest(ctx, click("key-active", "198.51.100.2"))
	require.NoError(t, err)
	assert.False(t, other.Duplicate)
	assert.Equal(t, 3, f.mem.EventCount())
}

// =============================================================================
// ATTRIBUTION
// =============================================================================

func TestIngest_UnknownOrRevokedKey_Rejected(t *testing.T) {
	// GIVEN: An unknown key and a key whose join was revoked
	// THEN: Both fail with ErrInvalidAttributionKey and nothing is written

	f := newFixture(t)
	ctx := context.Background()

	for _, key := range []string{"no-such-key", "key-revoked"} {
		_, err := f.svc.Ingest(ctx, lead(key))
		require.Error(t, err, key)
		assert.ErrorIs(t, err, pipeline.ErrInvalidAttributionKey)
		assert.ErrorIs(t, err, pipeline.ErrNotFound)
		assert.Equal(t, pipeline.KindInvalidAttributionKey, pipeline.KindOf(err))

		_, err = f.svc.Ingest(ctx, click(key, "198.51.100.1"))
		assert.ErrorIs(t, err, pipeline.ErrInvalidAttributionKey)
	}
	assert.Equal(t, 0, f.mem.EventCount())
	assert.Equal(t, 0, f.mem.ConversionCount())
}

func TestIngest_PendingJoin_Accepted(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Ingest(context.Background(), lead("key-pending"))
	require.NoError(t, err)
	assert.Equal(t, "partner-2", res.PartnerID)
}

func TestIngest_Webhook_BrandCheck(t *testing.T) {
	// GIVEN: A webhook for brand-1's offer
	// WHEN: Posted by brand-2
	// THEN: BrandMismatch and no event; posted by brand-1 it is recorded

	f := newFixture(t)
	ctx := context.Background()
	value := decimal.RequireFromString("120")

	occ := pipeline.Occurrence{
		Kind:           pipeline.EventConversion,
		Source:         pipeline.SourceWebhook,
		AttributionKey: "key-active",
		BrandID:        "brand-2",
		ExternalID:     "order-1",
		Value:          &value,
		Currency:       "EUR",
	}
	_, err := f.svc.Ingest(ctx, occ)
	assert.ErrorIs(t, err, pipeline.ErrBrandMismatch)
	assert.Equal(t, pipeline.KindBrandMismatch, pipeline.KindOf(err))
	assert.Equal(t, 0, f.mem.EventCount())

	occ.BrandID = "brand-1"
	res, err := f.svc.Ingest(ctx, occ)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ConversionID)

	occ.AttributionKey = "key-revoked"
	_, err = f.svc.Ingest(ctx, occ)
	assert.ErrorIs(t, err, pipeline.ErrInvalidAttributionKey)
}

func TestIngest_MalformedInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]pipeline.Occurrence{
		"missing key": {Kind: pipeline.EventLead, Source: pipeline.SourceAPI},
		"bad email":   {Kind: pipeline.EventLead, Source: pipeline.SourceAPI, AttributionKey: "key-active", Email: "not-an-email"},
		"bad kind":    {Kind: "purchase", Source: pipeline.SourceAPI, AttributionKey: "key-active"},
		"webhook click": {
			Kind: pipeline.EventClick, Source: pipeline.SourceWebhook, AttributionKey: "key-active", BrandID: "brand-1",
		},
		"meta not object": {
			Kind: pipeline.EventLead, Source: pipeline.SourceAPI, AttributionKey: "key-active",
			Meta: pipeline.StringValue("x"),
		},
	}
	for name, occ := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Ingest(ctx, occ)
			var verr *pipeline.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, pipeline.KindValidation, pipeline.KindOf(err))
		})
	}
	assert.Equal(t, 0, f.mem.EventCount())
}

// =============================================================================
// VALIDATION STATE MACHINE
// =============================================================================

func TestValidate_Valid_SettlesPayoutAndWallet(t *testing.T) {
	// GIVEN: A pending conversion on a fixed 500 USD offer
	// WHEN: Validated as valid
	// THEN: One payout of 500 and the wallet credited by exactly 500

	f := newFixture(t)
	ctx := context.Background()
	convID := f.pendingConversion(t)

	res, err := f.svc.Validate(ctx, pipeline.ValidateInput{
		ConversionID: convID,
		Decision:     pipeline.DecisionValid,
		ActorID:      "user-9",
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.ConversionValid, res.Status)
	assert.Equal(t, int64(500), res.Amount)
	assert.Equal(t, "USD", res.Currency)
	assert.NotEmpty(t, res.PayoutID)

	conv, err := f.mem.GetConversion(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ConversionValid, conv.Status)
	require.NotNil(t, conv.Amount)
	assert.Equal(t, int64(500), *conv.Amount)

	payouts, err := f.svc.ListPayouts(ctx, "partner-1", 0)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, res.PayoutID, payouts[0].ID)
	assert.Equal(t, convID, payouts[0].ConversionID)
	assert.Equal(t, "brand-1", payouts[0].BrandID)
	assert.Equal(t, pipeline.PayoutApproved, payouts[0].Status)

	wallet, err := f.svc.GetWalletBalance(ctx, "partner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), wallet.Available)
	assert.Equal(t, int64(0), wallet.Pending)
	assert.Equal(t, "USD", wallet.Currency)

	msgs := f.mem.Outbox()
	require.Len(t, msgs, 2)
	assert.Equal(t, pipeline.MessageOccurrenceRecorded, msgs[0].Type)
	assert.Equal(t, pipeline.MessageConversionValidated, msgs[1].Type)
	assert.Equal(t, "partner-1", msgs[1].Key)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &body))
	assert.Equal(t, "5.00", body["display_amount"])
}

func TestValidate_Invalid_DefaultReasonNoMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.pendingConversion(t)

	res, err := f.svc.Validate(ctx, pipeline.ValidateInput{ConversionID: convID, Decision: pipeline.DecisionInvalid})
	require.NoError(t, err)
	assert.Equal(t, pipeline.ConversionInvalid, res.Status)
	assert.Equal(t, pipeline.DefaultInvalidReason, res.Reason)

	conv, err := f.mem.GetConversion(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "invalid", conv.Reason)
	assert.Nil(t, conv.Amount)
	assert.Equal(t, 0, f.mem.PayoutCount(convID))

	_, found, err := f.mem.GetWallet(ctx, "partner-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestValidate_TerminalIsImmutable(t *testing.T) {
	// GIVEN: Conversions already decided each way
	// WHEN: Any further decision arrives
	// THEN: ErrAlreadyProcessed and no side effect

	f := newFixture(t)
	ctx := context.Background()

	validID := f.pendingConversion(t)
	_, err := f.svc.Validate(ctx, pipeline.ValidateInput{ConversionID: validID, Decision: pipeline.DecisionValid})
	require.NoError(t, err)

	other := lead("key-active")
	other.ExternalID = "crm-43"
	res, err := f.svc.Ingest(ctx, other)
	require.NoError(t, err)
	invalidID := res.ConversionID
	_, err = f.svc.Validate(ctx, pipeline.ValidateInput{ConversionID: invalidID, Decision: pipeline.DecisionInvalid, Reason: "fraud"})
	require.NoError(t, err)

	for _, id := range []string{validID, invalidID} {
		for _, d := range []pipeline.Decision{pipeline.DecisionValid, pipeline.DecisionInvalid} {
			_, err := f.svc.Validate(ctx, pipeline.ValidateInput{ConversionID: id, Decision: d})
			assert.ErrorIs(t, err, pipeline.ErrAlreadyProcessed)
			assert.Equal(t, pipeline.KindConflict, pipeline.KindOf(err))
		}
	}

	assert.Equal(t, 1, f.mem.PayoutCount(validID))
	assert.Equal(t, 0, f.mem.PayoutCount(invalidID))
	wallet, err := f.svc.GetWalletBalance(ctx, "partner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), wallet.Available)

	conv, err := f.mem.GetConversion(ctx, invalidID)
	require.NoError(t, err)
	assert.Equal(t, "fraud", conv.Reason)
}

func TestValidate_ConcurrentDecisions_ExactlyOneWins(t *testing.T) {
	// GIVEN: One pending conversion
	// WHEN: 16 valid and 16 invalid decisions race
	// THEN: Exactly one succeeds, the rest conflict, at most one payout

	f := newFixture(t)
	ctx := context.Background()
	convID := f.pendingConversion(t)

	const perSide = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      []pipeline.ValidationResult
		conflicts int
	)
	for i := 0; i < perSide*2; i++ {
		d := pipeline.DecisionValid
		if i%2 == 1 {
			d = pipeline.DecisionInvalid
		}
		wg.Add(1)
		go func(d pipeline.Decision) {
			defer wg.Done()
			res, err := f.svc.Validate(ctx, pipeline.ValidateInput{ConversionID: convID, Decision: d})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins = append(wins, res)
			case errors.Is(err, pipeline.ErrAlreadyProcessed):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(d)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	assert.Equal(t, perSide*2-1, conflicts)

	conv, err := f.mem.GetConversion(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, wins[0].Status, conv.Status)

	wallet, err := f.svc.GetWalletBalance(ctx, "partner-1")
	require.NoError(t, err)
	if wins[0].Status == pipeline.ConversionValid {
		assert.Equal(t, 1, f.mem.PayoutCount(convID))
		assert.Equal(t, int64(500), wallet.Available)
	} else {
		assert.Equal(t, 0, f.mem.PayoutCount(convID))
		assert.Equal(t, int64(0), wallet.Available)
	}
}

func TestValidate_ConcurrentSettlementsSamePartner_NoLostCredit(t *testing.T) {
	// GIVEN: Ten pending conversions for one partner
	// WHEN: All validated concurrently
	// THEN: Wallet equals the sum of payouts

	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 10; i++ {
		occ := lead("key-active")
		occ.ExternalID = "crm-" + string(rune('a'+i))
		res, err := f.svc.Ingest(ctx, occ)
		require.NoError(t, err)
		ids = append(ids, res.ConversionID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.Validate(ctx, pipeline.ValidateInput{ConversionID: id, Decision: pipeline.DecisionValid})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	payouts, err := f.svc.ListPayouts(ctx, "partner-1", 0)
	require.NoError(t, err)
	var sum int64
	for _, p := range payouts {
		sum += p.Amount
	}
	wallet, err := f.svc.GetWalletBalance(ctx, "partner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), sum)
	assert.Equal(t, sum, wallet.Available)
}

func TestValidate_PercentOffer_Unsupported(t *testing.T) {
	// GIVEN: A conversion on a percent offer
	// WHEN: Validated as valid
	// THEN: ErrUnsupportedPayoutType and the conversion stays pending

	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, lead("key-percent"))
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, pipeline.ValidateInput{ConversionID: res.ConversionID, Decision: pipeline.DecisionValid})
	assert.ErrorIs(t, err, pipeline.ErrUnsupportedPayoutType)
	assert.Equal(t, pipeline.KindUnsupportedPayoutType, pipeline.KindOf(err))

	conv, err := f.mem.GetConversion(ctx, res.ConversionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ConversionPending, conv.Status)
	assert.Equal(t, 0, f.mem.PayoutCount(res.ConversionID))

	// Rejecting it is still possible.
	_, err = f.svc.Validate(ctx, pipeline.ValidateInput{ConversionID: res.ConversionID, Decision: pipeline.DecisionInvalid})
	assert.NoError(t, err)
}

func TestValidate_UnknownConversion(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Validate(context.Background(), pipeline.ValidateInput{ConversionID: "nope", Decision: pipeline.DecisionValid})
	assert.ErrorIs(t, err, pipeline.ErrConversionNotFound)
	assert.Equal(t, pipeline.KindNotFound, pipeline.KindOf(err))
}

func TestValidate_BadDecision(t *testing.T) {
	f := newFixture(t)
	convID := f.pendingConversion(t)

	_, err := f.svc.Validate(context.Background(), pipeline.ValidateInput{ConversionID: convID, Decision: "maybe"})
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

// =============================================================================
// WALLET & PAYOUTS
// =============================================================================

func TestGetWalletBalance_NoActivity_Zero(t *testing.T) {
	f := newFixture(t)

	w, err := f.svc.GetWalletBalance(context.Background(), "partner-new")
	require.NoError(t, err)
	assert.Equal(t, "partner-new", w.PartnerID)
	assert.Equal(t, int64(0), w.Available)
	assert.Equal(t, int64(0), w.Pending)
	assert.Equal(t, "USD", w.Currency)

	_, found, err := f.mem.GetWallet(context.Background(), "partner-new")
	require.NoError(t, err)
	assert.False(t, found, "reading must not create a wallet")
}

func TestListPayouts_NewestFirstAndClamped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		occ := lead("key-active")
		occ.ExternalID = "crm-order-" + string(rune('0'+i))
		res, err := f.svc.Ingest(ctx, occ)
		require.NoError(t, err)
		ids = append(ids, res.ConversionID)
	}
	for i, id := range ids {
		f.now = f.now.Add(time.Duration(i+1) * time.Minute)
		_, err := f.svc.Validate(ctx, pipeline.ValidateInput{ConversionID: id, Decision: pipeline.DecisionValid})
		require.NoError(t, err)
	}

	all, err := f.svc.ListPayouts(ctx, "partner-1", 500)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ConversionID)
	assert.Equal(t, ids[0], all[2].ConversionID)

	one, err := f.svc.ListPayouts(ctx, "partner-1", 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, ids[2], one[0].ConversionID)
}
