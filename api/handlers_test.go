package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchpay/payout-engine/auth"
	"github.com/matchpay/payout-engine/catalog"
	"github.com/matchpay/payout-engine/metrics"
	"github.com/matchpay/payout-engine/pipeline"
	"github.com/matchpay/payout-engine/ratelimit"
	"github.com/matchpay/payout-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testEnv struct {
	t        *testing.T
	store    *sqlite.Store
	handler  *Handler
	router   http.Handler
	verifier *auth.JWTVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	verifier, err := auth.NewJWTVerifier("test-secret", "matchpay")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	h := NewHandler(
		pipeline.NewService(store, store, store),
		catalog.NewService(store, "https://go.matchpay.test"),
		verifier,
		ratelimit.NewMemory(),
	)
	h.Metrics = metrics.New(reg)
	h.Resetter = store
	h.DB = store

	router := NewRouter(h, RouterConfig{
		Logger:         zerolog.Nop(),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return &testEnv{t: t, store: store, handler: h, router: router, verifier: verifier}
}

func (e *testEnv) token(subject string, role auth.Role) string {
	e.t.Helper()
	tok, err := e.verifier.Issue(subject, role, time.Hour, time.Now())
	require.NoError(e.t, err)
	return tok
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(e.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) app(method, path string, body any) *httptest.ResponseRecorder {
	return e.do(method, path, body, map[string]string{"Authorization": "Bearer " + e.token("user-1", auth.RoleBrand)})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type seeded struct {
	brandID   string
	partnerID string
	offerID   string
	key       string
}

// seed creates a brand, a $25 fixed offer and a partner joined to it.
func (e *testEnv) seed(payoutType pipeline.PayoutType) seeded {
	e.t.Helper()
	ctx := context.Background()
	cat := e.handler.Catalog

	b, err := cat.CreateBrand(ctx, catalog.BrandInput{OwnerUserID: "user-1", Name: "Acme"})
	require.NoError(e.t, err)
	p, err := cat.CreatePartner(ctx, catalog.PartnerInput{OwnerUserID: "user-2"})
	require.NoError(e.t, err)
	o, err := cat.CreateOffer(ctx, catalog.OfferInput{
		BrandID: b.ID, Name: "Spring Sale", ConversionType: catalog.ConversionSale,
		PayoutType: payoutType, PayoutAmount: 2500, ValidationRules: pipeline.ObjectValue(nil),
		LandingURL: "https://acme.example.com/spring",
	})
	require.NoError(e.t, err)
	j, err := cat.JoinOffer(ctx, catalog.JoinInput{OfferID: o.ID, PartnerID: p.ID})
	require.NoError(e.t, err)
	return seeded{brandID: b.ID, partnerID: p.ID, offerID: o.ID, key: j.Join.AttributionKey}
}

// =============================================================================
// END TO END
// =============================================================================

func TestEndToEnd_JoinClickLeadValidate(t *testing.T) {
	// GIVEN: A brand, partner and offer created through the API
	// WHEN: The partner joins, a click and a lead arrive, the lead is validated
	// THEN: The wallet holds the offer payout and the payout is listed

	env := newTestEnv(t)

	rec := env.app("POST", "/app/brands", CreateBrandRequest{Name: "Acme", Website: "https://acme.example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	brand := decode[BrandDTO](t, rec)
	assert.Equal(t, "user-1", brand.OwnerUserID)
	assert.Equal(t, 14, brand.PayoutSLADays)

	rec = env.app("POST", "/app/partners", CreatePartnerRequest{DisplayName: "Deals Blog", Channels: []string{"blog"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	partner := decode[PartnerDTO](t, rec)

	rec = env.app("POST", "/app/offers", map[string]any{
		"brand_id": brand.ID, "name": "Spring Sale", "conversion_type": "sale",
		"payout_type": "fixed", "payout_amount": 2500, "landing_url": "https://acme.example.com/spring",
		"validation_rules": map[string]any{"min_order": 20},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	offer := decode[OfferDTO](t, rec)
	assert.Equal(t, "25.00", offer.DisplayPayout)

	rec = env.app("POST", "/app/joins", JoinRequest{OfferID: offer.ID, PartnerID: partner.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	join := decode[JoinDTO](t, rec)
	assert.Equal(t, "active", join.Status)
	assert.Equal(t, "https://go.matchpay.test/t/"+join.AttributionKey, join.TrackingLink)

	// Click
	rec = env.do("GET", "/t/"+join.AttributionKey, nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://acme.example.com/spring", rec.Header().Get("Location"))

	// Lead, then the same lead again
	lead := LeadRequest{AttributionKey: join.AttributionKey, ExternalID: "crm-1", Email: "a@example.com"}
	rec = env.do("POST", "/e/lead", lead, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[IngestResponse](t, rec)
	assert.False(t, first.Duplicate)
	require.NotEmpty(t, first.ConversionID)

	rec = env.do("POST", "/e/lead", lead, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[IngestResponse](t, rec)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, first.ConversionID, second.ConversionID)

	// Validate
	path := "/app/conversions/" + first.ConversionID + "/validate"
	rec = env.app("POST", path, ValidateRequest{Status: "valid"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	vr := decode[ValidateResponse](t, rec)
	assert.Equal(t, "valid", vr.Status)
	assert.Equal(t, int64(2500), vr.Amount)
	assert.Equal(t, "USD", vr.Currency)
	assert.Equal(t, "25.00", vr.DisplayAmount)
	assert.NotEmpty(t, vr.PayoutID)

	rec = env.app("POST", path, ValidateRequest{Status: "invalid"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_processed", decode[ErrorResponse](t, rec).Error)

	// Wallet and payouts
	rec = env.app("GET", "/app/partners/"+partner.ID+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[BalanceResponse](t, rec)
	assert.Equal(t, int64(2500), bal.Available)
	assert.Equal(t, "25.00", bal.DisplayAvailable)

	rec = env.app("GET", "/app/partners/"+partner.ID+"/payouts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payouts := decode[PayoutListResponse](t, rec).Payouts
	require.Len(t, payouts, 1)
	assert.Equal(t, vr.PayoutID, payouts[0].ID)
	assert.Equal(t, first.ConversionID, payouts[0].ConversionID)

	// Metrics were recorded along the way.
	rec = env.do("GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `matchpay_occurrences_total{kind="lead",outcome="duplicate",source="api"} 1`)
	assert.Contains(t, rec.Body.String(), `matchpay_payout_minor_units_total{currency="USD"} 2500`)
}

// =============================================================================
// INGESTION
// =============================================================================

func TestConversion_HeaderKeyWins(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(pipeline.PayoutFixed)
	hdr := map[string]string{"Idempotency-Key": "order-77"}

	rec := env.do("POST", "/e/conversion", map[string]any{"attribution_key": s.key, "external_id": "o-1", "value": "49.90", "currency": "usd"}, hdr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[IngestResponse](t, rec)

	rec = env.do("POST", "/e/conversion", map[string]any{"attribution_key": s.key, "external_id": "o-2", "value": 10}, hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.EventID, decode[IngestResponse](t, rec).EventID)
}

func TestIngest_Rejections(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(pipeline.PayoutFixed)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		kind   string
	}{
		{"unknown key", "/e/lead", LeadRequest{AttributionKey: "nope"}, http.StatusNotFound, "invalid_attribution_key"},
		{"missing key", "/e/lead", LeadRequest{}, http.StatusBadRequest, "validation_error"},
		{"bad email", "/e/lead", LeadRequest{AttributionKey: s.key, Email: "not-an-email"}, http.StatusBadRequest, "validation_error"},
		{"malformed json", "/e/conversion", `{"attribution_key":`, http.StatusBadRequest, "validation_error"},
		{"bad currency", "/e/conversion", map[string]any{"attribution_key": s.key, "currency": "dollars"}, http.StatusBadRequest, "validation_error"},
		{"meta not object", "/e/lead", map[string]any{"attribution_key": s.key, "meta": []int{1}}, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("POST", tt.path, tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decode[ErrorResponse](t, rec).Error)
		})
	}

	rec := env.do("GET", "/t/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClick_RevokedKeyStopsAttributing(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(pipeline.PayoutFixed)

	rec := env.do("GET", "/t/"+s.key, nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)

	attr, err := env.store.LookupAttribution(context.Background(), s.key)
	require.NoError(t, err)
	rec = env.app("POST", "/app/joins/"+attr.JoinID+"/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "revoked", decode[JoinDTO](t, rec).Status)

	rec = env.do("GET", "/t/"+s.key, nil, map[string]string{"CF-Connecting-IP": "198.51.100.7"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_BrandCheck(t *testing.T) {
	// GIVEN: An offer owned by brand A and a second brand B
	// WHEN: B posts a webhook with A's attribution key
	// THEN: 403 brand_mismatch; A's own webhook is accepted

	env := newTestEnv(t)
	s := env.seed(pipeline.PayoutFixed)
	other, err := env.handler.Catalog.CreateBrand(context.Background(), catalog.BrandInput{OwnerUserID: "user-9", Name: "Globex"})
	require.NoError(t, err)

	body := WebhookRequest{EventType: "conversion", AttributionKey: s.key, ExternalID: "ord-1"}

	rec := env.do("POST", "/webhooks/brand/"+other.ID, body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "brand_mismatch", decode[ErrorResponse](t, rec).Error)

	rec = env.do("POST", "/webhooks/brand/"+s.brandID, body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[IngestResponse](t, rec).ConversionID)

	rec = env.do("POST", "/webhooks/brand/"+s.brandID, WebhookRequest{EventType: "click", AttributionKey: s.key}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_SameHeaderDifferentBrands(t *testing.T) {
	// GIVEN: Two brands, each with a joined offer
	// WHEN: Both post a webhook with Idempotency-Key "order-1"
	// THEN: Each gets its own conversion

	env := newTestEnv(t)
	a := env.seed(pipeline.PayoutFixed)
	b := env.seed(pipeline.PayoutFixed)
	hdr := map[string]string{"Idempotency-Key": "order-1"}

	rec := env.do("POST", "/webhooks/brand/"+a.brandID, WebhookRequest{EventType: "conversion", AttributionKey: a.key, ExternalID: "a-1"}, hdr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[IngestResponse](t, rec)

	rec = env.do("POST", "/webhooks/brand/"+b.brandID, WebhookRequest{EventType: "conversion", AttributionKey: b.key, ExternalID: "b-1"}, hdr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decode[IngestResponse](t, rec)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.ConversionID, second.ConversionID)

	// The first brand retrying its own key is still collapsed.
	rec = env.do("POST", "/webhooks/brand/"+a.brandID, WebhookRequest{EventType: "conversion", AttributionKey: a.key, ExternalID: "a-1"}, hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ConversionID, decode[IngestResponse](t, rec).ConversionID)
}

func TestClick_HeaderDoesNotMergeVisitors(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(pipeline.PayoutFixed)

	for _, ip := range []string{"1.1.1.1", "2.2.2.2"} {
		rec := env.do("GET", "/t/"+s.key, nil, map[string]string{"Idempotency-Key": "fixed", "CF-Connecting-IP": ip})
		require.Equal(t, http.StatusFound, rec.Code)
	}

	n, err := env.store.CountEvents(context.Background(), s.key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRateLimit_Lead(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(pipeline.PayoutFixed)
	env.handler.Policies.Lead = ratelimit.Policy{Name: "lead", Limit: 2, Window: time.Minute}
	env.router = NewRouter(env.handler, RouterConfig{Logger: zerolog.Nop()})

	for i := 0; i < 2; i++ {
		rec := env.do("POST", "/e/lead", LeadRequest{AttributionKey: s.key, ExternalID: string(rune('a' + i))}, nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := env.do("POST", "/e/lead", LeadRequest{AttributionKey: s.key, ExternalID: "c"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, rec).Error)

	// A different client has its own budget.
	rec = env.do("POST", "/e/lead", LeadRequest{AttributionKey: s.key, ExternalID: "d"}, map[string]string{"CF-Connecting-IP": "203.0.113.50"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

// =============================================================================
// VALIDATION & AUTH
// =============================================================================

func TestApp_RequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("POST", "/app/brands", CreateBrandRequest{Name: "Acme"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[ErrorResponse](t, rec).Error)

	rec = env.do("POST", "/app/brands", CreateBrandRequest{Name: "Acme"}, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidate_Errors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.app("POST", "/app/conversions/missing/validate", ValidateRequest{Status: "valid"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s := env.seed(pipeline.PayoutFixed)
	rec = env.do("POST", "/e/lead", LeadRequest{AttributionKey: s.key, ExternalID: "x"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	convID := decode[IngestResponse](t, rec).ConversionID

	rec = env.app("POST", "/app/conversions/"+convID+"/validate", ValidateRequest{Status: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "status", decode[ErrorResponse](t, rec).Field)

	rec = env.app("POST", "/app/conversions/"+convID+"/validate", ValidateRequest{Status: "invalid", Reason: "duplicate order"})
	require.Equal(t, http.StatusOK, rec.Code)
	vr := decode[ValidateResponse](t, rec)
	assert.Equal(t, "invalid", vr.Status)
	assert.Equal(t, "duplicate order", vr.Reason)
	assert.Zero(t, vr.Amount)
}

func TestValidate_PercentOfferIsUnprocessable(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(pipeline.PayoutPercent)

	rec := env.do("POST", "/e/conversion", map[string]any{"attribution_key": s.key, "external_id": "o-1", "value": 100}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	convID := decode[IngestResponse](t, rec).ConversionID

	rec = env.app("POST", "/app/conversions/"+convID+"/validate", ValidateRequest{Status: "valid"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unsupported_payout_type", decode[ErrorResponse](t, rec).Error)

	rec = env.app("GET", "/app/partners/"+s.partnerID+"/balance", nil)
	assert.Equal(t, int64(0), decode[BalanceResponse](t, rec).Available)
}

func TestBalance_UnknownPartnerIsZero(t *testing.T) {
	env := newTestEnv(t)

	rec := env.app("GET", "/app/partners/ghost/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[BalanceResponse](t, rec)
	assert.Equal(t, int64(0), bal.Available)
	assert.Equal(t, "USD", bal.Currency)
	assert.Nil(t, bal.UpdatedAt)
}

// =============================================================================
// CATALOG & MISC
// =============================================================================

func TestPublicCatalogReads(t *testing.T) {
	env := newTestEnv(t)
	s := env.seed(pipeline.PayoutFixed)

	rec := env.do("GET", "/offers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[OfferListResponse](t, rec).Offers, 1)

	rec = env.do("GET", "/o/"+s.offerID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Spring Sale", decode[OfferDTO](t, rec).Name)

	rec = env.do("GET", "/b/"+s.brandID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("GET", "/b/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Error)
}

func TestJoinApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cat := env.handler.Catalog

	b, err := cat.CreateBrand(ctx, catalog.BrandInput{OwnerUserID: "user-1", Name: "Ledgerly"})
	require.NoError(t, err)
	p, err := cat.CreatePartner(ctx, catalog.PartnerInput{OwnerUserID: "user-2"})
	require.NoError(t, err)
	o, err := cat.CreateOffer(ctx, catalog.OfferInput{
		BrandID: b.ID, Name: "Demo", ConversionType: catalog.ConversionDemo, PayoutType: pipeline.PayoutPerEvent,
		PayoutAmount: 100, ValidationRules: pipeline.ObjectValue(nil), JoinMode: catalog.JoinApproval,
	})
	require.NoError(t, err)

	rec := env.app("POST", "/app/joins", JoinRequest{OfferID: o.ID, PartnerID: p.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	join := decode[JoinDTO](t, rec)
	assert.Equal(t, "pending", join.Status)

	// Pending keys attribute.
	rec = env.do("GET", "/t/"+join.AttributionKey, nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, FallbackLandingURL, rec.Header().Get("Location"))

	rec = env.app("POST", "/app/joins/"+join.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode[JoinDTO](t, rec).Status)

	rec = env.app("POST", "/app/joins/"+join.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestScenarios(t *testing.T) {
	env := newTestEnv(t)

	rec := env.app("GET", "/app/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.app("POST", "/app/scenarios/load", LoadScenarioRequest{ScenarioID: "single-brand"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "brand users cannot reset the database")

	admin := map[string]string{"Authorization": "Bearer " + env.token("ops", auth.RoleAdmin)}
	rec = env.do("POST", "/app/scenarios/load", LoadScenarioRequest{ScenarioID: "single-brand"}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sc := decode[ScenarioResponse](t, rec)
	require.Len(t, sc.Joins, 1)

	rec = env.do("GET", "/t/"+sc.Joins[0].AttributionKey, nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	env.handler.Now = func() time.Time { return time.UnixMilli(1_700_000_000_123) }

	rec := env.do("GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[HealthResponse](t, rec)
	assert.True(t, h.OK)
	assert.Equal(t, "MatchPay", h.Name)
	assert.Equal(t, int64(1_700_000_000_123), h.TS)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHealth_DatabaseDown(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Close())

	rec := env.do("GET", "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, decode[HealthResponse](t, rec).OK)
}
