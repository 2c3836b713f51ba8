/*
handlers.go - HTTP API handlers for the payout engine

PURPOSE:
  Exposes attribution, ingestion, validation and the catalog over REST.
  Handlers parse the request, call the pipeline or catalog service and
  serialize the result. No business rule lives here.

ENDPOINTS:
  Public:
    GET    /health                            Liveness + DB ping
    GET    /offers                            Active offers, newest first
    GET    /o/{offer_id}                      One active offer
    GET    /b/{brand_id}                      One brand
    GET    /t/{attribution_key}               Record click, 302 to landing page
    POST   /e/lead                            Record lead
    POST   /e/conversion                      Record conversion
    POST   /webhooks/brand/{brand_id}         Brand-reported lead/conversion

  Authenticated (/app, bearer JWT):
    POST   /app/brands                        Create brand (owner = caller)
    POST   /app/partners                      Create partner (owner = caller)
    POST   /app/offers                        Create offer
    POST   /app/joins                         Join offer, returns tracking link
    POST   /app/joins/{join_id}/approve       pending -> active
    POST   /app/joins/{join_id}/revoke        -> revoked
    POST   /app/conversions/{id}/validate     Decide a pending conversion
    GET    /app/partners/{id}/balance         Wallet balance
    GET    /app/partners/{id}/payouts         Payout history (newest 200)

IDEMPOTENCY:
  Lead, conversion and webhook ingestion honour Idempotency-Key (or
  X-Idempotency-Key), scoped to the link or brand. Without one, and always
  for clicks, a key is derived from the payload. A new event answers 201,
  a duplicate 200 with the original ids and "duplicate": true.

ERROR HANDLING:
  Errors are returned as {"error": kind, "details": ...}; see respond.go
  for the kind -> status mapping.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/matchpay/payout-engine/auth"
	"github.com/matchpay/payout-engine/catalog"
	"github.com/matchpay/payout-engine/metrics"
	"github.com/matchpay/payout-engine/pipeline"
	"github.com/matchpay/payout-engine/ratelimit"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "MatchPay"

// FallbackLandingURL is used when an offer has no landing page.
const FallbackLandingURL = "https://example.com"

const healthTimeout = 2 * time.Second

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Policies are the rate limits applied per ingestion route.
type Policies struct {
	Click      ratelimit.Policy
	Lead       ratelimit.Policy
	Conversion ratelimit.Policy
	Webhook    ratelimit.Policy
}

// DefaultPolicies returns the built-in per-route limits.
func DefaultPolicies() Policies {
	return Policies{
		Click:      ratelimit.ClickPolicy,
		Lead:       ratelimit.LeadPolicy,
		Conversion: ratelimit.ConversionPolicy,
		Webhook:    ratelimit.WebhookPolicy,
	}
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Pipeline *pipeline.Service
	Catalog  *catalog.Service
	Verifier auth.Verifier
	Limiter  ratelimit.Limiter
	Policies Policies
	Metrics  *metrics.Metrics

	// Resetter backs the demo scenario loader. Nil disables it.
	Resetter catalog.Resetter

	// DB is pinged by /health. Nil reports healthy without a check.
	DB Pinger

	Now func() time.Time
}

// NewHandler creates a handler with default rate-limit policies.
func NewHandler(p *pipeline.Service, c *catalog.Service, v auth.Verifier, l ratelimit.Limiter) *Handler {
	return &Handler{
		Pipeline: p,
		Catalog:  c,
		Verifier: v,
		Limiter:  l,
		Policies: DefaultPolicies(),
		Now:      time.Now,
	}
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// Health reports liveness and database reachability.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{OK: true, Name: ServiceName, TS: h.now().UnixMilli()}
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := h.DB.Ping(ctx); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("health check: database unreachable")
			resp.OK = false
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// INGESTION HANDLERS
// =============================================================================

func idempotencyHeader(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("Idempotency-Key")); k != "" {
		return k
	}
	return strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
}

// ingest runs an occurrence through the pipeline and records the outcome.
func (h *Handler) ingest(ctx context.Context, occ pipeline.Occurrence) (pipeline.IngestResult, error) {
	res, err := h.Pipeline.Ingest(ctx, occ)
	outcome := "created"
	switch {
	case err != nil:
		outcome = "rejected"
	case res.Duplicate:
		outcome = "duplicate"
	}
	h.Metrics.ObserveOccurrence(string(occ.Kind), string(occ.Source), outcome)
	return res, err
}

func writeIngest(w http.ResponseWriter, res pipeline.IngestResult) {
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, IngestResponse{
		OK:           true,
		EventID:      res.EventID,
		ConversionID: res.ConversionID,
		Duplicate:    res.Duplicate,
	})
}

// TrackClick records a click and redirects to the offer's landing page.
// GET /t/{attribution_key}
func (h *Handler) TrackClick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.ingest(ctx, pipeline.Occurrence{
		Kind:           pipeline.EventClick,
		Source:         pipeline.SourceTracking,
		AttributionKey: chi.URLParam(r, "attribution_key"),
		ClientIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	target := FallbackLandingURL
	if terms, err := h.Pipeline.Catalog.OfferTerms(ctx, res.OfferID); err == nil && terms.LandingURL != "" {
		target = terms.LandingURL
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// SubmitLead records a lead.
// POST /e/lead
func (h *Handler) SubmitLead(w http.ResponseWriter, r *http.Request) {
	var req LeadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.ingest(r.Context(), pipeline.Occurrence{
		Kind:           pipeline.EventLead,
		Source:         pipeline.SourceAPI,
		AttributionKey: req.AttributionKey,
		IdempotencyKey: idempotencyHeader(r),
		ClientIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
		ExternalID:     req.ExternalID,
		Email:          req.Email,
		Phone:          req.Phone,
		Meta:           req.Meta,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeIngest(w, res)
}

// SubmitConversion records a conversion.
// POST /e/conversion
func (h *Handler) SubmitConversion(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.ingest(r.Context(), pipeline.Occurrence{
		Kind:           pipeline.EventConversion,
		Source:         pipeline.SourceAPI,
		AttributionKey: req.AttributionKey,
		IdempotencyKey: idempotencyHeader(r),
		ClientIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
		ExternalID:     req.ExternalID,
		Value:          req.Value,
		Currency:       req.Currency,
		Meta:           req.Meta,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeIngest(w, res)
}

// BrandWebhook records a lead or conversion reported by a brand. The
// attribution key must belong to one of the brand's offers.
// POST /webhooks/brand/{brand_id}
//
// TODO: verify an HMAC signature header once brands have webhook secrets.
func (h *Handler) BrandWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	kind := pipeline.EventType(req.EventType)
	if kind != pipeline.EventLead && kind != pipeline.EventConversion {
		writeError(w, r, pipeline.Invalid("event_type", "must be lead or conversion"))
		return
	}
	res, err := h.ingest(r.Context(), pipeline.Occurrence{
		Kind:           kind,
		Source:         pipeline.SourceWebhook,
		AttributionKey: req.AttributionKey,
		BrandID:        chi.URLParam(r, "brand_id"),
		IdempotencyKey: idempotencyHeader(r),
		ClientIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
		ExternalID:     req.ExternalID,
		Value:          req.Value,
		Currency:       req.Currency,
		Meta:           req.Meta,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeIngest(w, res)
}

// =============================================================================
// CONVERSION & WALLET HANDLERS
// =============================================================================

// ValidateConversion decides a pending conversion.
// POST /app/conversions/{conversion_id}/validate
func (h *Handler) ValidateConversion(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, _ := auth.FromContext(r.Context())

	decision := pipeline.Decision(req.Status)
	res, err := h.Pipeline.Validate(r.Context(), pipeline.ValidateInput{
		ConversionID: chi.URLParam(r, "conversion_id"),
		Decision:     decision,
		Reason:       req.Reason,
		ActorID:      id.SubjectID,
	})
	if err != nil {
		outcome := "failed"
		if pipeline.KindOf(err) == pipeline.KindConflict {
			outcome = "conflict"
		}
		h.Metrics.ObserveDecision(string(decision), outcome)
		writeError(w, r, err)
		return
	}
	h.Metrics.ObserveDecision(string(decision), "applied")
	h.Metrics.ObservePayout(res.Currency, res.Amount)

	resp := ValidateResponse{
		OK:           true,
		ConversionID: res.ConversionID,
		Status:       string(res.Status),
		PayoutID:     res.PayoutID,
		Amount:       res.Amount,
		Currency:     res.Currency,
		Reason:       res.Reason,
	}
	if res.Status == pipeline.ConversionValid {
		resp.DisplayAmount = pipeline.FormatMinor(res.Amount, res.Currency)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBalance returns a partner's wallet. Partners without a wallet read as
// zero USD.
// GET /app/partners/{partner_id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	wb, err := h.Pipeline.GetWalletBalance(r.Context(), chi.URLParam(r, "partner_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := BalanceResponse{
		PartnerID:        wb.PartnerID,
		Available:        wb.Available,
		Pending:          wb.Pending,
		Currency:         wb.Currency,
		DisplayAvailable: pipeline.FormatMinor(wb.Available, wb.Currency),
	}
	if !wb.UpdatedAt.IsZero() {
		resp.UpdatedAt = &wb.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPayouts returns a partner's payouts, newest first.
// GET /app/partners/{partner_id}/payouts
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := h.Pipeline.ListPayouts(r.Context(), chi.URLParam(r, "partner_id"), pipeline.MaxPayoutPage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PayoutListResponse{Payouts: toPayoutDTOs(payouts)})
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListOffers returns active offers.
// GET /offers
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.Catalog.ListActiveOffers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OfferListResponse{Offers: toOfferDTOs(offers)})
}

// GET /o/{offer_id}
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.Catalog.GetOffer(r.Context(), chi.URLParam(r, "offer_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferDTO(o))
}

// GET /b/{brand_id}
func (h *Handler) GetBrand(w http.ResponseWriter, r *http.Request) {
	b, err := h.Catalog.GetBrand(r.Context(), chi.URLParam(r, "brand_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBrandDTO(b))
}

// POST /app/brands
func (h *Handler) CreateBrand(w http.ResponseWriter, r *http.Request) {
	var req CreateBrandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, _ := auth.FromContext(r.Context())
	b, err := h.Catalog.CreateBrand(r.Context(), catalog.BrandInput{
		OwnerUserID:   id.SubjectID,
		Name:          req.Name,
		Website:       req.Website,
		PayoutSLADays: req.PayoutSLADays,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBrandDTO(b))
}

// POST /app/partners
func (h *Handler) CreatePartner(w http.ResponseWriter, r *http.Request) {
	var req CreatePartnerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, _ := auth.FromContext(r.Context())
	p, err := h.Catalog.CreatePartner(r.Context(), catalog.PartnerInput{
		OwnerUserID: id.SubjectID,
		DisplayName: req.DisplayName,
		NicheTags:   req.NicheTags,
		Channels:    req.Channels,
		Country:     req.Country,
		Language:    req.Language,
		Methods:     req.Methods,
		Portfolio:   req.Portfolio,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPartnerDTO(p))
}

// POST /app/offers
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req CreateOfferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rules := req.ValidationRules
	if rules.IsNull() {
		rules = pipeline.ObjectValue(nil)
	}
	o, err := h.Catalog.CreateOffer(r.Context(), catalog.OfferInput{
		BrandID:               req.BrandID,
		Name:                  req.Name,
		ConversionType:        catalog.ConversionType(req.ConversionType),
		PayoutType:            pipeline.PayoutType(req.PayoutType),
		PayoutAmount:          req.PayoutAmount,
		Currency:              req.Currency,
		ValidationRules:       rules,
		Assets:                req.Assets,
		LandingURL:            req.LandingURL,
		AllowedChannels:       req.AllowedChannels,
		Geo:                   req.Geo,
		AttributionWindowDays: req.AttributionWindowDays,
		JoinMode:              catalog.JoinMode(req.JoinMode),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOfferDTO(o))
}

// POST /app/joins
func (h *Handler) JoinOffer(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Catalog.JoinOffer(r.Context(), catalog.JoinInput{
		OfferID:    req.OfferID,
		PartnerID:  req.PartnerID,
		CouponCode: req.CouponCode,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJoinDTO(res.Join, res.TrackingLink))
}

// POST /app/joins/{join_id}/approve
func (h *Handler) ApproveJoin(w http.ResponseWriter, r *http.Request) {
	j, err := h.Catalog.ApproveJoin(r.Context(), chi.URLParam(r, "join_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJoinDTO(j, h.Catalog.TrackingLink(j.AttributionKey)))
}

// POST /app/joins/{join_id}/revoke
func (h *Handler) RevokeJoin(w http.ResponseWriter, r *http.Request) {
	j, err := h.Catalog.RevokeJoin(r.Context(), chi.URLParam(r, "join_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJoinDTO(j, ""))
}
