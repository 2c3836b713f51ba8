package api

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/matchpay/payout-engine/auth"
	"github.com/matchpay/payout-engine/pipeline"
	"github.com/matchpay/payout-engine/ratelimit"
)

// RequireIdentity rejects requests without a valid bearer token and stores
// the verified identity in the request context.
func (h *Handler) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		id, err := h.Verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("subject_id", id.SubjectID)
		})
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// RateLimit applies policy to the key produced by keyFn. Limiter failures
// let the request through.
func (h *Handler) RateLimit(policy ratelimit.Policy, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.Limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := policy.Key(keyFn(r))
			ok, err := h.Limiter.Allow(r.Context(), key, policy.Limit, policy.Window)
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Str("policy", policy.Name).Msg("rate limiter unavailable, allowing request")
			}
			if !ok {
				h.Metrics.ObserveRateLimited(policy.Name)
				hlog.FromRequest(r).Warn().Str("policy", policy.Name).Str("key", key).Msg("rate limited")
				writeError(w, r, pipeline.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// byClientIP keys rate limits by the caller's address.
func byClientIP(r *http.Request) string {
	return clientIP(r)
}

// byBrand keys webhook rate limits by the brand in the path.
func byBrand(r *http.Request) string {
	return chi.URLParam(r, "brand_id")
}

// clientIP prefers the CDN-provided address, then RemoteAddr (already
// rewritten by middleware.RealIP).
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// instrument records request latency by route pattern.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.Metrics.ObserveHTTP(r.Method, route, status, time.Since(start))
	})
}
