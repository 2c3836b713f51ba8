/*
idempotency.go - Idempotency key derivation

PURPOSE:
  Every mutating occurrence carries a key. When the caller supplies none, the
  key is a deterministic composition of the occurrence's identifying fields,
  so resubmitting logically identical data lands on the same key and the
  event log's uniqueness constraint collapses it.

DERIVED KEYS:
  click:      click:{attribution_key}:{client_ip}:{unix_minute}
  lead:       lead:{attribution_key}:{external_id}:{email}:{phone}
  conversion: conv:{attribution_key}:{external_id}:{value}:{currency}
  webhook:    wh:{brand_id}:{event_type}:{external_id}:{attribution_key}

  Clicks fold in a one-minute bucket and the client address: repeated clicks
  by one visitor inside a minute collapse, distinct minutes or visitors do not.
  Clicks always derive their key; a supplied header is ignored.

SUPPLIED KEYS:
  webhook:    wh:{brand_id}:hdr:{supplied}
  api:        api:{attribution_key}:hdr:{supplied}

  Supplied keys are scoped to the caller so one brand (or partner link)
  cannot collide with another's keys in the shared unique index.
*/
package pipeline

import (
	"strconv"
	"strings"
	"time"
)

// ClickBucket is the granularity of click de-duplication.
const ClickBucket = time.Minute

// IdempotencyKey returns occ's caller-supplied key scoped to the caller, or
// derives one.
func IdempotencyKey(occ Occurrence, now time.Time) string {
	if k := strings.TrimSpace(occ.IdempotencyKey); k != "" && occ.Kind != EventClick {
		if occ.Source == SourceWebhook {
			return join("wh", occ.BrandID, "hdr", k)
		}
		return join("api", occ.AttributionKey, "hdr", k)
	}
	if occ.Source == SourceWebhook {
		return join("wh", occ.BrandID, string(occ.Kind), occ.ExternalID, occ.AttributionKey)
	}
	switch occ.Kind {
	case EventClick:
		return join("click", occ.AttributionKey, clientAddr(occ.ClientIP), strconv.FormatInt(clickBucket(now), 10))
	case EventLead:
		return join("lead", occ.AttributionKey, occ.ExternalID, occ.Email, occ.Phone)
	default:
		value := ""
		if occ.Value != nil {
			value = occ.Value.String()
		}
		return join("conv", occ.AttributionKey, occ.ExternalID, value, occ.Currency)
	}
}

func clickBucket(now time.Time) int64 {
	return now.Unix() / int64(ClickBucket/time.Second)
}

func clientAddr(ip string) string {
	if ip == "" {
		return "unknown"
	}
	return ip
}

func join(parts ...string) string {
	return strings.Join(parts, ":")
}
