/*
Package ratelimit provides the rate-limit policy hook used in front of the
ingestion endpoints.

PURPOSE:
  A Limiter answers one question: may one more request for key pass within
  the current window? The pipeline never calls it. The HTTP layer consults
  it before an occurrence reaches the pipeline, outside any transaction.

ALGORITHM:
  Fixed window. The window index is unix_seconds / window_seconds and the
  counter key is "rl:{key}:{index}". Counters expire two seconds after the
  window closes.

FAILURE:
  Limiters return (true, err) when their backend is unavailable. Callers log
  the error and let the request through.

IMPLEMENTATIONS:
  Memory: single-process counters (tests, local runs)
  Redis:  shared counters across instances (INCR + EXPIRE)
*/
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limiter decides whether one more request for key fits in the window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Policy is a named limit applied per key.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Default policies per ingestion route.
var (
	ClickPolicy      = Policy{Name: "click", Limit: 120, Window: time.Minute}
	LeadPolicy       = Policy{Name: "lead", Limit: 40, Window: time.Minute}
	ConversionPolicy = Policy{Name: "conversion", Limit: 60, Window: time.Minute}
	WebhookPolicy    = Policy{Name: "webhook", Limit: 300, Window: time.Minute}
)

// Key namespaces a caller key under the policy name.
func (p Policy) Key(caller string) string {
	return p.Name + ":" + caller
}

// expirySlack keeps a counter alive slightly past its window.
const expirySlack = 2 * time.Second

func bucketKey(key string, window time.Duration, now time.Time) string {
	secs := int64(window / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return fmt.Sprintf("rl:%s:%d", key, now.Unix()/secs)
}
