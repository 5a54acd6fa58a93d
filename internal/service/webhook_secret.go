package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// webhookTolerance is the maximum clock skew accepted on signed events.
const webhookTolerance = 5 * time.Minute

// SecretCache holds one secret with an expiry, reloading through its loader
// when stale. Verification failures invalidate the cache so a rotated
// secret is picked up on the provider's retry instead of rejecting
// deliveries until the TTL runs out.
type SecretCache struct {
	mu        sync.Mutex
	value     string
	expiresAt time.Time
	ttl       time.Duration
	load      func(ctx context.Context) (string, error)
}

func NewSecretCache(ttl time.Duration, load func(ctx context.Context) (string, error)) *SecretCache {
	return &SecretCache{ttl: ttl, load: load}
}

// Get returns the cached secret, reloading it if expired.
func (c *SecretCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != "" && time.Now().Before(c.expiresAt) {
		return c.value, nil
	}
	v, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	c.value = v
	c.expiresAt = time.Now().Add(c.ttl)
	return v, nil
}

// Invalidate drops the cached value so the next Get reloads.
func (c *SecretCache) Invalidate() {
	c.mu.Lock()
	c.value = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// VerifyWebhookSignature checks a standard-webhooks style signature:
// HMAC-SHA256 over "{id}.{timestamp}.{body}", base64, carried in the
// signature header as space-separated "v1,<sig>" candidates. The timestamp
// must be within webhookTolerance of now. On a signature mismatch the
// secret cache is invalidated and verification retried once with a freshly
// loaded secret, so secret rotation does not strand deliveries.
func VerifyWebhookSignature(ctx context.Context, cache *SecretCache, id, timestamp, signature string, body []byte) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("bad webhook timestamp %q", timestamp)
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew > webhookTolerance || skew < -webhookTolerance {
		return fmt.Errorf("webhook timestamp outside tolerance (skew=%s)", skew)
	}

	for attempt := 0; attempt < 2; attempt++ {
		secret, err := cache.Get(ctx)
		if err != nil {
			return fmt.Errorf("load webhook secret: %w", err)
		}
		if matchSignature(secret, id, timestamp, signature, body) {
			return nil
		}
		cache.Invalidate()
	}
	return fmt.Errorf("webhook signature mismatch")
}

func matchSignature(secret, id, timestamp, signature string, body []byte) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, candidate := range strings.Fields(signature) {
		candidate = strings.TrimPrefix(candidate, "v1,")
		if hmac.Equal([]byte(candidate), []byte(want)) {
			return true
		}
	}
	return false
}
