package store

import (
	"context"
	"time"
)

const defaultDeliveryTTL = 24 * time.Hour

// DeliveryCache remembers provider deliveries that already reached a final outcome so that
// redelivered webhooks can be answered without touching the database. It is never the source
// of truth: a miss or a Redis error always falls through to the ledger.
type DeliveryCache struct {
	client *RedisClient
	ttl    time.Duration
}

func NewDeliveryCache(client *RedisClient, ttl time.Duration) *DeliveryCache {
	if ttl <= 0 {
		ttl = defaultDeliveryTTL
	}
	return &DeliveryCache{client: client, ttl: ttl}
}

func (c *DeliveryCache) key(provider, externalRef string) string {
	return c.client.generateKey("delivery", provider, externalRef)
}

func (c *DeliveryCache) Seen(ctx context.Context, provider, externalRef string) (bool, error) {
	return c.client.Exists(ctx, c.key(provider, externalRef))
}

func (c *DeliveryCache) Remember(ctx context.Context, provider, externalRef string) error {
	_, err := c.client.SetNX(ctx, c.key(provider, externalRef), time.Now().UTC().Format(time.RFC3339), c.ttl)
	return err
}
