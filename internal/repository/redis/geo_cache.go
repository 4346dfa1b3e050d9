package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"account-security/internal/client"
	"account-security/internal/util"
)

const geoPrefix = "geo:"

// GeoCache stores ip -> location. An empty location is a cached negative
// result and lives for negativeTTL.
type GeoCache struct {
	client      *client.RedisClient
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *zap.Logger
}

func NewGeoCache(client *client.RedisClient, ttl time.Duration, logger *zap.Logger) *GeoCache {
	negative := ttl / 24
	if negative < time.Minute {
		negative = time.Minute
	}
	return &GeoCache{
		client:      client,
		ttl:         ttl,
		negativeTTL: negative,
		logger:      logger.Named("geo_cache"),
	}
}

func geoKey(ip string) string {
	return geoPrefix + ip
}

// Get returns the cached location and whether the ip was cached at all.
func (c *GeoCache) Get(ctx context.Context, ip string) (string, bool, error) {
	location, err := c.client.Get(ctx, geoKey(ip))
	if errors.Is(err, client.ErrCacheMiss) {
		return "", false, nil
	}
	if err != nil {
		c.logger.Warn("Failed to read geo cache", util.IP(ip), zap.Error(err))
		return "", false, fmt.Errorf("failed to read geo cache: %w", err)
	}
	return location, true, nil
}

func (c *GeoCache) Put(ctx context.Context, ip, location string) error {
	ttl := c.ttl
	if location == "" {
		ttl = c.negativeTTL
	}
	if err := c.client.Set(ctx, geoKey(ip), location, ttl); err != nil {
		c.logger.Warn("Failed to write geo cache", util.IP(ip), zap.Error(err))
		return fmt.Errorf("failed to write geo cache: %w", err)
	}
	c.logger.Debug("Geo cached", util.IP(ip), zap.Duration("ttl", ttl))
	return nil
}
