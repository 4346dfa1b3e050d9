package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Clock abstracts time for lockout expiry, TOTP windows and audit timestamps.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// GeoLookup maps an IP address to a human readable location. An empty
// result with a nil error means the location is unknown.
type GeoLookup func(ctx context.Context, ip string) (string, error)

// locator runs a GeoLookup under a timeout and never fails.
type locator struct {
	lookup  GeoLookup
	timeout time.Duration
	logger  *zap.Logger
}

func (l locator) resolve(ctx context.Context, ip string) string {
	if l.lookup == nil || ip == "" {
		return ""
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	type result struct {
		location string
		err      error
	}
	done := make(chan result, 1)
	go func() {
		location, err := l.lookup(ctx, ip)
		done <- result{location, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			l.logger.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(r.err))
			return ""
		}
		return r.location
	case <-ctx.Done():
		l.logger.Debug("geo lookup timed out", zap.String("ip", ip))
		return ""
	}
}
