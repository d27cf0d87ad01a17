package lib

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RedialConfig defines how DialWithBackoff retries a failed handshake.
type RedialConfig struct {
	MaxRetries        int           // retries after the first attempt (-1 for infinite)
	InitialBackoff    time.Duration // wait before the first retry
	MaxBackoff        time.Duration // cap on the wait
	BackoffMultiplier float64       // growth per retry (e.g., 2.0)
	OnRetry           func(attempt int, err error)
}

func DefaultRedialConfig() *RedialConfig {
	return &RedialConfig{
		MaxRetries:        5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// DialWithBackoff calls ConnectContext until a handshake completes. Only
// ErrConnectionAborted (no answer from the peer) is retried; every other
// error is returned at once.
func DialWithBackoff(ctx context.Context, e *Endpoint, peer string, cfg *RedialConfig) (*Connection, error) {
	if cfg == nil {
		cfg = DefaultRedialConfig()
	}

	var lastErr error
	for attempt := 0; cfg.MaxRetries < 0 || attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := cfg.backoff(attempt - 1)
			e.logger.Info("Redialing", zap.String("peer", peer), zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		c, err := e.ConnectContext(ctx, peer)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrConnectionAborted) {
			return nil, err
		}
		lastErr = err
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}
	}
	return nil, fmt.Errorf("max redial attempts reached: %w", lastErr)
}

// backoff grows exponentially with ±10% jitter and is capped at MaxBackoff.
func (cfg *RedialConfig) backoff(retry int) time.Duration {
	backoff := time.Duration(float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(retry)))
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	jitter := time.Duration(float64(backoff) * 0.1 * (2*rand.Float64() - 1.0))
	return backoff + jitter
}
