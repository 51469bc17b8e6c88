package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the cache-tier client.
type Options struct {
	Addr     string
	Password string
	// Timeout bounds every read and write. A timed-out call surfaces as an
	// error so callers fall back instead of passing silently.
	Timeout time.Duration
}

// New creates a new Redis client. The ping error is returned alongside the
// client so callers can decide whether an unreachable cache is fatal.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   -1,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return client, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}
