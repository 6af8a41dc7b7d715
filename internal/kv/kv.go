// Package kv constructs the shared Redis client backing presence, queues,
// invite codes, and pub/sub fan-out.
package kv

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

const dialTimeout = 10 * time.Second

// Config selects the Redis endpoint. URL wins when set; otherwise the
// Host/Port/Password triple is used.
type Config struct {
	URL      string
	Host     string
	Port     string
	Password string
}

// NewClient builds a Redis client and verifies connectivity with a ping.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func options(cfg Config) (*redis.Options, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts.DialTimeout = dialTimeout
		return opts, nil
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == "" {
		port = "6379"
	}
	return &redis.Options{
		Addr:        net.JoinHostPort(host, port),
		Password:    cfg.Password,
		DialTimeout: dialTimeout,
	}, nil
}
