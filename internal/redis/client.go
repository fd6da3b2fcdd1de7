package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// SessionChannel is the pub/sub channel carrying state transitions of a session.
func SessionChannel(sessionID string) string {
	return fmt.Sprintf("wa:session:%s:events", sessionID)
}

// SessionLeaseKey guards the single live connection of a session.
func SessionLeaseKey(sessionID string) string {
	return fmt.Sprintf("wa:session:%s:lease", sessionID)
}

// SweepLockKey serializes notification sweeps across instances.
const SweepLockKey = "wa:notifications:sweep"
