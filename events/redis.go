package events

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

// DefaultChannel is the redis pub/sub channel events are published on.
const DefaultChannel = "leadpilot:events"

// RedisSink republishes events on a redis channel so other processes (the
// dashboard's realtime server) can fan them out.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Deliver(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}
