package main

import (
	"context"
	"strings"

	"github.com/flowforge/flowforge/common/broadcast"
	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/redis"
)

// RedisSubscriber listens to the API server's mirrored execution
// events and forwards them to the hub
type RedisSubscriber struct {
	redis *redis.Client
	hub   *Hub
	log   *logger.Logger
}

func NewRedisSubscriber(client *redis.Client, hub *Hub, log *logger.Logger) *RedisSubscriber {
	return &RedisSubscriber{redis: client, hub: hub, log: log}
}

// Start blocks, pumping mirrored events into the hub until the
// context ends
func (s *RedisSubscriber) Start(ctx context.Context) {
	pubsub := s.redis.PSubscribe(ctx, broadcast.RedisChannelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		s.log.Error("redis subscription failed", "error", err)
		return
	}
	s.log.Info("redis subscriber started", "pattern", broadcast.RedisChannelPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("redis subscriber stopping")
			return

		case msg := <-ch:
			if msg == nil {
				continue
			}
			executionID := executionIDFromChannel(msg.Channel)
			if executionID == "" {
				s.log.Warn("unexpected channel", "channel", msg.Channel)
				continue
			}
			s.hub.broadcast <- &Event{
				ExecutionID: executionID,
				Data:        []byte(msg.Payload),
			}
		}
	}
}

// executionIDFromChannel extracts the execution ID from
// "execution:events:<id>"
func executionIDFromChannel(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "execution" || parts[1] != "events" {
		return ""
	}
	return parts[2]
}
