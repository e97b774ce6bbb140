package cache

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/rbac"
)

// Subscriber applies invalidations published by any RedisCache to a local
// cache, keeping per-instance caches coherent
type Subscriber struct {
	client  *redis.Client
	channel string
	local   rbac.DecisionCache
	logger  *observability.Logger
}

// NewSubscriber creates a subscriber for channel
func NewSubscriber(client *redis.Client, channel string, local rbac.DecisionCache, logger *observability.Logger) *Subscriber {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Subscriber{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger.WithField("component", "cache_subscriber"),
	}
}

// Run blocks until ctx is done or the subscription closes
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.logger.Infof("listening for cache invalidations on %s", s.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.apply(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) apply(ctx context.Context, payload string) {
	if payload == InvalidateAllMessage {
		if err := s.local.InvalidateAll(ctx); err != nil {
			s.logger.WithError(err).Warn("failed to apply invalidate all")
		}
		return
	}

	principal, err := uuid.Parse(payload)
	if err != nil {
		s.logger.WithField("payload", payload).Warn("ignoring malformed invalidation message")
		return
	}
	if err := s.local.Invalidate(ctx, principal); err != nil {
		s.logger.WithError(err).Warn("failed to apply principal invalidation")
	}
}
