// Package events publishes session state changes to the notification layer.
// The broadcast side (admin dashboards, webhooks) consumes them out of
// process; this service only produces.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapboard/session-server/internal/model"
	redisclient "github.com/zapboard/session-server/internal/redis"
)

// StateChange is one session state transition.
type StateChange struct {
	SessionID string              `json:"sessionId"`
	TenantID  int64               `json:"tenantId"`
	Status    model.SessionStatus `json:"status"`
	Phone     string              `json:"phone,omitempty"`
	At        time.Time           `json:"at"`
}

// Publisher is the sink the lifecycle controller emits into. Publishing is
// best-effort: failures are logged, never propagated into lifecycle flow.
type Publisher interface {
	SessionStateChanged(ctx context.Context, change StateChange)
}

// Broker publishes state changes to per-tenant Redis channels.
type Broker struct {
	redis *redisclient.Client
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	return &Broker{redis: redisClient}
}

func (b *Broker) SessionStateChanged(ctx context.Context, change StateChange) {
	data, err := json.Marshal(change)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal state change")
		return
	}

	channel := redisclient.SessionChannel(change.TenantID)
	if err := b.redis.Publish(ctx, channel, data).Err(); err != nil {
		log.Warn().
			Err(err).
			Str("sessionId", change.SessionID).
			Str("channel", channel).
			Msg("failed to publish state change")
	}
}

// NopPublisher discards all events. Used in tests and when Redis is absent.
type NopPublisher struct{}

func (NopPublisher) SessionStateChanged(context.Context, StateChange) {}
