package session

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paperlens/internal/redis"
)

const invalidateChannel = "paperlens:session:invalidate"

const (
	ScopeHistory = "history" // history changed elsewhere, rebuild from the database
	ScopeDeleted = "deleted"
)

type invalidateMessage struct {
	SessionID string `json:"session_id"`
	Scope     string `json:"scope"`
	Origin    string `json:"origin"`
}

// Invalidator tells other instances to drop their copy of a session.
// With a disabled redis client every call is a no-op.
type Invalidator struct {
	client   *redis.Client
	registry *Registry
	origin   string
	logger   zerolog.Logger
}

func NewInvalidator(client *redis.Client, registry *Registry, logger zerolog.Logger) *Invalidator {
	return &Invalidator{
		client:   client,
		registry: registry,
		origin:   uuid.NewString(),
		logger:   logger.With().Str("component", "invalidation").Logger(),
	}
}

// Publish broadcasts that sessionID changed.
func (i *Invalidator) Publish(ctx context.Context, sessionID, scope string) {
	if i == nil || !i.client.Enabled() {
		return
	}
	payload, err := json.Marshal(invalidateMessage{SessionID: sessionID, Scope: scope, Origin: i.origin})
	if err != nil {
		i.logger.Error().Err(err).Msg("marshal invalidation")
		return
	}
	if err := i.client.Publish(ctx, invalidateChannel, payload); err != nil {
		i.logger.Warn().Err(err).Str("session_id", sessionID).Msg("publish invalidation failed")
	}
}

// Listen evicts sessions announced by other instances until ctx ends.
// It returns once the subscription is established.
func (i *Invalidator) Listen(ctx context.Context) error {
	if i == nil || !i.client.Enabled() {
		return nil
	}
	pubsub, err := i.client.Subscribe(ctx, invalidateChannel)
	if err != nil {
		return err
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					i.logger.Warn().Err(err).Msg("invalidation decode failed")
					continue
				}
				if inv.Origin == i.origin || inv.SessionID == "" {
					continue
				}
				i.registry.Evict(inv.SessionID)
				i.logger.Debug().Str("session_id", inv.SessionID).Str("scope", inv.Scope).Msg("session invalidated remotely")
			}
		}
	}()
	return nil
}
