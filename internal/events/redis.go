package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Channel carries key pool events between API and worker instances
const Channel = "aiverse:keys:events"

// RedisBus publishes locally and to Redis, and relays events published by
// other instances to its local subscribers.
type RedisBus struct {
	*Bus
	client *redis.Client
	origin string
}

func NewRedisBus(client *redis.Client, local *Bus) *RedisBus {
	return &RedisBus{
		Bus:    local,
		client: client,
		origin: uuid.NewString(),
	}
}

func (r *RedisBus) Publish(e Event) {
	e.Origin = r.origin
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.Bus.Publish(e)

	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode key event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, Channel, data).Err(); err != nil {
		log.Warn().Err(err).Str("type", string(e.Type)).Msg("Failed to publish key event to Redis")
	}
}

// Relay blocks until ctx is done, forwarding remote events to local
// subscribers. Events this instance published are skipped.
func (r *RedisBus) Relay(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Channel, err)
	}
	log.Info().Str("channel", Channel).Msg("Relaying key events from Redis")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				log.Warn().Err(err).Msg("Dropping malformed key event")
				continue
			}
			if e.Origin == r.origin {
				continue
			}
			r.Bus.Publish(e)
		}
	}
}
