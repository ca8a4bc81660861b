package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"quizcast/internal/models"
	"quizcast/internal/redis"
)

const (
	relayEvent   = "event"
	relayClose   = "close"
	relayTimeout = 3 * time.Second
)

type relayMessage struct {
	Kind      string          `json:"kind"`
	SessionID int64           `json:"session_id"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// Relay routes publishes through a redis channel so every process delivers to
// its own hub. Counts are those of the local hub.
type Relay struct {
	hub     *Hub
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRelay(hub *Hub, client *redis.Client, channel string, logger zerolog.Logger) *Relay {
	return &Relay{
		hub:     hub,
		client:  client,
		channel: channel,
		log:     logger.With().Str("component", "relay").Logger(),
	}
}

func (r *Relay) Publish(sessionID int64, event models.PushEvent) (int, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode push event: %w", err)
	}
	if err := r.publish(relayMessage{Kind: relayEvent, SessionID: sessionID, Event: payload}); err != nil {
		return 0, err
	}
	return r.hub.RecipientCount(sessionID), nil
}

func (r *Relay) RecipientCount(sessionID int64) int {
	return r.hub.RecipientCount(sessionID)
}

// CloseSession closes local subscribers and asks every other process to do the same.
func (r *Relay) CloseSession(sessionID int64) int {
	n := r.hub.CloseSession(sessionID)
	if err := r.publish(relayMessage{Kind: relayClose, SessionID: sessionID}); err != nil {
		r.log.Error().Err(err).Int64("session_id", sessionID).Msg("relay session close")
	}
	return n
}

func (r *Relay) publish(msg relayMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run delivers relayed messages to the local hub until ctx is done.
// ready, if non-nil, is closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	msgs, closeSub, err := r.client.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}
	defer closeSub()
	if ready != nil {
		close(ready)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *Relay) handle(raw string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		r.log.Warn().Err(err).Msg("relay decode failed")
		return
	}
	switch msg.Kind {
	case relayEvent:
		r.hub.Deliver(msg.SessionID, msg.Event)
	case relayClose:
		r.hub.CloseSession(msg.SessionID)
	default:
		r.log.Warn().Str("kind", msg.Kind).Msg("relay unknown message kind")
	}
}
