package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quizcast/internal/models"
)

const (
	defaultSendTimeout = 2 * time.Second
	defaultBuffer      = 8
)

// Broadcaster fans push events out to a session's subscribers.
type Broadcaster interface {
	Publish(sessionID int64, event models.PushEvent) (int, error)
	RecipientCount(sessionID int64) int
	CloseSession(sessionID int64) int
}

// Subscriber is one open client stream. Events carries encoded PushEvents;
// Done is closed once the subscriber is deregistered.
type Subscriber struct {
	ID        string
	SessionID int64

	events chan []byte
	done   chan struct{}
	once   sync.Once
	hub    *Hub
}

func (s *Subscriber) Events() <-chan []byte { return s.events }

func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Close deregisters the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

type sessionSet struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// Hub is the in-process session connection registry.
type Hub struct {
	mu       sync.RWMutex
	sessions map[int64]*sessionSet

	sendTimeout time.Duration
	buffer      int
	log         zerolog.Logger
}

func NewHub(sendTimeout time.Duration, buffer int, logger zerolog.Logger) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		sessions:    make(map[int64]*sessionSet),
		sendTimeout: sendTimeout,
		buffer:      buffer,
		log:         logger.With().Str("component", "broadcast").Logger(),
	}
}

func (h *Hub) Subscribe(sessionID int64) *Subscriber {
	s := &Subscriber{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		events:    make(chan []byte, h.buffer),
		done:      make(chan struct{}),
		hub:       h,
	}
	h.mu.Lock()
	set := h.sessions[sessionID]
	if set == nil {
		set = &sessionSet{subs: make(map[string]*Subscriber)}
		h.sessions[sessionID] = set
	}
	set.mu.Lock()
	set.subs[s.ID] = s
	set.mu.Unlock()
	h.mu.Unlock()
	return s
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[s.SessionID]
	if set == nil {
		return
	}
	set.mu.Lock()
	delete(set.subs, s.ID)
	empty := len(set.subs) == 0
	set.mu.Unlock()
	if empty {
		delete(h.sessions, s.SessionID)
	}
}

func (h *Hub) snapshot(sessionID int64) []*Subscriber {
	h.mu.RLock()
	set := h.sessions[sessionID]
	h.mu.RUnlock()
	if set == nil {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	subs := make([]*Subscriber, 0, len(set.subs))
	for _, s := range set.subs {
		subs = append(subs, s)
	}
	return subs
}

// RecipientCount is the number of subscribers currently registered for the session.
func (h *Hub) RecipientCount(sessionID int64) int {
	h.mu.RLock()
	set := h.sessions[sessionID]
	h.mu.RUnlock()
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.subs)
}

// Publish encodes the event once and hands it to every subscriber of the session.
// It never blocks and returns how many subscribers the event was addressed to.
func (h *Hub) Publish(sessionID int64, event models.PushEvent) (int, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode push event: %w", err)
	}
	return h.Deliver(sessionID, payload), nil
}

// Deliver sends an already encoded payload to the session's subscribers.
func (h *Hub) Deliver(sessionID int64, payload []byte) int {
	subs := h.snapshot(sessionID)
	for _, s := range subs {
		h.send(s, payload)
	}
	return len(subs)
}

// send tries a buffered send first and otherwise waits up to sendTimeout in the
// background; a subscriber that cannot take the event in time is dropped.
func (h *Hub) send(s *Subscriber, payload []byte) {
	select {
	case s.events <- payload:
		return
	case <-s.done:
		return
	default:
	}
	go func() {
		timer := time.NewTimer(h.sendTimeout)
		defer timer.Stop()
		select {
		case s.events <- payload:
		case <-s.done:
		case <-timer.C:
			h.log.Info().Str("subscriber", s.ID).Int64("session_id", s.SessionID).Msg("dropping slow subscriber")
			s.Close()
		}
	}()
}

// CloseSession force-closes every subscriber of the session.
func (h *Hub) CloseSession(sessionID int64) int {
	subs := h.snapshot(sessionID)
	for _, s := range subs {
		s.Close()
	}
	return len(subs)
}

// Close force-closes every subscriber of every session.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]int64, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.CloseSession(id)
	}
}
