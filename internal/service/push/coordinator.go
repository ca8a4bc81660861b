package push

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"quizcast/internal/broadcast"
	"quizcast/internal/models"
)

var (
	// ErrStateConflict covers a session that is not running and an item that cannot be pushed.
	ErrStateConflict = errors.New("push state conflict")
	// ErrNothingToPush is returned when the session has no unpushed items left.
	ErrNothingToPush = errors.New("no unpushed quiz items")
)

const defaultSelectAttempts = 5

// Store is the persistence the coordinator needs; *lecture.Service satisfies it.
type Store interface {
	GetSession(ctx context.Context, sessionID int64) (*models.Session, error)
	GetQuizItem(ctx context.Context, id int64) (*models.QuizItem, error)
	CountUnpushed(ctx context.Context, sessionID int64) (int, error)
	UnpushedAt(ctx context.Context, sessionID int64, offset int) (*models.QuizItem, error)
	MarkQuizPushed(ctx context.Context, id int64, at time.Time) (bool, error)
}

// Result is a successful push.
type Result struct {
	Item       *models.QuizItem `json:"item"`
	Recipients int              `json:"recipients"`
}

// Coordinator picks a quiz item, marks it pushed and fans it out.
type Coordinator struct {
	store    Store
	channel  broadcast.Broadcaster
	attempts int
	intn     func(n int) int
	now      func() time.Time
	log      zerolog.Logger
}

func NewCoordinator(store Store, channel broadcast.Broadcaster, attempts int, logger zerolog.Logger) *Coordinator {
	if attempts <= 0 {
		attempts = defaultSelectAttempts
	}
	return &Coordinator{
		store:    store,
		channel:  channel,
		attempts: attempts,
		intn:     rand.IntN,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.With().Str("component", "push").Logger(),
	}
}

// SelectNext returns the explicit item when it belongs to the session and is
// still unpushed, or a uniformly random unpushed item when explicitID is nil.
func (c *Coordinator) SelectNext(ctx context.Context, sessionID int64, explicitID *int64) (*models.QuizItem, error) {
	if explicitID != nil {
		item, err := c.store.GetQuizItem(ctx, *explicitID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("quiz item %d: %w", *explicitID, ErrStateConflict)
			}
			return nil, err
		}
		if item.SessionID != sessionID {
			return nil, fmt.Errorf("quiz item %d belongs to another session: %w", item.ID, ErrStateConflict)
		}
		if item.Pushed() {
			return nil, fmt.Errorf("quiz item %d already pushed: %w", item.ID, ErrStateConflict)
		}
		return item, nil
	}

	n, err := c.store.CountUnpushed(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNothingToPush
	}
	item, err := c.store.UnpushedAt(ctx, sessionID, c.intn(n))
	if err != nil {
		// Another pusher shrank the set between count and fetch.
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNothingToPush
		}
		return nil, err
	}
	return item, nil
}

// MarkPushed reports whether this caller moved the item from unpushed to pushed.
func (c *Coordinator) MarkPushed(ctx context.Context, itemID int64) (bool, time.Time, error) {
	at := c.now()
	won, err := c.store.MarkQuizPushed(ctx, itemID, at)
	return won, at, err
}

// Push delivers one quiz item to the session's audience. The returned recipient
// count may be zero.
func (c *Coordinator) Push(ctx context.Context, sessionID int64, explicitID *int64) (*Result, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionInProgress {
		return nil, fmt.Errorf("session %d is %s: %w", sessionID, session.Status, ErrStateConflict)
	}

	attempts := c.attempts
	if explicitID != nil {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		item, err := c.SelectNext(ctx, sessionID, explicitID)
		if err != nil {
			return nil, err
		}
		won, at, err := c.MarkPushed(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if !won {
			c.log.Debug().Int64("quiz_id", item.ID).Int("attempt", i+1).Msg("lost push race")
			continue
		}
		item.PushedAt = &at
		recipients, err := c.channel.Publish(sessionID, models.NewQuizEvent(item))
		if err != nil {
			// The item stays pushed; the audience simply missed it.
			c.log.Error().Err(err).Int64("quiz_id", item.ID).Msg("publish quiz event")
			return nil, fmt.Errorf("publish quiz %d: %w", item.ID, err)
		}
		c.log.Info().Int64("session_id", sessionID).Int64("quiz_id", item.ID).Int("recipients", recipients).Msg("quiz pushed")
		return &Result{Item: item, Recipients: recipients}, nil
	}
	if explicitID != nil {
		return nil, fmt.Errorf("quiz item %d already pushed: %w", *explicitID, ErrStateConflict)
	}
	return nil, ErrNothingToPush
}

// RecipientCount is the number of open streams for the session.
func (c *Coordinator) RecipientCount(sessionID int64) int {
	return c.channel.RecipientCount(sessionID)
}
