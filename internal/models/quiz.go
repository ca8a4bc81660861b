package models

import "time"

const QuizOptionCount = 4

// QuizItem is one multiple-choice question generated for a session.
type QuizItem struct {
	ID           int64      `json:"id"`
	SessionID    int64      `json:"session_id"`
	Question     string     `json:"question"`
	Options      []string   `json:"options"`
	CorrectIndex int        `json:"correct_index"`
	Explanation  *string    `json:"explanation,omitempty"`
	GeneratedAt  time.Time  `json:"generated_at"`
	PushedAt     *time.Time `json:"pushed_at,omitempty"`
}

// Pushed reports whether the item has already been delivered.
func (q *QuizItem) Pushed() bool {
	return q != nil && q.PushedAt != nil
}

const EventNewQuiz = "new_quiz"

// PushEvent is the wire payload sent to every subscriber of a session.
type PushEvent struct {
	Type string     `json:"type"`
	Quiz PushedQuiz `json:"quiz"`
}

// PushedQuiz is the audience view of a quiz item; it never carries the answer.
type PushedQuiz struct {
	ID        int64      `json:"id"`
	SessionID int64      `json:"session_id"`
	Question  string     `json:"question"`
	Options   []string   `json:"options"`
	PushedAt  *time.Time `json:"pushed_at,omitempty"`
}

// NewQuizEvent builds the new_quiz event for an item.
func NewQuizEvent(item *QuizItem) PushEvent {
	options := make([]string, len(item.Options))
	copy(options, item.Options)
	return PushEvent{
		Type: EventNewQuiz,
		Quiz: PushedQuiz{
			ID:        item.ID,
			SessionID: item.SessionID,
			Question:  item.Question,
			Options:   options,
			PushedAt:  item.PushedAt,
		},
	}
}
