package quiz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quizcast/internal/models"
)

const (
	MaxCount = 50

	systemInstruction = "You write multiple-choice quiz questions for a live lecture audience. " +
		"Respond with exactly one JSON object and nothing else: no prose, no markdown, no code fences. " +
		`The object must have the form {"success": true, "total": <integer>, "quizzes": [{"question": "...", "options": ["...", "...", "...", "..."], "answer": <0-3>, "explanation": "..."}]}. ` +
		"Every quiz has exactly four non-empty options, answer is the zero-based index of the correct option, and explanation is a short non-empty justification. " +
		`If the material is unsuitable for quizzes, respond with {"success": false, "total": 0, "quizzes": []}.`
)

// Generator is the generative language service.
type Generator interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Batch is a validated generation result. Items are not persisted.
type Batch struct {
	Items     []*models.QuizItem
	Requested int
	Warnings  []string
}

type Engine struct {
	gen Generator
	log zerolog.Logger
}

func NewEngine(gen Generator, logger zerolog.Logger) *Engine {
	return &Engine{gen: gen, log: logger.With().Str("component", "quiz").Logger()}
}

// ClampCount bounds a requested count to [1, MaxCount].
func ClampCount(count int) int {
	return min(max(count, 1), MaxCount)
}

type completion struct {
	raw string
	err error
}

// Generate makes exactly one call to the generator under one overall deadline.
func (e *Engine) Generate(ctx context.Context, contextText string, count int, timeout time.Duration) (*Batch, error) {
	if strings.TrimSpace(contextText) == "" {
		return nil, ErrEmptyContext
	}
	requested := ClampCount(count)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resultCh := make(chan completion, 1)
	go func() {
		raw, err := e.gen.Complete(ctx, systemInstruction, buildPrompt(contextText, requested))
		resultCh <- completion{raw: raw, err: err}
	}()

	var res completion
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		return nil, contextError(ctx.Err())
	}
	if res.err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		return nil, &RemoteError{Err: res.err}
	}

	decoded, err := parseOutput(res.raw)
	if err != nil {
		return nil, err
	}
	items, total, err := validate(decoded)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Requested: requested}
	if total != len(items) {
		batch.Warnings = append(batch.Warnings, fmt.Sprintf("declared total %d differs from %d returned items", total, len(items)))
	}
	switch {
	case len(items) > requested:
		batch.Warnings = append(batch.Warnings, fmt.Sprintf("service returned %d items, kept %d", len(items), requested))
		items = items[:requested]
	case len(items) < requested:
		batch.Warnings = append(batch.Warnings, fmt.Sprintf("service returned %d of %d requested items", len(items), requested))
	}
	batch.Items = items
	for _, w := range batch.Warnings {
		e.log.Warn().Int("requested", requested).Msg(w)
	}
	return batch, nil
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("quiz generation: %w", err)
}

func buildPrompt(contextText string, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write exactly %d quiz questions based only on the lecture content below.\n\n", count)
	b.WriteString("Lecture content:\n")
	b.WriteString(contextText)
	return b.String()
}
