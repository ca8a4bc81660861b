package broadcast

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quizcast/internal/models"
)

func newTestHub(sendTimeout time.Duration, buffer int) *Hub {
	return NewHub(sendTimeout, buffer, zerolog.Nop())
}

func testEvent(id int64) models.PushEvent {
	now := time.Now().UTC()
	return models.NewQuizEvent(&models.QuizItem{
		ID:           id,
		SessionID:    1,
		Question:     "Which law?",
		Options:      []string{"first", "second", "third", "zeroth"},
		CorrectIndex: 1,
		PushedAt:     &now,
	})
}

func TestRecipientCountTracksSubscriptions(t *testing.T) {
	hub := newTestHub(time.Second, 4)
	if got := hub.RecipientCount(1); got != 0 {
		t.Fatalf("expected 0 recipients, got %d", got)
	}
	a := hub.Subscribe(1)
	b := hub.Subscribe(1)
	hub.Subscribe(2)
	if got := hub.RecipientCount(1); got != 2 {
		t.Fatalf("expected 2 recipients, got %d", got)
	}
	a.Close()
	a.Close()
	if got := hub.RecipientCount(1); got != 1 {
		t.Fatalf("expected 1 recipient after close, got %d", got)
	}
	b.Close()
	if got := hub.RecipientCount(1); got != 0 {
		t.Fatalf("expected 0 recipients, got %d", got)
	}
	if got := hub.RecipientCount(2); got != 1 {
		t.Fatalf("other session affected: %d", got)
	}
}

func TestPublishDeliversOncePerSubscriber(t *testing.T) {
	hub := newTestHub(time.Second, 4)
	subs := []*Subscriber{hub.Subscribe(1), hub.Subscribe(1)}
	other := hub.Subscribe(2)

	n, err := hub.Publish(1, testEvent(9))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected event addressed to 2 subscribers, got %d", n)
	}
	for i, s := range subs {
		select {
		case payload := <-s.Events():
			var ev models.PushEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.Type != models.EventNewQuiz || ev.Quiz.ID != 9 || len(ev.Quiz.Options) != 4 {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
		select {
		case extra := <-s.Events():
			t.Fatalf("subscriber %d got a duplicate: %s", i, extra)
		default:
		}
	}
	select {
	case payload := <-other.Events():
		t.Fatalf("other session received %s", payload)
	default:
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	hub := newTestHub(time.Second, 4)
	n, err := hub.Publish(42, testEvent(1))
	if err != nil || n != 0 {
		t.Fatalf("expected 0 recipients and no error, got %d %v", n, err)
	}
}

func TestWirePayloadOmitsAnswer(t *testing.T) {
	hub := newTestHub(time.Second, 4)
	s := hub.Subscribe(1)
	if _, err := hub.Publish(1, testEvent(3)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	payload := <-s.Events()
	var raw map[string]map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw["quiz"]["correct_index"]; ok {
		t.Fatalf("answer leaked to the audience: %s", payload)
	}
	if _, ok := raw["quiz"]["explanation"]; ok {
		t.Fatalf("explanation leaked to the audience: %s", payload)
	}
}

func TestSlowSubscriberIsDroppedWithoutBlocking(t *testing.T) {
	hub := newTestHub(30*time.Millisecond, 1)
	slow := hub.Subscribe(1)
	fast := hub.Subscribe(1)

	received := make(chan struct{}, 4)
	go func() {
		for {
			select {
			case <-fast.Events():
				received <- struct{}{}
			case <-fast.Done():
				return
			}
		}
	}()

	start := time.Now()
	for i := int64(1); i <= 3; i++ {
		if _, err := hub.Publish(1, testEvent(i)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("publish blocked for %v", elapsed)
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatalf("slow subscriber was not dropped")
	}
	if got := hub.RecipientCount(1); got != 1 {
		t.Fatalf("expected only the fast subscriber left, got %d", got)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber missed event %d", i+1)
		}
	}
	fast.Close()
}

func TestCloseSessionClosesAllHandles(t *testing.T) {
	hub := newTestHub(time.Second, 4)
	a, b := hub.Subscribe(5), hub.Subscribe(5)
	keep := hub.Subscribe(6)
	if n := hub.CloseSession(5); n != 2 {
		t.Fatalf("expected 2 closed, got %d", n)
	}
	for _, s := range []*Subscriber{a, b} {
		select {
		case <-s.Done():
		default:
			t.Fatalf("subscriber %s not closed", s.ID)
		}
	}
	if hub.RecipientCount(5) != 0 || hub.RecipientCount(6) != 1 {
		t.Fatalf("unexpected counts after session close")
	}
	select {
	case <-keep.Done():
		t.Fatalf("subscriber of another session closed")
	default:
	}
}

func TestConcurrentSubscribePublishClose(t *testing.T) {
	hub := newTestHub(10*time.Millisecond, 2)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := hub.Subscribe(1)
			time.Sleep(time.Millisecond)
			s.Close()
		}()
		go func(id int64) {
			defer wg.Done()
			if _, err := hub.Publish(1, testEvent(id)); err != nil {
				t.Errorf("publish: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()
	deadline := time.Now().Add(time.Second)
	for hub.RecipientCount(1) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hub.RecipientCount(1); got != 0 {
		t.Fatalf("expected registry to drain, got %d", got)
	}
}
