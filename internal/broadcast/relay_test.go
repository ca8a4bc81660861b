package broadcast

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quizcast/internal/config"
	"quizcast/internal/models"
	"quizcast/internal/redis"
)

func TestRelayDeliversAcrossHubs(t *testing.T) {
	client := newTestRedis(t)
	channel := "quizcast:test:" + strconv.FormatInt(time.Now().UnixNano(), 10)

	hubA := newTestHub(time.Second, 4)
	hubB := newTestHub(time.Second, 4)
	relayA := NewRelay(hubA, client, channel, zerolog.Nop())
	relayB := NewRelay(hubB, client, channel, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, r := range []*Relay{relayA, relayB} {
		ready := make(chan struct{})
		go r.Run(ctx, ready)
		select {
		case <-ready:
		case <-time.After(2 * time.Second):
			t.Fatalf("relay subscription not ready")
		}
	}

	remote := hubB.Subscribe(1)
	if _, err := relayA.Publish(1, testEvent(77)); err != nil {
		t.Fatalf("relay publish: %v", err)
	}
	select {
	case payload := <-remote.Events():
		var ev models.PushEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Quiz.ID != 77 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event did not cross processes")
	}

	relayA.CloseSession(1)
	select {
	case <-remote.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session close did not cross processes")
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed relay tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := redis.NewRedisClient(config.RedisConfig{Host: host, Port: port})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
