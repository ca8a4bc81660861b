package worker

import (
	"testing"
	"time"
)

func TestPoolGrowsToMaxAndShrinksToMin(t *testing.T) {
	p := newJobChannelPool(1, 3, 20*time.Millisecond, nil)
	defer p.stop()
	p.spawnWorker()

	metas := []*workerMeta{p.acquire(), p.acquire(), p.acquire()}
	if running, idle := p.size(); running != 3 || idle != 0 {
		t.Fatalf("expected 3 busy workers, got running=%d idle=%d", running, idle)
	}

	acquired := make(chan *workerMeta, 1)
	go func() { acquired <- p.acquire() }()
	select {
	case <-acquired:
		t.Fatalf("acquire should block at max workers")
	case <-time.After(30 * time.Millisecond):
	}
	p.Release(metas[0].ch)
	select {
	case meta := <-acquired:
		if meta.id != metas[0].id {
			t.Fatalf("expected released worker %d, got %d", metas[0].id, meta.id)
		}
		metas[0] = meta
	case <-time.After(time.Second):
		t.Fatalf("acquire not woken by release")
	}

	for _, meta := range metas {
		p.Release(meta.ch)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if running, _ := p.size(); running == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	running, idle := p.size()
	t.Fatalf("expected pool to shrink to 1 worker, got running=%d idle=%d", running, idle)
}
