package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDispatcherBusy is returned when the ingestion backlog is full.
	ErrDispatcherBusy = errors.New("dispatcher queue full")
	// ErrDispatcherStopped is returned after Stop.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

type sessionQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to the pool round-robin across sessions, so one
// session uploading many files cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	Manager  *Manager

	mu        sync.Mutex
	queues    map[int64]*sessionQueue
	ready     *list.List // sessions with pending jobs, front is next
	positions map[int64]*list.Element
	backlog   int
	capacity  int

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		queues:    make(map[int64]*sessionQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager),
		JobQueue:  make(chan Job, queueSize),
		Manager:   manager,
		capacity:  queueSize,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}
	if d.backlog >= d.capacity {
		return ErrDispatcherBusy
	}
	d.backlog++
	// backlog bounds the channel, this send never blocks
	d.JobQueue <- job
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		d.drainQueue()
	}
}

// drainQueue moves every submitted job into the session queues so the next
// dispatch sees all waiting sessions.
func (d *Dispatcher) drainQueue() {
	for {
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	sessionID := job.sessionID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[sessionID]
	if q == nil {
		q = &sessionQueue{}
		d.queues[sessionID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[sessionID] = d.ready.PushBack(sessionID)
}

// dispatchOne takes the next job of the front session and blocks until a worker takes it.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	sessionID := elem.Value.(int64)
	q := d.queues[sessionID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
		delete(d.queues, sessionID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	meta := d.pool.acquire()
	d.mu.Lock()
	d.backlog--
	d.mu.Unlock()
	if d.Manager != nil {
		d.Manager.log.Debug().Str("job", string(job.Type)).Int64("session_id", sessionID).Int("worker", meta.id).Msg("dispatch")
	}
	meta.ch <- job
	return true
}

// Stop ends dispatching and returns jobs that never reached a worker.
// It gives up waiting when ctx is done, returning nil.
func (d *Dispatcher) Stop(ctx context.Context) []Job {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.stop()
	})
	select {
	case <-d.done:
	case <-ctx.Done():
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var left []Job
	for e := d.ready.Front(); e != nil; e = e.Next() {
		left = append(left, d.queues[e.Value.(int64)].jobs...)
	}
	d.queues = make(map[int64]*sessionQueue)
	d.ready.Init()
	d.positions = make(map[int64]*list.Element)
	for {
		select {
		case job := <-d.JobQueue:
			left = append(left, job)
		default:
			d.backlog = 0
			return left
		}
	}
}
