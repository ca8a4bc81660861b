package worker

type JobType string

const (
	Ingest JobType = "ingest"
	Stop   JobType = "stop"
)

type Job struct {
	Type   JobType
	Ingest *ingestTask
}

func (job Job) sessionID() int64 {
	if job.Ingest == nil {
		return 0
	}
	return job.Ingest.req.SessionID
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	manager    *Manager
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		manager:    manager,
		jobChannel: make(chan Job),
	}
}

// Start runs jobs until the worker receives Stop, going back to the idle queue after each one.
func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			switch job.Type {
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			case Ingest:
				w.manager.runIngest(w.id, job.Ingest)
			}
			w.pool.Release(w.jobChannel)
		}
	}()
}
