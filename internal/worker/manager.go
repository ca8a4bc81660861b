package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quizcast/internal/models"
	"quizcast/internal/service/extraction"
	"quizcast/internal/service/lecture"
)

var (
	// ErrPollExhausted means the extraction service never became ready within the poll budget.
	ErrPollExhausted = errors.New("extraction not ready within poll budget")
	// ErrDuplicateMaterial is returned when the material id is already being ingested.
	ErrDuplicateMaterial = errors.New("material already in flight")

	errEmptyText = errors.New("extraction produced no text")
)

const (
	interruptedMessage = "ingestion interrupted"
	settleTimeout      = 10 * time.Second
)

// Store persists material rows. Every transition except CreateMaterial only
// applies while the row is still processing.
type Store interface {
	CreateMaterial(ctx context.Context, m *models.Material) error
	SaveMaterialSnapshot(ctx context.Context, id, text string) error
	CompleteMaterial(ctx context.Context, id, text string) error
	TimeoutMaterial(ctx context.Context, id, message string) error
	DeleteMaterial(ctx context.Context, id string) error
}

type Options struct {
	MinWorkers      int
	MaxWorkers      int
	QueueSize       int
	IdleTimeout     time.Duration
	PollInterval    time.Duration
	MaxPollAttempts int
	SnapshotChars   int
	UploadTimeout   time.Duration
	ExtractTimeout  time.Duration
}

func (o *Options) applyDefaults() {
	if o.MinWorkers <= 0 {
		o.MinWorkers = 1
	}
	if o.MaxWorkers < o.MinWorkers {
		o.MaxWorkers = o.MinWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxPollAttempts <= 0 {
		o.MaxPollAttempts = 60
	}
	if o.SnapshotChars <= 0 {
		o.SnapshotChars = 1000
	}
}

// AcceptRequest is an upload that already passed edge validation.
type AcceptRequest struct {
	MaterialID string
	SessionID  int64
	FileName   string
	MimeType   string
	Data       []byte
}

type ingestTask struct {
	req AcceptRequest
}

// Manager accepts uploads and drives each material through ingestion on the worker pool.
type Manager struct {
	store      Store
	client     extraction.Client
	opts       Options
	dispatcher *Dispatcher
	inflight   *inflightSet
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	// mu orders wg.Add in Accept against wg.Wait in Shutdown.
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewManager(store Store, client extraction.Client, opts Options, logger zerolog.Logger) *Manager {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		client:   client,
		opts:     opts,
		inflight: newInflightSet(),
		log:      logger.With().Str("component", "ingestion").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.dispatcher = NewDispatcher(opts.MinWorkers, opts.MaxWorkers, opts.QueueSize, m, opts.IdleTimeout)
	return m
}

// Accept creates the processing row and queues ingestion. It returns as soon
// as the job is queued; the outcome is only visible through the row.
func (m *Manager) Accept(ctx context.Context, req AcceptRequest) (*models.Material, error) {
	if req.SessionID <= 0 {
		return nil, errors.New("session id required")
	}
	if len(req.Data) == 0 {
		return nil, errors.New("upload is empty")
	}
	if req.MaterialID == "" {
		req.MaterialID = uuid.NewString()
	}
	if !m.inflight.add(req.SessionID, req.MaterialID) {
		return nil, ErrDuplicateMaterial
	}

	material := &models.Material{
		ID:        req.MaterialID,
		SessionID: req.SessionID,
		FileName:  req.FileName,
		MimeType:  req.MimeType,
	}
	if err := m.store.CreateMaterial(ctx, material); err != nil {
		m.inflight.remove(req.MaterialID)
		return nil, err
	}

	if err := m.submit(req); err != nil {
		m.inflight.remove(req.MaterialID)
		if delErr := m.store.DeleteMaterial(context.WithoutCancel(ctx), req.MaterialID); delErr != nil {
			m.log.Error().Err(delErr).Str("material_id", req.MaterialID).Msg("delete rejected material")
		}
		return nil, err
	}
	return material, nil
}

func (m *Manager) submit(req AcceptRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrDispatcherStopped
	}
	m.wg.Add(1)
	if err := m.dispatcher.Submit(Job{Type: Ingest, Ingest: &ingestTask{req: req}}); err != nil {
		m.wg.Done()
		return err
	}
	return nil
}

// Pending lists material ids of the session still being ingested.
func (m *Manager) Pending(sessionID int64) []string {
	return m.inflight.list(sessionID)
}

// InFlight lists every material id accepted and not yet settled, queued or running.
func (m *Manager) InFlight() []string {
	return m.inflight.all()
}

// Shutdown stops accepting work, interrupts running jobs and waits for them, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
	for _, job := range m.dispatcher.Stop(ctx) {
		if job.Ingest != nil {
			m.settle(job.Ingest.req.MaterialID, context.Canceled)
			m.inflight.remove(job.Ingest.req.MaterialID)
		}
		m.wg.Done()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for ingestion jobs: %w", ctx.Err())
	}
}

// runIngest is the worker entry point. Panics end as a compensating delete.
func (m *Manager) runIngest(workerID int, task *ingestTask) {
	req := task.req
	log := m.log.With().Str("material_id", req.MaterialID).Int64("session_id", req.SessionID).Int("worker", workerID).Logger()
	var handle extraction.Handle
	defer m.wg.Done()
	defer m.inflight.remove(req.MaterialID)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("ingestion panicked")
			m.settle(req.MaterialID, fmt.Errorf("panic: %v", r))
		}
		m.release(handle, log)
	}()

	start := time.Now()
	err := m.ingest(req, &handle)
	m.settle(req.MaterialID, err)
	if err != nil {
		log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("ingestion failed")
		return
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("ingestion completed")
}

func (m *Manager) ingest(req AcceptRequest, handle *extraction.Handle) error {
	ctx := m.ctx

	upCtx, cancel := withOptionalTimeout(ctx, m.opts.UploadTimeout)
	h, err := m.client.Upload(upCtx, req.FileName, req.Data, req.MimeType)
	cancel()
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	*handle = h

	if err := m.waitReady(ctx, h); err != nil {
		return err
	}

	exCtx, cancel := withOptionalTimeout(ctx, m.opts.ExtractTimeout)
	defer cancel()
	var (
		text    strings.Builder
		pending int
	)
	err = m.client.ExtractText(exCtx, h, func(chunk string) error {
		text.WriteString(chunk)
		pending += utf8.RuneCountInString(chunk)
		if pending < m.opts.SnapshotChars {
			return nil
		}
		pending = 0
		return m.store.SaveMaterialSnapshot(ctx, req.MaterialID, text.String())
	})
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}
	if strings.TrimSpace(text.String()) == "" {
		return errEmptyText
	}
	if err := m.store.CompleteMaterial(ctx, req.MaterialID, text.String()); err != nil {
		return fmt.Errorf("complete material: %w", err)
	}
	return nil
}

// waitReady polls the handle until it leaves processing. A failed status call is a hard failure.
func (m *Manager) waitReady(ctx context.Context, h extraction.Handle) error {
	timer := time.NewTimer(m.opts.PollInterval)
	defer timer.Stop()
	for attempt := 1; attempt <= m.opts.MaxPollAttempts; attempt++ {
		st, err := m.client.Status(ctx, h)
		if err != nil {
			return fmt.Errorf("poll status: %w", err)
		}
		switch st.State {
		case extraction.StateReady:
			return nil
		case extraction.StateFailed:
			return fmt.Errorf("%w: %s", extraction.ErrRemoteFailed, st.Error)
		}
		if attempt == m.opts.MaxPollAttempts {
			break
		}
		timer.Reset(m.opts.PollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %d status checks", ErrPollExhausted, m.opts.MaxPollAttempts)
}

// settle writes the terminal row state for err. nil means the row was already completed.
func (m *Manager) settle(materialID string, err error) {
	if err == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	var stErr error
	switch {
	case errors.Is(err, lecture.ErrMaterialSettled):
		return
	case errors.Is(err, ErrPollExhausted):
		stErr = m.store.TimeoutMaterial(ctx, materialID, err.Error())
	case errors.Is(err, context.Canceled) && m.ctx.Err() != nil:
		stErr = m.store.TimeoutMaterial(ctx, materialID, interruptedMessage)
	default:
		stErr = m.store.DeleteMaterial(ctx, materialID)
	}
	if stErr != nil && !errors.Is(stErr, lecture.ErrMaterialSettled) {
		m.log.Error().Err(stErr).Str("material_id", materialID).Msg("settle material")
	}
}

func (m *Manager) release(h extraction.Handle, log zerolog.Logger) {
	if h.Name == "" && h.URI == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := m.client.Release(ctx, h); err != nil {
		log.Warn().Err(err).Msg("release extraction handle")
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
