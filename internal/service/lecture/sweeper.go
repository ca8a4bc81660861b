package lecture

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const interruptedMessage = "ingestion interrupted"

// Sweeper times out materials whose ingestion stopped making progress,
// e.g. because the process restarted mid-job.
type Sweeper struct {
	svc        *Service
	staleAfter time.Duration
	cron       *cron.Cron
	active     func() []string
	log        zerolog.Logger
}

// NewSweeper schedules the sweep with a standard cron spec or descriptor such as "@every 1m".
func NewSweeper(svc *Service, schedule string, staleAfter time.Duration, logger zerolog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		svc:        svc,
		staleAfter: staleAfter,
		cron:       cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		log:        logger.With().Str("component", "sweeper").Logger(),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("schedule sweeper %q: %w", schedule, err)
	}
	return s, nil
}

// SkipActive makes every sweep leave alone the material ids returned by active,
// typically the jobs still queued or running in this process. Call before Start.
func (s *Sweeper) SkipActive(active func() []string) {
	s.active = active
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce performs a single sweep and returns how many materials were timed out.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	var skip []string
	if s.active != nil {
		skip = s.active()
	}
	return s.svc.SweepStaleMaterials(ctx, time.Now().Add(-s.staleAfter), interruptedMessage, skip)
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep stale materials")
		return
	}
	if n > 0 {
		s.log.Warn().Int64("count", n).Msg("timed out stale materials")
	}
}
