package drive

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	defaultSweepSchedule = "@every 10m"
	sweepRunTimeout      = 5 * time.Minute
)

// Sweeper periodically reclaims expired multipart sessions: provider
// abort, quota release and row removal, all driven through the
// manager's batched sweep.
type Sweeper struct {
	cron     *cron.Cron
	manager  *MultipartManager
	schedule string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper creates a sweeper on the given cron schedule. An empty
// schedule falls back to every ten minutes.
func NewSweeper(manager *MultipartManager, schedule string) *Sweeper {
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		cron:     cron.New(),
		manager:  manager,
		schedule: schedule,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	log.Info().Str("schedule", s.schedule).Msg("Upload session sweeper started")
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		log.Info().Msg("Upload session sweeper stopped")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Upload session sweeper shutdown timeout")
	}
}

// run drains the expired-session backlog, batch by batch, until a sweep
// comes back short or the run budget expires.
func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(s.ctx, sweepRunTimeout)
	defer cancel()

	total := 0
	for {
		cleaned, err := s.manager.SweepExpired(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Upload session sweep failed")
			break
		}
		total += cleaned
		if cleaned < s.manager.cfg.SweepBatch {
			break
		}
	}

	if total > 0 {
		log.Info().Int("cleaned", total).Msg("Expired upload sessions reclaimed")
	}
}
