package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"clinic-calendar-sync/internal/domain"
)

// DefaultSchedule is the cron spec of the periodic sync.
const DefaultSchedule = "@every 1m"

// Runner is the part of Orchestrator the scheduler drives.
type Runner interface {
	RunSync(ctx context.Context, kind domain.SyncKind) (*domain.SyncLog, error)
	PullFromProvider(ctx context.Context) (*domain.SyncLog, error)
}

// Scheduler runs an incremental push followed by a pull on a cron schedule.
type Scheduler struct {
	runner Runner
	spec   string
	cron   *cron.Cron
}

// NewScheduler creates a Scheduler. An empty spec uses DefaultSchedule.
func NewScheduler(runner Runner, spec string) *Scheduler {
	if spec == "" {
		spec = DefaultSchedule
	}
	return &Scheduler{
		runner: runner,
		spec:   spec,
		cron:   cron.New(),
	}
}

// Start pulls once in the background, then schedules Tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.spec, err)
	}
	go s.pull(ctx)
	s.cron.Start()
	log.Info().Str("schedule", s.spec).Msg("Sync scheduler started")
	return nil
}

// Stop halts the schedule and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("Sync scheduler stopped")
}

// Tick runs one scheduled pass.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.RunSync(ctx, domain.KindIncremental); err != nil {
		if skippable(err) {
			log.Debug().Err(err).Msg("Scheduled push skipped")
		} else {
			log.Error().Err(err).Msg("Scheduled push failed")
		}
	}
	s.pull(ctx)
}

func (s *Scheduler) pull(ctx context.Context) {
	if _, err := s.runner.PullFromProvider(ctx); err != nil {
		if skippable(err) {
			log.Debug().Err(err).Msg("Scheduled pull skipped")
			return
		}
		log.Error().Err(err).Msg("Scheduled pull failed")
	}
}

func skippable(err error) bool {
	return errors.Is(err, domain.ErrNotConnected) || errors.Is(err, domain.ErrSyncAlreadyInProgress)
}
