package autopilot

import (
	"context"
	"fmt"
	"time"

	"vox_back/logging"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

const (
	sweepBatchSize = 100
	// sweepGrace keeps the sweeper away from jobs the request path is still
	// dispatching inline.
	sweepGrace = 30 * time.Second
)

// Sweeper re-dispatches pending sync jobs on a fixed interval.
type Sweeper struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	scheduler  gocron.Scheduler
	interval   time.Duration
	now        func() time.Time
}

// NewSweeper schedules a sweep every interval. Call Start to begin.
func NewSweeper(db *gorm.DB, dispatcher *Dispatcher, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("autopilot: create scheduler: %w", err)
	}
	s := &Sweeper{
		db:         db,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		interval:   interval,
		now:        func() time.Time { return time.Now().UTC() },
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(context.Background()); err != nil {
				logging.For("autopilot").WithError(err).Warn("autopilot: sweep failed")
			}
		}),
		gocron.WithName("autopilot_sync_sweeper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("autopilot: schedule sweeper: %w", err)
	}
	return s, nil
}

// Start begins running scheduled sweeps.
func (s *Sweeper) Start() {
	logging.For("autopilot").WithField("interval", s.interval.String()).Info("autopilot: sync sweeper started")
	s.scheduler.Start()
}

// Stop waits for a running sweep and stops the scheduler.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// Sweep dispatches one batch of pending jobs, oldest first, and returns how
// many it processed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	var jobs []SyncJob
	err := s.db.WithContext(ctx).
		Where("status = ? AND attempts < ? AND created_at <= ?", JobPending, MaxJobAttempts, s.now().Add(-sweepGrace)).
		Order("created_at ASC").
		Limit(sweepBatchSize).
		Find(&jobs).Error
	if err != nil {
		return 0, fmt.Errorf("autopilot: load pending sync jobs: %w", err)
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		s.dispatcher.Dispatch(ctx, &jobs[i])
	}
	return len(jobs), nil
}
