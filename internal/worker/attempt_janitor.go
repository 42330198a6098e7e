package worker

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Sweeper evicts finished attempts and recovers orphaned ones.
type Sweeper interface {
	Sweep(ctx context.Context) (evicted, recovered int, err error)
}

// AttemptJanitor runs the attempt sweep on a schedule.
type AttemptJanitor struct {
	scheduler *gocron.Scheduler
	sweeper   Sweeper
	interval  time.Duration
	timeout   time.Duration
	log       zerolog.Logger
}

// NewAttemptJanitor creates a janitor that sweeps every interval.
func NewAttemptJanitor(sweeper Sweeper, interval time.Duration, log zerolog.Logger) *AttemptJanitor {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &AttemptJanitor{
		scheduler: s,
		sweeper:   sweeper,
		interval:  interval,
		timeout:   interval,
		log:       log.With().Str("component", "attempt_janitor").Logger(),
	}
}

// Start schedules the sweep without blocking.
func (j *AttemptJanitor) Start() error {
	if _, err := j.scheduler.Every(j.interval).Do(j.sweep); err != nil {
		return err
	}
	j.scheduler.StartAsync()
	j.log.Info().Dur("interval", j.interval).Msg("Janitor started")
	return nil
}

// Stop terminates the schedule.
func (j *AttemptJanitor) Stop() {
	j.scheduler.Stop()
	j.log.Info().Msg("Janitor stopped")
}

func (j *AttemptJanitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	evicted, recovered, err := j.sweeper.Sweep(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("Sweep failed")
	}
	if evicted > 0 || recovered > 0 {
		j.log.Info().Int("evicted", evicted).Int("recovered", recovered).Msg("Sweep finished")
	}
}
