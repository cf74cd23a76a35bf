package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/diskwarden/internal/config"
)

// Scheduler wraps gocron for the daemon's periodic maintenance jobs:
// registry and operation heartbeats, the liveness sweep and stall detection.
type Scheduler struct {
	scheduler gocron.Scheduler
	daemon    *Daemon
}

// NewScheduler creates a scheduler bound to the daemon.
func NewScheduler(d *Daemon) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, daemon: d}, nil
}

// ScheduleMaintenanceJobs registers the periodic jobs from the daemon
// timing configuration.
func (s *Scheduler) ScheduleMaintenanceJobs(cfg config.DaemonConfig) error {
	jobs := []struct {
		name     string
		interval gocron.JobDefinition
		task     func(context.Context)
	}{
		{"heartbeat", gocron.DurationJob(cfg.HeartbeatInterval.Duration), s.daemon.heartbeat},
		{"liveness-sweep", gocron.DurationJob(cfg.LivenessThreshold.Duration), s.daemon.sweepStale},
		{"stall-detector", gocron.DurationJob(cfg.StallThreshold.Duration / 2), s.daemon.detectStalls},
	}
	for _, j := range jobs {
		if _, err := s.scheduler.NewJob(
			j.interval,
			gocron.NewTask(j.task, context.Background()),
			gocron.WithName(j.name),
		); err != nil {
			return fmt.Errorf("schedule %s job: %w", j.name, err)
		}
	}
	return nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	slog.Info("starting scheduler", slog.Int("jobs", len(s.scheduler.Jobs())))
	s.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	slog.Info("stopping scheduler")
	return s.scheduler.Shutdown()
}
