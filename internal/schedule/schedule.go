// Package schedule triggers pipeline runs periodically.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/pipekeeper/pipekeeper/internal/model"
)

// Trigger starts a run for the schedule. It must not block for the run.
type Trigger func(ctx context.Context, s model.Schedule)

type Scheduler struct {
	scheduler gocron.Scheduler
	jobs      int
}

// New creates one job per schedule. The scheduler does nothing until Start.
// A job is skipped when its previous trigger is still running.
func New(ctx context.Context, schedules []model.Schedule, trigger Trigger, opts ...gocron.SchedulerOption) (*Scheduler, error) {
	if len(schedules) == 0 {
		return nil, errors.New("no schedules configured")
	}
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}

	for i, sched := range schedules {
		def, err := definition(sched)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("schedules[%d] (%s): %w", i, sched.Pipeline, err)
		}
		name := fmt.Sprintf("%s[%d]", sched.Pipeline, i)
		_, err = s.NewJob(
			def,
			gocron.NewTask(func() { trigger(ctx, sched) }),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("initializing gocron job %s: %w", name, err)
		}
		slog.DebugContext(ctx, "scheduled", "job", name, "cron", sched.Cron, "duration", sched.Duration, "steps", strings.Join(sched.Steps, ","))
	}
	return &Scheduler{scheduler: s, jobs: len(schedules)}, nil
}

func definition(s model.Schedule) (gocron.JobDefinition, error) {
	if s.Pipeline == "" {
		return nil, errors.New("pipeline is empty")
	}
	switch {
	case (s.Cron == "") == (s.Duration == ""):
		return nil, model.ErrSchedule
	case s.Cron != "":
		if _, err := model.ParseCron(s.Cron); err != nil {
			return nil, fmt.Errorf("parsing cron: %w", err)
		}
		return gocron.CronJob(strings.TrimSpace(s.Cron), false), nil
	default:
		d, err := model.ParseISODuration(s.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration %s must be positive", s.Duration)
		}
		return gocron.DurationJob(d), nil
	}
}

func (s *Scheduler) Jobs() int {
	return s.jobs
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Shutdown stops the scheduler and waits for running triggers.
func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}
