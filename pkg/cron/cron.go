// Package cron turns wall-clock schedules into bus events. Due jobs
// publish their prompt as user input on the "cron" channel, so scheduled
// work flows through the same agent path as interactive input.
package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/config"
	"github.com/sablebot/sable/pkg/events"
	"github.com/sablebot/sable/pkg/logger"
)

// checkInterval is how often schedules are evaluated. Cron resolution is
// one minute; checking more often only costs a map lookup per job.
const checkInterval = 20 * time.Second

type job struct {
	name     string
	schedule string
	prompt   string
	lastFire time.Time // truncated to the minute, for dedupe
}

// Service evaluates cron schedules and publishes trigger events.
type Service struct {
	bus  *bus.Bus
	gron *gronx.Gronx
	jobs []*job

	// now is replaceable in tests.
	now func() time.Time
}

// New validates the configured jobs and builds the service. An invalid
// schedule expression is a configuration error and rejected up front.
func New(b *bus.Bus, cfgJobs []config.CronJob) (*Service, error) {
	s := &Service{
		bus:  b,
		gron: gronx.New(),
		now:  time.Now,
	}

	for _, cj := range cfgJobs {
		if cj.Name == "" {
			return nil, fmt.Errorf("cron job with empty name")
		}
		if !s.gron.IsValid(cj.Schedule) {
			return nil, fmt.Errorf("cron job %q: invalid schedule %q", cj.Name, cj.Schedule)
		}
		s.jobs = append(s.jobs, &job{name: cj.Name, schedule: cj.Schedule, prompt: cj.Prompt})
	}
	return s, nil
}

// Jobs returns the number of configured jobs.
func (s *Service) Jobs() int { return len(s.jobs) }

// Run evaluates schedules until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if len(s.jobs) == 0 {
		logger.DebugC("cron", "No jobs configured")
		return
	}
	logger.InfoCF("cron", "Scheduler running", map[string]interface{}{"jobs": len(s.jobs)})

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll()
		}
	}
}

// checkAll fires every job that is due at the current minute and has not
// already fired for it.
func (s *Service) checkAll() {
	ref := s.now()
	minute := ref.Truncate(time.Minute)

	for _, j := range s.jobs {
		if j.lastFire.Equal(minute) {
			continue
		}
		due, err := s.gron.IsDue(j.schedule, ref)
		if err != nil {
			logger.ErrorCF("cron", "Schedule evaluation failed", map[string]interface{}{
				"job":   j.name,
				"error": err.Error(),
			})
			s.bus.PublishFrom("cron", events.CronJobFailed, events.CronPayload(j.name, j.schedule))
			continue
		}
		if !due {
			continue
		}
		j.lastFire = minute
		s.fire(j)
	}
}

func (s *Service) fire(j *job) {
	logger.InfoCF("cron", "Job triggered", map[string]interface{}{"job": j.name})
	s.bus.PublishFrom("cron", events.CronJobTriggered, events.CronPayload(j.name, j.schedule))
	s.bus.PublishFrom("cron", events.UserInput, events.InputPayload("cron", j.name, j.name, j.prompt))
}
