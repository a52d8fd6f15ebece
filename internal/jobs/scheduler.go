// Package jobs runs the background maintenance work: scheduled unified
// model refreshes and periodic health sweeps over the configured
// council models.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"council/internal/health"
	"council/internal/models"
	"council/internal/registry"
	"council/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

// Scheduler owns the gocron instance and the registered jobs
type Scheduler struct {
	scheduler gocron.Scheduler
	registry  *registry.Service
	health    *health.Manager
	config    func() models.CouncilConfig
}

// NewScheduler creates the job scheduler
func NewScheduler(registrySvc *registry.Service, healthMgr *health.Manager, config func() models.CouncilConfig) (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: scheduler,
		registry:  registrySvc,
		health:    healthMgr,
		config:    config,
	}, nil
}

// RegisterRefreshJob schedules the UMR refresh on a cron expression.
// The expression is validated up front so a bad config fails at boot,
// not at first fire.
func (s *Scheduler) RegisterRefreshJob(cronExpr string) error {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return fmt.Errorf("invalid refresh cron %q: %w", cronExpr, err)
	}

	_, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
			defer cancel()

			start := time.Now()
			count, err := s.registry.Refresh(ctx)
			if err != nil {
				log.Printf("[JOBS] Scheduled model refresh failed: %v", err)
				return
			}
			if m := services.GetMetrics(); m != nil {
				m.RefreshDuration.Observe(time.Since(start).Seconds())
				m.UnifiedModels.Set(float64(count))
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register refresh job: %w", err)
	}

	log.Printf("⏰ Model refresh scheduled (%s)", cronExpr)
	return nil
}

// RegisterHealthSweep schedules periodic probe sweeps over the
// configured council models (members + chairman + substitutes).
func (s *Scheduler) RegisterHealthSweep(interval time.Duration) error {
	if interval <= 0 {
		return nil
	}

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			cfg := s.config()
			ids := sweepTargets(cfg)
			if len(ids) == 0 {
				return
			}

			report, err := s.health.ProbeAll(ctx, ids)
			if err != nil {
				log.Printf("[JOBS] Health sweep failed: %v", err)
				return
			}
			if m := services.GetMetrics(); m != nil {
				for _, r := range report.Results {
					m.RecordProbe(r.Status == health.StatusOK)
				}
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register health sweep: %w", err)
	}

	log.Printf("⏰ Health sweep scheduled every %s", interval)
	return nil
}

// sweepTargets collects the distinct model ids a sweep should probe
func sweepTargets(cfg models.CouncilConfig) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, id := range cfg.CouncilModels {
		add(id)
	}
	add(cfg.ChairmanModel)
	for _, sub := range cfg.SubstituteModels {
		add(sub)
	}
	return ids
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.scheduler.Start()
	log.Println("✅ Scheduler started")
}

// Stop shuts the scheduler down
func (s *Scheduler) Stop() error {
	log.Println("⏹️ Stopping scheduler...")
	return s.scheduler.Shutdown()
}
